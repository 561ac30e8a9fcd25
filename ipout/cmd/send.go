// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"netout.dev/netout/ipout/config"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/link/sniffer"
	"netout.dev/netout/pkg/tcpip/network/ipv4"
	"netout.dev/netout/pkg/tcpip/stack"
)

// Send implements subcommands.Command for the "send" command.
type Send struct {
	src       string
	dst       string
	sport     uint
	dport     uint
	payload   string
	size      int
	count     int
	ttl       uint
	tos       uint
	df        bool
	broadcast bool
	dontRoute bool
	options   string
	mcastIf   uint
	mcastTTL  int
	noLoop    bool

	statsFormat string
}

// Name implements subcommands.Command.Name.
func (*Send) Name() string {
	return "send"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Send) Synopsis() string {
	return "send UDP datagrams through the configured network"
}

// Usage implements subcommands.Command.Usage.
func (*Send) Usage() string {
	return `send [flags] -dst <address> - send UDP datagrams.

Datagrams are built from the flags and sent through the configured NICs.
Every transmission is printed, fragments and looped back copies included,
followed by the IP statistics.

EXAMPLE:
    $ ipout -config net.toml send -dst 10.0.0.2 -size 3000
    $ ipout send -dst 224.0.0.251 -options 01010101
    $ ipout send -dst 127.0.0.2 -stats-format prometheus

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Send) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.src, "src", "", "source address. Empty selects one from the outgoing NIC.")
	f.StringVar(&s.dst, "dst", "", "destination address.")
	f.UintVar(&s.sport, "sport", 5353, "UDP source port.")
	f.UintVar(&s.dport, "dport", 9, "UDP destination port.")
	f.StringVar(&s.payload, "payload", "", "payload. Overrides -size.")
	f.IntVar(&s.size, "size", 64, "payload size in bytes.")
	f.IntVar(&s.count, "count", 1, "number of datagrams to send.")
	f.UintVar(&s.ttl, "ttl", 0, "TTL. Zero uses the default.")
	f.UintVar(&s.tos, "tos", 0, "type of service.")
	f.BoolVar(&s.df, "df", false, "set the don't fragment bit (path MTU discovery).")
	f.BoolVar(&s.broadcast, "broadcast", false, "allow sending to broadcast addresses.")
	f.BoolVar(&s.dontRoute, "dontroute", false, "bypass the route table and send to a directly attached destination.")
	f.StringVar(&s.options, "options", "", "hex encoded IP options.")
	f.UintVar(&s.mcastIf, "mcast-if", 0, "NIC for multicast and limited broadcast datagrams.")
	f.IntVar(&s.mcastTTL, "mcast-ttl", -1, "multicast TTL. Negative keeps the default of 1.")
	f.BoolVar(&s.noLoop, "mcast-noloop", false, "do not deliver multicast datagrams to local members.")
	f.StringVar(&s.statsFormat, "stats-format", StatsFormatText, "format of the statistics printed after sending: text or prometheus.")
}

// Execute implements subcommands.Command.Execute.
func (s *Send) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(conf, os.Stdout); err != nil {
		return Errorf("send: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Send) flags() ipv4.OutputFlags {
	var flags ipv4.OutputFlags
	if s.df {
		flags |= ipv4.PathMTUDiscovery
	}
	if s.broadcast {
		flags |= ipv4.AllowBroadcast
	}
	if s.dontRoute {
		flags |= ipv4.RouteToInterface
	}
	return flags | ipv4.ReportMTU
}

func (s *Send) run(conf *config.Config, w io.Writer) error {
	dst := tcpip.ParseAddress(s.dst)
	if dst == "" {
		return fmt.Errorf("invalid destination %q", s.dst)
	}
	var src tcpip.Address
	if s.src != "" {
		if src = tcpip.ParseAddress(s.src); src == "" {
			return fmt.Errorf("invalid source %q", s.src)
		}
	}
	if s.sport > 0xffff || s.dport > 0xffff {
		return fmt.Errorf("ports must be below 65536")
	}
	if s.ttl > 0xff || s.tos > 0xff || s.mcastTTL > 0xff {
		return fmt.Errorf("ttl and tos must be below 256")
	}
	switch s.statsFormat {
	case "", StatsFormatText, StatsFormatPrometheus:
	default:
		return fmt.Errorf("unknown stats format %q", s.statsFormat)
	}
	payload := []byte(s.payload)
	if len(payload) == 0 {
		if s.size < 0 {
			return fmt.Errorf("negative size %d", s.size)
		}
		payload = make([]byte, s.size)
		for i := range payload {
			payload[i] = byte(i)
		}
	}
	rawOpts, err := hex.DecodeString(strings.ReplaceAll(s.options, " ", ""))
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}

	n, err := newNetwork(conf)
	if err != nil {
		return err
	}
	defer n.close()

	ep := n.proto.NewEndpoint()
	defer ep.Close()
	if err := ep.SetOptions(rawOpts); err != nil {
		return fmt.Errorf("options: %s", err)
	}
	if s.mcastIf != 0 {
		if err := ep.SetMulticastInterface(tcpip.NICID(s.mcastIf)); err != nil {
			return fmt.Errorf("multicast interface %d: %s", s.mcastIf, err)
		}
	}
	if s.mcastTTL >= 0 {
		if err := ep.SetMulticastTTL(uint8(s.mcastTTL)); err != nil {
			return fmt.Errorf("multicast ttl: %s", err)
		}
	}
	if s.noLoop {
		if err := ep.SetMulticastLoop(false); err != nil {
			return fmt.Errorf("multicast loop: %s", err)
		}
	}
	for _, m := range conf.Memberships {
		if err := ep.AddMembership(tcpip.ParseAddress(m.Group), tcpip.NICID(m.NIC), tcpip.ParseAddress(m.Interface)); err != nil {
			return fmt.Errorf("joining %s: %s", m.Group, err)
		}
	}

	flags := s.flags()
	log.Debugf("Sending %d datagrams of %d bytes to %s, flags %s", s.count, len(payload), dst, flags)
	for i := 0; i < s.count; i++ {
		pkt := newUDPDatagram(src, dst, uint16(s.sport), uint16(s.dport), uint8(s.ttl), uint8(s.tos), payload)
		if err := ep.Write(pkt, flags); err != nil {
			if _, ok := err.(*tcpip.ErrMessageTooLong); ok && ep.ErrorMTU() != 0 {
				return fmt.Errorf("datagram %d: %s (path mtu %d)", i, err, ep.ErrorMTU())
			}
			return fmt.Errorf("datagram %d: %s", i, err)
		}
		n.printTransmissions(w)
	}
	fmt.Fprintln(w)
	if s.statsFormat == StatsFormatPrometheus {
		return writeMetrics(w, n.stack)
	}
	printStats(w, n.stack)
	return nil
}

// printTransmissions writes a summary of every queued transmission and
// releases it.
func (n *network) printTransmissions(w io.Writer) {
	for _, id := range n.nicIDs {
		ch, ok := n.links[id]
		if !ok {
			continue
		}
		for {
			p, ok := ch.Read()
			if !ok {
				break
			}
			fmt.Fprintln(w, sniffer.Summary("send", p.Route, p.Pkt))
			p.Pkt.DecRef()
		}
	}
	for {
		pkt, ok := n.inbox.Read()
		if !ok {
			break
		}
		fmt.Fprintln(w, sniffer.Summary("local", stack.RouteInfo{}, pkt))
		pkt.DecRef()
	}
}

// newUDPDatagram builds a UDP datagram whose checksum is left to the stack.
func newUDPDatagram(src, dst tcpip.Address, sport, dport uint16, ttl, tos uint8, payload []byte) *stack.PacketBuffer {
	udpLen := header.UDPMinimumSize + len(payload)
	seg := buffer.NewView(udpLen)
	header.UDP(seg).Encode(&header.UDPFields{
		SrcPort:  sport,
		DstPort:  dport,
		Length:   uint16(udpLen),
		Checksum: header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(udpLen)),
	})
	copy(seg[header.UDPMinimumSize:], payload)

	hdr := buffer.NewView(header.IPv4MinimumSize)
	header.IPv4(hdr).Encode(&header.IPv4Fields{
		TOS:         tos,
		TotalLength: uint16(header.IPv4MinimumSize + udpLen),
		TTL:         ttl,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     src,
		DstAddr:     dst,
	})

	var vv buffer.VectorisedView
	vv.AppendView(hdr)
	vv.AppendView(seg)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Data: vv})
	pkt.TransportProtocolNumber = header.UDPProtocolNumber
	pkt.CsumFlags = stack.ChecksumUDP
	pkt.CsumDataOffset = header.UDPChecksumOffset
	return pkt
}
