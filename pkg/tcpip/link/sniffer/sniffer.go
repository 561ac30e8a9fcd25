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

// Package sniffer provides the implementation of data-link layer endpoints that
// wrap another endpoint and logs outbound packets.
//
// Sniffer endpoints can be used in the networking stack by calling New(lower)
// to create a new endpoint, where lower is the endpoint being wrapped, and
// then passing it as an argument to Stack.CreateNIC().
package sniffer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// LogPackets enables or disables packet logging via the log package.
var LogPackets atomic.Bool

// LogPacketsToPCAP enables or disables logging packets to a pcap writer. A
// writer must have been specified when the sniffer was created for this flag
// to have effect.
var LogPacketsToPCAP atomic.Bool

func init() {
	LogPackets.Store(true)
	LogPacketsToPCAP.Store(true)
}

// Endpoint wraps a link endpoint and records the packets written to it.
type Endpoint struct {
	lower  stack.LinkEndpoint
	logger log.Logger

	// mu serializes pcap records.
	mu      sync.Mutex
	pcap    *pcapgo.Writer
	snapLen uint32
	now     func() time.Time
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// queueingEndpoint is returned for lower endpoints with a bounded queue, so
// that the queue stays visible through the sniffer.
type queueingEndpoint struct {
	*Endpoint
	q stack.QueueingEndpoint
}

var _ stack.QueueingEndpoint = (*queueingEndpoint)(nil)

// QueueRoom implements stack.QueueingEndpoint.QueueRoom.
func (e *queueingEndpoint) QueueRoom() int {
	return e.q.QueueRoom()
}

func wrap(e *Endpoint) stack.LinkEndpoint {
	if q, ok := e.lower.(stack.QueueingEndpoint); ok {
		return &queueingEndpoint{Endpoint: e, q: q}
	}
	return e
}

// New creates a new sniffer link-layer endpoint. It wraps around another
// endpoint and logs packets as they traverse the endpoint.
func New(lower stack.LinkEndpoint) stack.LinkEndpoint {
	return NewWithLogger(lower, log.Log())
}

// NewWithLogger is like New, logging to logger.
func NewWithLogger(lower stack.LinkEndpoint, logger log.Logger) stack.LinkEndpoint {
	return wrap(&Endpoint{lower: lower, logger: logger})
}

// NewWithWriter creates a new sniffer link-layer endpoint. It wraps around
// another endpoint and logs packets as they traverse the endpoint.
//
// Packets are logged to writer in the pcap format. A sniffer created with this
// function will not emit packets using the standard log package.
//
// snapLen is the maximum amount of a packet to be saved. Packets with a length
// less than or equal to snapLen will be saved in their entirety. Longer
// packets will be truncated to snapLen.
func NewWithWriter(lower stack.LinkEndpoint, writer io.Writer, snapLen uint32) (stack.LinkEndpoint, error) {
	w := pcapgo.NewWriter(writer)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("writing pcap file header: %w", err)
	}
	return wrap(&Endpoint{
		lower:   lower,
		pcap:    w,
		snapLen: snapLen,
		now:     time.Now,
	}), nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	return e.lower.MTU()
}

// Capabilities implements stack.LinkEndpoint.Capabilities.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.lower.Capabilities()
}

// ChecksumOffload implements stack.LinkEndpoint.ChecksumOffload.
func (e *Endpoint) ChecksumOffload() stack.ChecksumFlags {
	return e.lower.ChecksumOffload()
}

// LinkAddress implements stack.LinkEndpoint.LinkAddress.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.lower.LinkAddress()
}

// WritePacket implements the stack.LinkEndpoint interface. It is called by
// higher-level protocols to write packets; it just logs the packet and
// forwards the request to the lower endpoint.
func (e *Endpoint) WritePacket(r stack.RouteInfo, pkt *stack.PacketBuffer) tcpip.Error {
	e.dumpPacket("send", r, pkt)
	return e.lower.WritePacket(r, pkt)
}

func (e *Endpoint) dumpPacket(prefix string, r stack.RouteInfo, pkt *stack.PacketBuffer) {
	if e.pcap == nil {
		if LogPackets.Load() && e.logger.IsLogging(log.Info) {
			e.logger.Infof("%s", Summary(prefix, r, pkt))
		}
		return
	}
	if !LogPacketsToPCAP.Load() {
		return
	}
	data := pkt.ToView()
	ci := gopacket.CaptureInfo{
		Timestamp: e.now(),
		Length:    len(data),
	}
	if uint32(len(data)) > e.snapLen {
		data = data[:e.snapLen]
	}
	ci.CaptureLength = len(data)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pcap.WritePacket(ci, data); err != nil {
		panic(err)
	}
}

// Summary describes pkt in one line: addresses, ports, sizes and fragment
// state.
func Summary(prefix string, r stack.RouteInfo, pkt *stack.PacketBuffer) string {
	p := gopacket.NewPacket(pkt.ToView(), layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return fmt.Sprintf("%s unknown network packet of %d bytes on nic %d", prefix, pkt.Size(), r.NIC)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s nic %d", prefix, r.NIC)
	if r.NextHop != "" && r.NextHop != tcpip.Address(ip.DstIP.To4()) {
		fmt.Fprintf(&b, " via %s", r.NextHop)
	}
	size := int(ip.Length) - int(ip.IHL)*4
	frag := ""
	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		frag = fmt.Sprintf(" frag:%d", int(ip.FragOffset)*8)
		if ip.Flags&layers.IPv4MoreFragments != 0 {
			frag += "+"
		}
	}
	if ip.Flags&layers.IPv4DontFragment != 0 {
		frag += " df"
	}

	switch {
	case ip.FragOffset != 0:
		fmt.Fprintf(&b, " %s %s -> %s", ip.Protocol, ip.SrcIP, ip.DstIP)
	case ip.Protocol == layers.IPProtocolUDP:
		// Fragmented datagrams decode as gopacket.Fragment, so the first
		// fragment's transport header is decoded by hand.
		var udp layers.UDP
		if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err == nil {
			size -= header.UDPMinimumSize
			fmt.Fprintf(&b, " udp %s:%d -> %s:%d xsum:0x%x", ip.SrcIP, udp.SrcPort, ip.DstIP, udp.DstPort, udp.Checksum)
			break
		}
		fmt.Fprintf(&b, " udp %s -> %s", ip.SrcIP, ip.DstIP)
	case ip.Protocol == layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err == nil {
			size -= int(tcp.DataOffset) * 4
			fmt.Fprintf(&b, " tcp %s:%d -> %s:%d seqnum:%d ack:%d win:%d xsum:0x%x", ip.SrcIP, tcp.SrcPort, ip.DstIP, tcp.DstPort, tcp.Seq, tcp.Ack, tcp.Window, tcp.Checksum)
			break
		}
		fmt.Fprintf(&b, " tcp %s -> %s", ip.SrcIP, ip.DstIP)
	case ip.Protocol == layers.IPProtocolICMPv4:
		if icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			fmt.Fprintf(&b, " icmp %s -> %s %s", ip.SrcIP, ip.DstIP, icmp.TypeCode)
			break
		}
		fmt.Fprintf(&b, " icmp %s -> %s", ip.SrcIP, ip.DstIP)
	default:
		fmt.Fprintf(&b, " %s -> %s unknown transport protocol: %d", ip.SrcIP, ip.DstIP, uint8(ip.Protocol))
	}
	fmt.Fprintf(&b, " len:%d id:%04x ttl:%d%s", size, ip.Id, ip.TTL, frag)
	if pkt.CsumFlags != 0 {
		fmt.Fprintf(&b, " offload:%s", pkt.CsumFlags)
	}
	if pkt.GSOOptions.Segments != 0 {
		fmt.Fprintf(&b, " gso: %+v", pkt.GSOOptions)
	}
	return b.String()
}
