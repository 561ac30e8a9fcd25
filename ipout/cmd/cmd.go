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

// Package cmd holds implementations of the ipout commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"
	"netout.dev/netout/ipout/config"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/link/channel"
	"netout.dev/netout/pkg/tcpip/link/loopback"
	"netout.dev/netout/pkg/tcpip/link/sniffer"
	"netout.dev/netout/pkg/tcpip/network/ipv4"
	"netout.dev/netout/pkg/tcpip/stack"
)

const (
	defaultQueue = 64
	defaultMTU   = 1500
	inboxSize    = 256
)

// Errorf logs to stderr and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If the message doesn't end with newline, add it.
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format, args...)
	return subcommands.ExitFailure
}

// network is a stack built from a Config.
type network struct {
	stack *stack.Stack
	proto *ipv4.Protocol

	// inbox receives everything turned around by loopback links and the
	// looped back copies of multicast datagrams.
	inbox *loopback.Inbox

	// links are the capturing links, by NIC.
	links map[tcpip.NICID]*channel.Endpoint

	// nicIDs are in configuration order.
	nicIDs []tcpip.NICID

	closers []io.Closer
}

// newNetwork builds the stack described by conf.
func newNetwork(conf *config.Config) (*network, error) {
	n := &network{
		inbox: loopback.NewInbox(inboxSize),
		links: make(map[tcpip.NICID]*channel.Endpoint),
	}
	n.stack = stack.New(stack.Options{
		Loopback:      n.inbox,
		RejectBackoff: conf.RejectBackoff.StackBackoff(),
	})
	n.proto = ipv4.NewProtocol(n.stack)
	if conf.DefaultTTL != 0 {
		if err := n.proto.SetDefaultTTL(conf.DefaultTTL); err != nil {
			return nil, fmt.Errorf("default ttl %d: %s", conf.DefaultTTL, err)
		}
	}

	captured := 0
	for _, nc := range conf.NICs {
		if nc.Link != config.LinkLoopback {
			captured++
		}
	}

	for i := range conf.NICs {
		nc := &conf.NICs[i]
		if err := n.addNIC(conf, nc, captured > 1); err != nil {
			n.close()
			return nil, fmt.Errorf("nic %d: %w", nc.ID, err)
		}
	}
	for i := range conf.Routes {
		row, err := conf.Routes[i].Row()
		if err != nil {
			n.close()
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if err := n.stack.AddRoute(row); err != nil {
			n.close()
			return nil, fmt.Errorf("adding route %s: %s", row, err)
		}
	}
	return n, nil
}

func (n *network) addNIC(conf *config.Config, nc *config.NIC, pcapPerNIC bool) error {
	id := tcpip.NICID(nc.ID)
	var ep stack.LinkEndpoint
	if nc.Link == config.LinkLoopback {
		ep = loopback.New(n.inbox)
	} else {
		mtu, queue := nc.MTU, nc.Queue
		if mtu == 0 {
			mtu = defaultMTU
		}
		if queue == 0 {
			queue = defaultQueue
		}
		ch := channel.New(queue, mtu, "")
		var err error
		if ch.LinkEPCapabilities, err = nc.LinkCapabilities(); err != nil {
			return err
		}
		if ch.ChecksumOffloadFlags, err = nc.ChecksumOffload(); err != nil {
			return err
		}
		n.links[id] = ch
		ep = ch

		if conf.PCAP != "" {
			path := conf.PCAP
			if pcapPerNIC {
				ext := filepath.Ext(path)
				path = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(path, ext), id, ext)
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			n.closers = append(n.closers, f)
			if ep, err = sniffer.NewWithWriter(ep, f, conf.SnapLen); err != nil {
				return err
			}
		}
	}
	if conf.Logging.Packets && (conf.PCAP == "" || nc.Link == config.LinkLoopback) {
		ep = sniffer.New(ep)
	}

	opts := stack.NICOptions{Name: nc.Name}
	if nc.Peer != "" {
		opts.Peer = tcpip.ParseAddress(nc.Peer)
	}
	if err := n.stack.CreateNICWithOptions(id, ep, opts); err != nil {
		return fmt.Errorf("creating NIC: %s", err)
	}
	n.nicIDs = append(n.nicIDs, id)

	addrs, err := nc.AddressesWithPrefix()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := n.stack.AddAddress(id, addr); err != nil {
			return fmt.Errorf("adding address %s: %s", addr, err)
		}
	}
	neighbors, err := nc.NeighborTable()
	if err != nil {
		return err
	}
	for addr, linkAddr := range neighbors {
		if err := n.stack.AddNeighbor(id, addr, linkAddr); err != nil {
			return fmt.Errorf("adding neighbor %s: %s", addr, err)
		}
	}
	return nil
}

// drain releases everything still queued.
func (n *network) drain() {
	for _, ch := range n.links {
		ch.Drain()
	}
	n.inbox.Drain()
}

func (n *network) close() {
	n.drain()
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			log.Warningf("closing capture: %v", err)
		}
	}
	n.closers = nil
}
