// Copyright 2018 Google LLC
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

package loopback_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/link/loopback"
	"netout.dev/netout/pkg/tcpip/network/ipv4"
	"netout.dev/netout/pkg/tcpip/stack"
)

const nicID = 1

var (
	loopbackAddr = tcpip.ParseAddress("127.0.0.1")
	groupAddr    = tcpip.ParseAddress("224.0.0.1")
)

func newPacket(src, dst tcpip.Address, payload []byte, onRelease func()) *stack.PacketBuffer {
	hdr := buffer.NewView(header.IPv4MinimumSize)
	header.IPv4(hdr).Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + len(payload)),
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	var vv buffer.VectorisedView
	vv.AppendView(hdr)
	vv.AppendView(append(buffer.View(nil), payload...))
	return stack.NewPacketBuffer(stack.PacketBufferOptions{Data: vv, OnRelease: onRelease})
}

func newStack(t *testing.T, in *loopback.Inbox) *stack.Stack {
	t.Helper()
	s := stack.New(stack.Options{Loopback: in})
	if err := s.CreateNIC(nicID, loopback.New(in)); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	if err := s.AddAddress(nicID, tcpip.AddressWithPrefix{Address: loopbackAddr, PrefixLen: 8}); err != nil {
		t.Fatalf("AddAddress: %s", err)
	}
	for _, r := range []struct {
		addr   tcpip.Address
		prefix int
	}{
		{tcpip.ParseAddress("127.0.0.0"), 8},
		{tcpip.ParseAddress("224.0.0.0"), 4},
	} {
		subnet, err := tcpip.NewSubnet(r.addr, tcpip.MaskFromPrefix(r.prefix))
		if err != nil {
			t.Fatalf("NewSubnet: %s", err)
		}
		if err := s.AddRoute(tcpip.Route{Destination: subnet, NIC: nicID}); err != nil {
			t.Fatalf("AddRoute: %s", err)
		}
	}
	t.Cleanup(func() { in.Drain() })
	return s
}

func TestUnicastTurnsAround(t *testing.T) {
	in := loopback.NewInbox(4)
	s := newStack(t, in)
	payload := []byte("hello, loopback")
	if err := ipv4.NewProtocol(s).Output(newPacket("", loopbackAddr, payload, nil), nil, nil, 0, nil, nil); err != nil {
		t.Fatalf("Output: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, ok := in.ReadContext(ctx)
	if !ok {
		t.Fatalf("no packet delivered")
	}
	defer pkt.DecRef()
	hdr := header.IPv4(pkt.ToView())
	if got := hdr.SourceAddress(); got != loopbackAddr {
		t.Errorf("got source %s, want %s", got, loopbackAddr)
	}
	if diff := cmp.Diff(payload, hdr.Payload()); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	// Loopback offloads the header checksum, which nothing computes.
	if pkt.CsumFlags&stack.ChecksumIPv4 == 0 {
		t.Errorf("got pending checksums %s, want the header checksum pending", pkt.CsumFlags)
	}
}

func TestMulticastDeliveredOnce(t *testing.T) {
	in := loopback.NewInbox(4)
	s := newStack(t, in)
	p := ipv4.NewProtocol(s)
	ep := p.NewEndpoint()
	defer ep.Close()
	if err := ep.AddMembership(groupAddr, nicID, ""); err != nil {
		t.Fatalf("AddMembership: %s", err)
	}
	if err := ep.Write(newPacket("", groupAddr, []byte("group"), nil), 0); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if n := in.Len(); n != 1 {
		t.Errorf("got %d deliveries, want exactly 1", n)
	}
	if got := s.Stats().IP.LoopedBack.Value(); got != 1 {
		t.Errorf("got LoopedBack = %d, want 1", got)
	}
	if got := s.Stats().IP.PacketsSent.Value(); got != 0 {
		t.Errorf("got PacketsSent = %d, want 0 on a loopback link", got)
	}
	in.Drain()

	// Without the loop, nothing reaches the host.
	if err := ep.SetMulticastLoop(false); err != nil {
		t.Fatalf("SetMulticastLoop(false): %s", err)
	}
	if err := ep.Write(newPacket("", groupAddr, []byte("group"), nil), 0); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if n := in.Len(); n != 0 {
		t.Errorf("got %d deliveries with loop disabled, want 0", n)
	}
}

func TestInboxFull(t *testing.T) {
	in := loopback.NewInbox(1)
	ep := loopback.New(in)
	released := 0
	for i := 0; i < 3; i++ {
		pkt := newPacket(loopbackAddr, loopbackAddr, []byte{byte(i)}, func() { released++ })
		if err := ep.WritePacket(stack.RouteInfo{NIC: nicID}, pkt); err != nil {
			t.Fatalf("WritePacket: %s", err)
		}
	}
	if got := in.Dropped(); got != 2 {
		t.Errorf("got %d drops, want 2", got)
	}
	if released != 2 {
		t.Errorf("got %d releases, want 2", released)
	}
	if n := in.Drain(); n != 1 {
		t.Errorf("drained %d packets, want 1", n)
	}
	if released != 3 {
		t.Errorf("got %d releases after draining, want 3", released)
	}
}

func TestDetached(t *testing.T) {
	ep := loopback.New(nil)
	if ep.IsAttached() {
		t.Fatalf("endpoint without dispatcher reports attached")
	}
	released := false
	err := ep.WritePacket(stack.RouteInfo{}, newPacket(loopbackAddr, loopbackAddr, nil, func() { released = true }))
	if diff := cmp.Diff(&tcpip.ErrNetworkUnreachable{}, err); diff != "" {
		t.Errorf("WritePacket error mismatch (-want +got):\n%s", diff)
	}
	if !released {
		t.Errorf("packet not released")
	}

	in := loopback.NewInbox(1)
	ep.Attach(in)
	if !ep.IsAttached() {
		t.Errorf("endpoint not attached after Attach")
	}
}
