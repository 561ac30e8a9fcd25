// Copyright 2019 The gVisor Authors.
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

package stack_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/faketime"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/link/channel"
	"netout.dev/netout/pkg/tcpip/stack"
)

const (
	remoteLinkAddr  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x0a")
	gatewayLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\xfe")
)

// releaseCounter counts released packets.
type releaseCounter struct {
	n atomic.Int32
}

func (c *releaseCounter) newPacket() *stack.PacketBuffer {
	return stack.NewPacketBuffer(stack.PacketBufferOptions{
		Data:      buffer.NewView(header.IPv4MinimumSize).ToVectorisedView(),
		OnRelease: func() { c.n.Add(1) },
	})
}

func transmit(t *testing.T, s *stack.Stack, nicID tcpip.NICID, dst tcpip.Address, rc *releaseCounter) tcpip.Error {
	t.Helper()
	h, err := s.FindRoute(dst)
	if err != nil {
		t.Fatalf("FindRoute(%s): %s", dst, err)
	}
	defer s.ReleaseRoute(h)
	nic, ok := s.NIC(nicID)
	if !ok {
		t.Fatalf("NIC(%d) not found", nicID)
	}
	return s.Transmit(nic, rc.newPacket(), dst, h)
}

func readRoute(t *testing.T, ep *channel.Endpoint) stack.RouteInfo {
	t.Helper()
	p, ok := ep.Read()
	if !ok {
		t.Fatal("no packet written to the link")
	}
	defer p.Pkt.DecRef()
	if p.Pkt.EgressRoute != p.Route {
		t.Errorf("packet EgressRoute = %+v, want %+v", p.Pkt.EgressRoute, p.Route)
	}
	return p.Route
}

func TestTransmitNextHop(t *testing.T) {
	s, ep1, _ := newTestStack(t, stack.Options{}, stack.CapabilityResolutionRequired)
	if err := s.AddNeighbor(nicID1, remoteAddr, remoteLinkAddr); err != nil {
		t.Fatalf("AddNeighbor: %s", err)
	}
	if err := s.AddNeighbor(nicID1, gatewayAddr, gatewayLinkAddr); err != nil {
		t.Fatalf("AddNeighbor: %s", err)
	}

	for _, tc := range []struct {
		name string
		dst  tcpip.Address
		want stack.RouteInfo
	}{
		{
			name: "direct",
			dst:  remoteAddr,
			want: stack.RouteInfo{NIC: nicID1, NextHop: remoteAddr, LocalLinkAddress: ep1.LinkAddress(), RemoteLinkAddress: remoteLinkAddr, NetProto: header.IPv4ProtocolNumber},
		},
		{
			name: "gateway",
			dst:  farAddr,
			want: stack.RouteInfo{NIC: nicID1, NextHop: gatewayAddr, LocalLinkAddress: ep1.LinkAddress(), RemoteLinkAddress: gatewayLinkAddr, NetProto: header.IPv4ProtocolNumber},
		},
		{
			name: "subnet broadcast",
			dst:  tcpip.ParseAddress("10.0.0.255"),
			want: stack.RouteInfo{NIC: nicID1, NextHop: tcpip.ParseAddress("10.0.0.255"), LocalLinkAddress: ep1.LinkAddress(), RemoteLinkAddress: header.EthernetBroadcastAddress, NetProto: header.IPv4ProtocolNumber},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var rc releaseCounter
			if err := transmit(t, s, nicID1, tc.dst, &rc); err != nil {
				t.Fatalf("Transmit: %s", err)
			}
			if diff := cmp.Diff(tc.want, readRoute(t, ep1)); diff != "" {
				t.Errorf("route info mismatch (-want +got):\n%s", diff)
			}
			if got := rc.n.Load(); got != 1 {
				t.Errorf("got %d released packets, want 1", got)
			}
		})
	}
}

func TestTransmitWithoutRoute(t *testing.T) {
	s, ep1, _ := newTestStack(t, stack.Options{}, stack.CapabilityNone)
	nic, _ := s.NIC(nicID1)
	var rc releaseCounter
	group := tcpip.ParseAddress("224.1.2.3")
	if err := s.Transmit(nic, rc.newPacket(), group, stack.RouteHandle{}); err != nil {
		t.Fatalf("Transmit: %s", err)
	}
	if got := readRoute(t, ep1); got.NextHop != group {
		t.Errorf("got NextHop %s, want %s", got.NextHop, group)
	}
}

func TestTransmitStaleHandle(t *testing.T) {
	s, ep1, _ := newTestStack(t, stack.Options{}, stack.CapabilityNone)
	h, err := s.FindRoute(remoteAddr)
	if err != nil {
		t.Fatalf("FindRoute: %s", err)
	}
	s.ReleaseRoute(h)
	// Drop the cache reference too, freeing the entry.
	if err := s.AddRoute(tcpip.Route{Destination: subnet(t, "10.9.0.0", 16), NIC: nicID1}); err != nil {
		t.Fatalf("AddRoute: %s", err)
	}
	if _, ok := s.Route(h); ok {
		t.Fatal("entry still live")
	}

	nic, _ := s.NIC(nicID1)
	var rc releaseCounter
	if err := s.Transmit(nic, rc.newPacket(), remoteAddr, h); err != nil {
		t.Fatalf("Transmit with a stale handle: %s", err)
	}
	if got := readRoute(t, ep1); got.NextHop != remoteAddr {
		t.Errorf("got NextHop %s, want %s", got.NextHop, remoteAddr)
	}
}

func TestTransmitGatewayChecks(t *testing.T) {
	for _, tc := range []struct {
		name   string
		routes []tcpip.Route
		nic    tcpip.NICID
	}{
		{
			name: "gateway reached through another gateway",
			routes: []tcpip.Route{
				{Destination: subnet(t, "10.0.0.254", 32), Gateway: tcpip.ParseAddress("10.0.0.2"), NIC: nicID1},
			},
			nic: nicID1,
		},
		{
			name: "gateway on another NIC",
			routes: []tcpip.Route{
				{Destination: subnet(t, "10.0.0.254", 32), NIC: nicID2},
			},
			nic: nicID1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, ep1, ep2 := newTestStack(t, stack.Options{}, stack.CapabilityNone)
			for _, r := range tc.routes {
				if err := s.AddRoute(r); err != nil {
					t.Fatalf("AddRoute(%s): %s", r, err)
				}
			}
			var rc releaseCounter
			err := transmit(t, s, tc.nic, farAddr, &rc)
			if _, ok := err.(*tcpip.ErrHostUnreachable); !ok {
				t.Errorf("Transmit = %v, want %s", err, &tcpip.ErrHostUnreachable{})
			}
			if got := rc.n.Load(); got != 1 {
				t.Errorf("got %d released packets, want 1", got)
			}
			if n := ep1.NumQueued() + ep2.NumQueued(); n != 0 {
				t.Errorf("%d packets reached a link", n)
			}
		})
	}
}

func TestTransmitReject(t *testing.T) {
	for _, tc := range []struct {
		name  string
		route tcpip.Route
		dst   tcpip.Address
		want  tcpip.Error
	}{
		{
			name:  "host route",
			route: tcpip.Route{Destination: subnet(t, "10.0.0.2", 32), NIC: nicID1, Reject: true},
			dst:   remoteAddr,
			want:  &tcpip.ErrHostDown{},
		},
		{
			name:  "network route",
			route: tcpip.Route{Destination: subnet(t, "10.0.0.0", 25), NIC: nicID1, Reject: true},
			dst:   remoteAddr,
			want:  &tcpip.ErrHostUnreachable{},
		},
		{
			name:  "gateway host route",
			route: tcpip.Route{Destination: subnet(t, "10.0.0.254", 32), NIC: nicID1, Reject: true},
			dst:   farAddr,
			want:  &tcpip.ErrHostUnreachable{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, ep1, _ := newTestStack(t, stack.Options{}, stack.CapabilityNone)
			if err := s.AddRoute(tc.route); err != nil {
				t.Fatalf("AddRoute(%s): %s", tc.route, err)
			}
			var rc releaseCounter
			err := transmit(t, s, nicID1, tc.dst, &rc)
			if err == nil || err.String() != tc.want.String() {
				t.Errorf("Transmit = %v, want %s", err, tc.want)
			}
			if got := rc.n.Load(); got != 1 {
				t.Errorf("got %d released packets, want 1", got)
			}
			if ep1.NumQueued() != 0 {
				t.Error("rejected packet reached the link")
			}
			if got := s.Stats().IP.RejectedRoute.Value(); got != 1 {
				t.Errorf("got RejectedRoute = %d, want 1", got)
			}
		})
	}
}

func TestTransmitResolutionFailureBacksOff(t *testing.T) {
	clock := faketime.NewManualClock()
	s, ep1, _ := newTestStack(t, stack.Options{Clock: clock}, stack.CapabilityResolutionRequired)
	var rc releaseCounter

	h, err := s.FindRoute(remoteAddr)
	if err != nil {
		t.Fatalf("FindRoute: %s", err)
	}
	defer s.ReleaseRoute(h)
	nic, _ := s.NIC(nicID1)
	send := func() tcpip.Error {
		return s.Transmit(nic, rc.newPacket(), remoteAddr, h)
	}
	wantHostDown := func(step string, err tcpip.Error) {
		t.Helper()
		if _, ok := err.(*tcpip.ErrHostDown); !ok {
			t.Errorf("%s: Transmit = %v, want %s", step, err, &tcpip.ErrHostDown{})
		}
	}

	// The miss turns the route into a reject route for a second.
	wantHostDown("first miss", send())
	e, _ := s.Route(h)
	if e.Kind != stack.RouteReject || !e.Host {
		t.Fatalf("after a miss got Kind = %s, Host = %t, want %s, true", e.Kind, e.Host, stack.RouteReject)
	}
	if got, want := e.RejectUntil, clock.Now().Add(time.Second); !got.Equal(want) {
		t.Errorf("got RejectUntil = %s, want %s", got, want)
	}

	// Still rejected, even though the neighbor is known now.
	if err := s.AddNeighbor(nicID1, remoteAddr, remoteLinkAddr); err != nil {
		t.Fatalf("AddNeighbor: %s", err)
	}
	clock.Advance(500 * time.Millisecond)
	wantHostDown("while rejected", send())

	// Once the interval passes the route is restored.
	clock.Advance(500 * time.Millisecond)
	if err := send(); err != nil {
		t.Fatalf("after expiry: Transmit = %s", err)
	}
	if e, _ := s.Route(h); e.Kind != stack.RouteDirect {
		t.Errorf("after expiry got Kind = %s, want %s", e.Kind, stack.RouteDirect)
	}
	if got := readRoute(t, ep1); got.RemoteLinkAddress != remoteLinkAddr {
		t.Errorf("got RemoteLinkAddress %q, want %q", got.RemoteLinkAddress, remoteLinkAddr)
	}

	// Consecutive misses double the interval.
	if err := s.RemoveNeighbor(nicID1, remoteAddr); err != nil {
		t.Fatalf("RemoveNeighbor: %s", err)
	}
	wantHostDown("second miss", send())
	clock.Advance(time.Second)
	wantHostDown("third miss", send())
	e, _ = s.Route(h)
	if got, want := e.RejectUntil, clock.Now().Add(2*time.Second); !got.Equal(want) {
		t.Errorf("after consecutive misses got RejectUntil = %s, want %s", got, want)
	}

	if got, want := rc.n.Load(), int32(5); got != want {
		t.Errorf("got %d released packets, want %d", got, want)
	}
}

func TestTransmitGatewayResolutionFailure(t *testing.T) {
	s, _, _ := newTestStack(t, stack.Options{Clock: faketime.NewManualClock()}, stack.CapabilityResolutionRequired)
	var rc releaseCounter
	err := transmit(t, s, nicID1, farAddr, &rc)
	if _, ok := err.(*tcpip.ErrHostUnreachable); !ok {
		t.Errorf("Transmit via an unresolved gateway = %v, want %s", err, &tcpip.ErrHostUnreachable{})
	}
	// The gateway's own route is the one rejected.
	h, err := s.FindRoute(gatewayAddr)
	if err != nil {
		t.Fatalf("FindRoute: %s", err)
	}
	defer s.ReleaseRoute(h)
	if e, _ := s.Route(h); e.Kind != stack.RouteReject {
		t.Errorf("gateway route Kind = %s, want %s", e.Kind, stack.RouteReject)
	}
}

// serialChecker fails if WritePacket is entered concurrently.
type serialChecker struct {
	*channel.Endpoint
	inside   atomic.Int32
	overlaps atomic.Int32
}

func (c *serialChecker) WritePacket(r stack.RouteInfo, pkt *stack.PacketBuffer) tcpip.Error {
	if c.inside.Add(1) != 1 {
		c.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	defer c.inside.Add(-1)
	return c.Endpoint.WritePacket(r, pkt)
}

func TestTransmitSerializesLink(t *testing.T) {
	s := stack.New(stack.Options{})
	ep := &serialChecker{Endpoint: channel.New(64, defaultMTU, "")}
	ep.LinkEPCapabilities = stack.CapabilityRequiresSerialization
	if err := s.CreateNIC(nicID1, ep); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	nic, _ := s.NIC(nicID1)

	var rc releaseCounter
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			if err := s.Transmit(nic, rc.newPacket(), remoteAddr, stack.RouteHandle{}); err != nil {
				return fmt.Errorf("Transmit: %s", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := ep.overlaps.Load(); n != 0 {
		t.Errorf("WritePacket entered concurrently %d times", n)
	}
	if n := ep.Drain(); n != 16 {
		t.Errorf("got %d packets, want 16", n)
	}
}
