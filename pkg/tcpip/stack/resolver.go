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

package stack

import (
	"time"

	"netout.dev/netout/pkg/tcpip"
)

// Transmit hands a finished datagram to nic. It takes over pkt.
//
// h is the route the datagram follows; the zero handle sends straight to dst
// on nic without consulting any route. A stale or down handle is looked up
// again. Gateway routes are followed to the gateway's own route, and rejected
// routes fail the send:
//
//   - ErrHostDown if the rejected entry is the host route to dst itself.
//   - ErrHostUnreachable otherwise.
//
// Links that require address resolution get the next hop's link address
// from the static neighbor table. A miss turns the route into a temporary
// reject route.
func (s *Stack) Transmit(nic *NIC, pkt *PacketBuffer, dst tcpip.Address, h RouteHandle) tcpip.Error {
	if h.IsZero() {
		return s.transmitDirect(nic, pkt, dst)
	}

	e, ok := s.routes.get(h)
	if !ok || e.Down {
		nh, err := s.FindRoute(dst)
		if err != nil {
			s.stats.IP.NoRoute.Increment()
			pkt.DecRef()
			return err
		}
		defer s.ReleaseRoute(nh)
		h = nh
		if e, ok = s.routes.get(h); !ok {
			pkt.DecRef()
			return &tcpip.ErrHostUnreachable{}
		}
	}

	target, th := e, h
	if e.Kind == RouteGateway {
		gw, gh, err := s.resolveGateway(h, e.Gateway)
		if err != nil {
			pkt.DecRef()
			return err
		}
		// The gateway must be directly reachable through the same interface.
		if gw.Kind == RouteGateway || gw.NIC != nic {
			s.routes.update(h, func(sl *routeSlot) {
				sl.gateway = RouteHandle{}
			})
			s.dropLog.Debugf("gateway %s of %s not directly reachable on %s", e.Gateway, dst, nic)
			pkt.DecRef()
			return &tcpip.ErrHostUnreachable{}
		}
		target, th = gw, gh
	}

	restored, err := s.checkReject(th, &target, th == h)
	if err != nil {
		s.stats.IP.RejectedRoute.Increment()
		pkt.DecRef()
		return err
	}

	r := RouteInfo{
		NIC:              nic.id,
		NextHop:          e.NextHop(),
		LocalLinkAddress: nic.linkEP.LinkAddress(),
		NetProto:         pkt.NetworkProtocolNumber,
	}
	if nic.HasCapability(CapabilityResolutionRequired) {
		linkAddr, ok := nic.resolveStatic(r.NextHop, target.Kind == RouteBroadcast)
		if !ok {
			linkAddr, ok = nic.neighbors.lookup(r.NextHop)
		}
		if !ok {
			s.markReject(th)
			s.dropLog.Debugf("no link address for %s on %s", r.NextHop, nic)
			pkt.DecRef()
			if th == h {
				return &tcpip.ErrHostDown{}
			}
			return &tcpip.ErrHostUnreachable{}
		}
		r.RemoteLinkAddress = linkAddr
	}
	if restored {
		s.routes.update(th, func(sl *routeSlot) {
			if sl.backoff != nil {
				sl.backoff.Reset()
			}
		})
	}
	return nic.writePacket(r, pkt)
}

// transmitDirect sends pkt to dst on nic without a route.
func (s *Stack) transmitDirect(nic *NIC, pkt *PacketBuffer, dst tcpip.Address) tcpip.Error {
	r := RouteInfo{
		NIC:              nic.id,
		NextHop:          dst,
		LocalLinkAddress: nic.linkEP.LinkAddress(),
		NetProto:         pkt.NetworkProtocolNumber,
	}
	if nic.HasCapability(CapabilityResolutionRequired) {
		linkAddr, ok := nic.resolveStatic(dst, false)
		if !ok {
			linkAddr, ok = nic.neighbors.lookup(dst)
		}
		if !ok {
			pkt.DecRef()
			return &tcpip.ErrHostDown{}
		}
		r.RemoteLinkAddress = linkAddr
	}
	return nic.writePacket(r, pkt)
}

// resolveGateway returns the route to gw for the gateway entry h, reusing
// the entry's gateway route while it stays valid. The returned handle is
// weak: the caller owns no reference to it.
func (s *Stack) resolveGateway(h RouteHandle, gw tcpip.Address) (RouteEntry, RouteHandle, tcpip.Error) {
	var gh RouteHandle
	s.routes.update(h, func(sl *routeSlot) {
		gh = sl.gateway
	})
	if e, ok := s.routes.get(gh); ok && !e.Down {
		return e, gh, nil
	}

	gh, err := s.FindRoute(gw)
	if err != nil {
		return RouteEntry{}, RouteHandle{}, &tcpip.ErrHostUnreachable{}
	}
	e, ok := s.routes.get(gh)
	s.routes.update(h, func(sl *routeSlot) {
		sl.gateway = gh
	})
	// The route cache keeps the gateway entry alive.
	s.routes.release(gh)
	if !ok {
		return RouteEntry{}, RouteHandle{}, &tcpip.ErrHostUnreachable{}
	}
	return e, gh, nil
}

// checkReject fails sends over a rejected entry e named by h. An expired
// temporary reject is restored to the kind it had before, and restored
// reports it. original is true when h is the route to the destination
// rather than to its gateway.
func (s *Stack) checkReject(h RouteHandle, e *RouteEntry, original bool) (restored bool, err tcpip.Error) {
	if e.Kind != RouteReject {
		return false, nil
	}
	if e.rejected(s.clock.Now()) {
		if original && e.Host {
			return false, &tcpip.ErrHostDown{}
		}
		return false, &tcpip.ErrHostUnreachable{}
	}
	s.routes.update(h, func(sl *routeSlot) {
		if sl.entry.Kind == RouteReject && !sl.entry.RejectUntil.IsZero() {
			sl.entry.Kind = sl.rejectedKind
			sl.entry.RejectUntil = time.Time{}
		}
		*e = sl.entry
	})
	return true, nil
}

// markReject turns h into a reject route until its backoff interval passes.
func (s *Stack) markReject(h RouteHandle) {
	now := s.clock.Now()
	s.routes.update(h, func(sl *routeSlot) {
		if sl.entry.Kind == RouteReject && sl.entry.RejectUntil.IsZero() {
			// Administrative rejects never expire.
			return
		}
		if sl.entry.Kind != RouteReject {
			sl.rejectedKind = sl.entry.Kind
		}
		if sl.backoff == nil {
			sl.backoff = s.newRejectBackoff()
		}
		sl.entry.Kind = RouteReject
		sl.entry.Host = true
		sl.entry.RejectUntil = now.Add(sl.backoff.NextBackOff())
	})
}
