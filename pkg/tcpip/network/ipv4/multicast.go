// Copyright 2020 The gVisor Authors.
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

package ipv4

import (
	"sync"
	"sync/atomic"

	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// MaxMemberships is the number of groups one endpoint can join.
const MaxMemberships = 20

// Membership is one multicast group joined on one NIC.
type Membership struct {
	Group tcpip.Address
	NIC   tcpip.NICID
}

// MulticastOptions are the multicast parameters of an endpoint.
type MulticastOptions struct {
	// NIC overrides the route of multicast and limited broadcast datagrams
	// when non-zero.
	NIC tcpip.NICID

	// TTL is the TTL of multicast datagrams.
	TTL uint8

	// Loop delivers a copy of multicast datagrams to the local host when it
	// is a member of the group.
	Loop bool

	// Memberships are the groups joined by the endpoint.
	Memberships []Membership
}

// defaultMulticastOptions are the options of an endpoint that never set any.
var defaultMulticastOptions = MulticastOptions{
	TTL:  DefaultMulticastTTL,
	Loop: true,
}

func (m *MulticastOptions) isDefault() bool {
	return m.NIC == 0 && m.TTL == DefaultMulticastTTL && m.Loop && len(m.Memberships) == 0
}

func (m *MulticastOptions) clone() *MulticastOptions {
	c := *m
	c.Memberships = append([]Membership(nil), m.Memberships...)
	return &c
}

// Endpoint holds the ipv4 state of one transport endpoint: its IP options,
// its multicast parameters, a route cache slot, and the MTU reported by the
// last send that was too big.
type Endpoint struct {
	proto *Protocol

	// mu protects opts and mopts. Sends hold it for reading.
	mu sync.RWMutex

	opts *Options

	// mopts is nil while every multicast parameter has its default value.
	mopts *MulticastOptions

	routeMu sync.Mutex
	route   stack.RouteCache

	errorMTU atomic.Uint32
}

// Write sends pkt with the endpoint's options. It takes over pkt.
func (e *Endpoint) Write(pkt *stack.PacketBuffer, flags OutputFlags) tcpip.Error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.routeMu.Lock()
	defer e.routeMu.Unlock()
	return e.proto.Output(pkt, e.opts, &e.route, flags, e.mopts, e)
}

// SetOptions replaces the IP options of the endpoint. An empty option area
// clears them.
func (e *Endpoint) SetOptions(raw []byte) tcpip.Error {
	o, err := NewOptions(raw)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = o
	return nil
}

// Options returns the IP options of the endpoint.
func (e *Endpoint) Options() *Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// ErrorMTU returns the MTU reported by the last send that failed because it
// needed fragmenting with DF set.
func (e *Endpoint) ErrorMTU() uint32 {
	return e.errorMTU.Load()
}

// MulticastOptions returns a copy of the multicast parameters, or nil while
// they all have their default values.
func (e *Endpoint) MulticastOptions() *MulticastOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.mopts == nil {
		return nil
	}
	return e.mopts.clone()
}

// updateMulticastLocked runs fn on the multicast parameters, allocating them
// first and eliding them again once they are back to their defaults.
// e.mu must be held for writing.
func (e *Endpoint) updateMulticastLocked(fn func(m *MulticastOptions) tcpip.Error) tcpip.Error {
	m := e.mopts
	if m == nil {
		m = defaultMulticastOptions.clone()
	}
	if err := fn(m); err != nil {
		return err
	}
	if m.isDefault() {
		e.mopts = nil
	} else {
		e.mopts = m
	}
	return nil
}

// SetMulticastInterface makes multicast and limited broadcast datagrams
// leave through the NIC with the given id. Zero restores routing.
func (e *Endpoint) SetMulticastInterface(id tcpip.NICID) tcpip.Error {
	if id != 0 {
		if _, ok := e.proto.stack.NIC(id); !ok {
			return &tcpip.ErrBadLocalAddress{}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateMulticastLocked(func(m *MulticastOptions) tcpip.Error {
		m.NIC = id
		return nil
	})
}

// SetMulticastTTL sets the TTL of multicast datagrams.
func (e *Endpoint) SetMulticastTTL(ttl uint8) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateMulticastLocked(func(m *MulticastOptions) tcpip.Error {
		m.TTL = ttl
		return nil
	})
}

// SetMulticastLoop enables or disables local delivery of multicast
// datagrams sent to joined groups.
func (e *Endpoint) SetMulticastLoop(loop bool) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateMulticastLocked(func(m *MulticastOptions) tcpip.Error {
		m.Loop = loop
		return nil
	})
}

// membershipNIC finds the NIC a join applies to: the NIC with the given id,
// else the NIC owning ifAddr, else the NIC a route to group leaves through.
func (e *Endpoint) membershipNIC(group tcpip.Address, id tcpip.NICID, ifAddr tcpip.Address) (*stack.NIC, bool) {
	s := e.proto.stack
	switch {
	case id != 0:
		return s.NIC(id)
	case ifAddr != "" && !ifAddr.Unspecified():
		return s.FindNICByAddress(ifAddr)
	}
	h, err := s.FindRoute(group)
	if err != nil {
		return nil, false
	}
	defer s.ReleaseRoute(h)
	r, ok := s.Route(h)
	if !ok {
		return nil, false
	}
	return r.NIC, true
}

// AddMembership joins group on a NIC chosen by id, by ifAddr, or by routing
// to the group when both are unset.
func (e *Endpoint) AddMembership(group tcpip.Address, id tcpip.NICID, ifAddr tcpip.Address) tcpip.Error {
	if !header.IsV4MulticastAddress(group) {
		return &tcpip.ErrInvalidOptionValue{}
	}
	nic, ok := e.membershipNIC(group, id, ifAddr)
	if !ok || !nic.HasCapability(stack.CapabilityMulticast) {
		return &tcpip.ErrBadLocalAddress{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateMulticastLocked(func(m *MulticastOptions) tcpip.Error {
		want := Membership{Group: group, NIC: nic.ID()}
		for _, ms := range m.Memberships {
			if ms == want {
				return &tcpip.ErrAddressInUse{}
			}
		}
		if len(m.Memberships) >= MaxMemberships {
			return &tcpip.ErrTooManyMemberships{}
		}
		m.Memberships = append(m.Memberships, want)
		nic.JoinGroup(group)
		log.Debugf("joined %s on %s", group, nic)
		return nil
	})
}

// DropMembership leaves group on the NIC with the given id. A zero id
// matches the first membership of group on any NIC.
func (e *Endpoint) DropMembership(group tcpip.Address, id tcpip.NICID) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateMulticastLocked(func(m *MulticastOptions) tcpip.Error {
		for i, ms := range m.Memberships {
			if ms.Group != group || (id != 0 && ms.NIC != id) {
				continue
			}
			m.Memberships = append(m.Memberships[:i], m.Memberships[i+1:]...)
			e.leave(ms)
			return nil
		}
		return &tcpip.ErrBadLocalAddress{}
	})
}

// leave undoes the NIC join of ms. The NIC may have been removed since.
func (e *Endpoint) leave(ms Membership) {
	if nic, ok := e.proto.stack.NIC(ms.NIC); ok {
		nic.LeaveGroup(ms.Group)
	}
}

// Close leaves every group and releases the cached route.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.mopts != nil {
		for _, ms := range e.mopts.Memberships {
			e.leave(ms)
		}
		e.mopts = nil
	}
	e.opts = nil
	e.mu.Unlock()

	e.routeMu.Lock()
	e.proto.stack.ReleaseCache(&e.route)
	e.routeMu.Unlock()
}
