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

// Package stack provides the glue between the IPv4 output path, the route
// table and the link endpoints.
//
// The stack owns the NICs, the administrative route table, and the route
// cache. Route cache entries live in an arena and are named by RouteHandle
// values; holders of a handle own one reference to the entry and release it
// with ReleaseRoute.
package stack

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
)

const (
	// DefaultRejectInitialInterval is how long a route stays rejected after
	// its first link resolution failure.
	DefaultRejectInitialInterval = time.Second

	// DefaultRejectMaxInterval caps the reject interval of a route that keeps
	// failing resolution.
	DefaultRejectMaxInterval = 20 * time.Second
)

// RejectBackoff configures how long routes stay rejected after link
// resolution failures.
type RejectBackoff struct {
	// Initial is the first reject interval.
	Initial time.Duration

	// Max caps the interval.
	Max time.Duration

	// Multiplier grows the interval after each further failure. Values
	// below 1 mean 2.
	Multiplier float64

	// Jitter randomizes each interval by up to this fraction.
	Jitter float64
}

// Options contains optional Stack configuration.
type Options struct {
	// Clock is an optional clock used for reject expiry.
	//
	// If no Clock is specified, the clock source will be time.Now.
	Clock tcpip.Clock

	// Filters are consulted, in order, before every datagram leaves.
	Filters []Filter

	// SecurityTransform is offered every datagram before the size decision.
	SecurityTransform SecurityTransform

	// Loopback receives looped back multicast copies. Without it, copies are
	// dropped.
	Loopback LoopbackDispatcher

	// AddressSelector overrides source address selection.
	AddressSelector AddressSelector

	// RejectBackoff paces reject routes created by resolution failures.
	RejectBackoff RejectBackoff
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
type Stack struct {
	clock         tcpip.Clock
	filters       []Filter
	security      SecurityTransform
	loopback      LoopbackDispatcher
	selector      AddressSelector
	rejectBackoff RejectBackoff

	stats tcpip.Stats

	mu struct {
		sync.RWMutex
		nics map[tcpip.NICID]*NIC
	}

	table  *routeTable
	routes routeArena

	// cacheMu protects cache.
	cacheMu sync.Mutex

	// cache maps destinations to their route entries. It holds one
	// reference to each entry.
	cache map[tcpip.Address]RouteHandle

	// dropLog reports unexpected drops without flooding the log.
	dropLog log.Logger
}

// New allocates a new networking stack.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = &tcpip.StdClock{}
	}
	rb := opts.RejectBackoff
	if rb.Initial <= 0 {
		rb.Initial = DefaultRejectInitialInterval
	}
	if rb.Max < rb.Initial {
		rb.Max = DefaultRejectMaxInterval
		if rb.Max < rb.Initial {
			rb.Max = rb.Initial
		}
	}
	if rb.Multiplier < 1 {
		rb.Multiplier = 2
	}
	s := &Stack{
		clock:         clock,
		filters:       append([]Filter(nil), opts.Filters...),
		security:      opts.SecurityTransform,
		loopback:      opts.Loopback,
		selector:      opts.AddressSelector,
		rejectBackoff: rb,
		table:         newRouteTable(),
		cache:         make(map[tcpip.Address]RouteHandle),
		dropLog:       log.BasicRateLimitedLogger(time.Second),
	}
	s.mu.nics = make(map[tcpip.NICID]*NIC)
	return s
}

// Clock returns the stack's clock.
func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

// Stats returns a mutable copy of the current stats.
func (s *Stack) Stats() *tcpip.Stats {
	return &s.stats
}

// Filters returns the output filters, in order.
func (s *Stack) Filters() []Filter {
	return s.filters
}

// SecurityTransform returns the security transform, or nil.
func (s *Stack) SecurityTransform() SecurityTransform {
	return s.security
}

// DeliverLoopback hands a looped back copy to the loopback dispatcher. It
// takes over pkt.
func (s *Stack) DeliverLoopback(nic *NIC, pkt *PacketBuffer) {
	if s.loopback == nil {
		pkt.DecRef()
		return
	}
	s.loopback.DeliverLoopback(nic, pkt)
}

// SelectSource returns the source address for datagrams leaving through nic
// towards nextHop, or an empty address if nic has none.
func (s *Stack) SelectSource(nic *NIC, nextHop tcpip.Address) tcpip.Address {
	if s.selector != nil {
		if addr := s.selector.SelectAddress(nic, nextHop); addr != "" {
			return addr
		}
	}
	return nic.addressFor(nextHop)
}

// CreateNIC creates a NIC with the provided id and LinkEndpoint.
func (s *Stack) CreateNIC(id tcpip.NICID, ep LinkEndpoint) tcpip.Error {
	return s.CreateNICWithOptions(id, ep, NICOptions{})
}

// CreateNICWithOptions creates a NIC with the provided id, LinkEndpoint, and
// NICOptions.
func (s *Stack) CreateNICWithOptions(id tcpip.NICID, ep LinkEndpoint, opts NICOptions) tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make sure id is unique.
	if _, ok := s.mu.nics[id]; ok {
		return &tcpip.ErrDuplicateNICID{}
	}
	s.mu.nics[id] = newNIC(s, id, ep, opts)
	return nil
}

// RemoveNIC removes the NIC with the given id, the routes through it, and
// invalidates every cached route.
func (s *Stack) RemoveNIC(id tcpip.NICID) tcpip.Error {
	s.mu.Lock()
	if _, ok := s.mu.nics[id]; !ok {
		s.mu.Unlock()
		return &tcpip.ErrUnknownNICID{}
	}
	delete(s.mu.nics, id)
	s.mu.Unlock()

	s.table.removeNIC(id)
	s.invalidateRoutes()
	return nil
}

// NIC returns the NIC with the given id.
func (s *Stack) NIC(id tcpip.NICID) (*NIC, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nic, ok := s.mu.nics[id]
	return nic, ok
}

// NICs returns every NIC, ordered by id.
func (s *Stack) NICs() []*NIC {
	s.mu.RLock()
	nics := make([]*NIC, 0, len(s.mu.nics))
	for _, nic := range s.mu.nics {
		nics = append(nics, nic)
	}
	s.mu.RUnlock()
	sort.Slice(nics, func(i, j int) bool { return nics[i].id < nics[j].id })
	return nics
}

// AddAddress assigns addr to the NIC with the given id.
func (s *Stack) AddAddress(id tcpip.NICID, addr tcpip.AddressWithPrefix) tcpip.Error {
	if len(addr.Address) != header.IPv4AddressSize || addr.PrefixLen < 0 || addr.PrefixLen > 32 {
		return &tcpip.ErrInvalidOptionValue{}
	}
	nic, ok := s.NIC(id)
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	if err := nic.addAddress(addr); err != nil {
		return err
	}
	s.invalidateRoutes()
	return nil
}

// FindNICByAddress returns the NIC that addr is assigned to.
func (s *Stack) FindNICByAddress(addr tcpip.Address) (*NIC, bool) {
	for _, nic := range s.NICs() {
		if nic.HasAddress(addr) {
			return nic, true
		}
	}
	return nil, false
}

// FindNICForDestination returns the NIC dst is directly reachable through:
// a point-to-point NIC whose peer is dst, else a NIC with a subnet holding
// dst.
func (s *Stack) FindNICForDestination(dst tcpip.Address) (*NIC, bool) {
	nics := s.NICs()
	for _, nic := range nics {
		if nic.peer != "" && nic.peer == dst {
			return nic, true
		}
	}
	for _, nic := range nics {
		if nic.IsOnLink(dst) {
			return nic, true
		}
	}
	return nil, false
}

// AddNeighbor adds a static link address for addr on the NIC with the given
// id.
func (s *Stack) AddNeighbor(id tcpip.NICID, addr tcpip.Address, linkAddr tcpip.LinkAddress) tcpip.Error {
	nic, ok := s.NIC(id)
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	nic.neighbors.add(addr, linkAddr)
	return nil
}

// RemoveNeighbor removes the static link address of addr.
func (s *Stack) RemoveNeighbor(id tcpip.NICID, addr tcpip.Address) tcpip.Error {
	nic, ok := s.NIC(id)
	if !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	if !nic.neighbors.remove(addr) {
		return &tcpip.ErrBadLocalAddress{}
	}
	return nil
}

// AddRoute adds a row to the route table and invalidates every cached route.
func (s *Stack) AddRoute(r tcpip.Route) tcpip.Error {
	if _, ok := s.NIC(r.NIC); !ok {
		return &tcpip.ErrUnknownNICID{}
	}
	if r.Gateway != "" && (r.Reject || r.Broadcast) {
		return &tcpip.ErrInvalidOptionValue{}
	}
	s.table.add(r)
	s.invalidateRoutes()
	return nil
}

// RemoveRoute removes the row matching r's destination, gateway and NIC.
func (s *Stack) RemoveRoute(r tcpip.Route) bool {
	if !s.table.remove(r) {
		return false
	}
	s.invalidateRoutes()
	return true
}

// GetRouteTable returns the route table, most specific rows first.
func (s *Stack) GetRouteTable() []tcpip.Route {
	return s.table.all()
}

// invalidateRoutes marks every cached entry down. Holders notice on their
// next use and look the destination up again.
func (s *Stack) invalidateRoutes() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for dst, h := range s.cache {
		s.routes.update(h, func(sl *routeSlot) {
			sl.entry.Down = true
		})
		s.routes.release(h)
		delete(s.cache, dst)
	}
}

// FindRoute returns a route to dst. The caller owns one reference to the
// returned entry and must release it with ReleaseRoute.
func (s *Stack) FindRoute(dst tcpip.Address) (RouteHandle, tcpip.Error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if h, ok := s.cache[dst]; ok {
		if e, ok := s.routes.get(h); ok && !e.Down && s.routes.incRef(h) {
			return h, nil
		}
		s.routes.release(h)
		delete(s.cache, dst)
	}

	e, err := s.buildEntry(dst)
	if err != nil {
		return RouteHandle{}, err
	}
	h := s.routes.alloc(e)
	s.routes.incRef(h)
	s.cache[dst] = h
	return h, nil
}

// buildEntry resolves dst against the route table.
func (s *Stack) buildEntry(dst tcpip.Address) (RouteEntry, tcpip.Error) {
	var nic *NIC
	row, ok := s.table.lookup(dst, func(r tcpip.Route) bool {
		n, ok := s.NIC(r.NIC)
		if ok {
			nic = n
		}
		return ok
	})
	if !ok {
		return RouteEntry{}, &tcpip.ErrHostUnreachable{}
	}
	e := RouteEntry{
		Destination: dst,
		Subnet:      row.Destination,
		NIC:         nic,
		Gateway:     row.Gateway,
		Host:        row.Destination.Prefix() == header.IPv4AddressSize*8,
		LockMTU:     row.LockMTU,
		MTU:         nic.MTU(),
	}
	if row.MTU != 0 && row.MTU < e.MTU {
		e.MTU = row.MTU
	}
	switch {
	case row.Reject:
		e.Kind = RouteReject
	case row.Broadcast:
		e.Kind = RouteBroadcast
	case row.Gateway != "":
		e.Kind = RouteGateway
	case e.Host:
		e.Kind = RouteHost
	default:
		e.Kind = RouteDirect
	}
	return e, nil
}

// Route returns a snapshot of the entry named by h.
func (s *Stack) Route(h RouteHandle) (RouteEntry, bool) {
	return s.routes.get(h)
}

// ReleaseRoute drops the caller's reference to h. Releasing a stale handle
// does nothing.
func (s *Stack) ReleaseRoute(h RouteHandle) {
	s.routes.release(h)
}

// RouteRefs returns the number of references to h, 0 for a stale handle.
func (s *Stack) RouteRefs(h RouteHandle) int32 {
	return s.routes.refs(h)
}

// LiveRoutes returns the number of allocated route entries.
func (s *Stack) LiveRoutes() int {
	return s.routes.live()
}

// RefreshRoute makes rc hold a usable route to dst, looking it up again when
// the slot is empty, stale, down, or for another destination.
func (s *Stack) RefreshRoute(rc *RouteCache, dst tcpip.Address) (RouteEntry, tcpip.Error) {
	if e, ok := s.routes.get(rc.Handle); ok && !e.Down && e.Destination == dst {
		return e, nil
	}
	s.routes.release(rc.Handle)
	rc.Handle = RouteHandle{}
	h, err := s.FindRoute(dst)
	if err != nil {
		return RouteEntry{}, err
	}
	e, ok := s.routes.get(h)
	if !ok {
		return RouteEntry{}, &tcpip.ErrHostUnreachable{}
	}
	rc.Handle = h
	return e, nil
}

// ReleaseCache releases the route held by rc and empties it.
func (s *Stack) ReleaseCache(rc *RouteCache) {
	s.routes.release(rc.Handle)
	rc.Handle = RouteHandle{}
}

// UpdatePathMTU lowers the path MTU of the cached route to dst. Locked routes
// and increases are ignored. It returns whether the MTU changed.
func (s *Stack) UpdatePathMTU(dst tcpip.Address, mtu uint32) bool {
	if mtu < header.IPv4MinimumProcessableDatagramSize {
		return false
	}
	s.cacheMu.Lock()
	h, ok := s.cache[dst]
	s.cacheMu.Unlock()
	if !ok {
		return false
	}
	updated := false
	s.routes.update(h, func(sl *routeSlot) {
		if !sl.entry.LockMTU && mtu < sl.entry.MTU {
			sl.entry.MTU = mtu
			updated = true
		}
	})
	if updated {
		log.Debugf("path MTU to %s lowered to %d", dst, mtu)
	}
	return updated
}

// newRejectBackoff returns the backoff used for a route's reject intervals.
func (s *Stack) newRejectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.rejectBackoff.Initial
	b.MaxInterval = s.rejectBackoff.Max
	b.Multiplier = s.rejectBackoff.Multiplier
	b.RandomizationFactor = s.rejectBackoff.Jitter
	// Resolution failures never stop being retried.
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return b
}
