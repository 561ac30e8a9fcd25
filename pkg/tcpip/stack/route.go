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

package stack

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"netout.dev/netout/pkg/tcpip"
)

// RouteKind is the outcome of a route lookup, fixed when the entry is built.
type RouteKind int

const (
	// RouteDirect is an on-link network route: the destination is the next
	// hop.
	RouteDirect RouteKind = iota

	// RouteHost is an on-link route to exactly one host.
	RouteHost

	// RouteGateway sends through the entry's gateway.
	RouteGateway

	// RouteBroadcast is a host route to a broadcast address.
	RouteBroadcast

	// RouteReject fails every send until it expires.
	RouteReject
)

func (k RouteKind) String() string {
	switch k {
	case RouteDirect:
		return "direct"
	case RouteHost:
		return "host"
	case RouteGateway:
		return "gateway"
	case RouteBroadcast:
		return "broadcast"
	case RouteReject:
		return "reject"
	default:
		return fmt.Sprintf("RouteKind(%d)", int(k))
	}
}

// RouteHandle names a route cache entry. Handles are values: a handle whose
// entry was freed is stale, and every operation on it fails or does nothing.
// The zero handle is never valid.
type RouteHandle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h RouteHandle) IsZero() bool {
	return h.gen == 0
}

func (h RouteHandle) String() string {
	if h.IsZero() {
		return "route(none)"
	}
	return fmt.Sprintf("route(%d.%d)", h.index, h.gen)
}

// RouteEntry is a snapshot of a route cache entry.
type RouteEntry struct {
	// Destination is the address the entry was resolved for.
	Destination tcpip.Address

	// Subnet is the table row that matched.
	Subnet tcpip.Subnet

	// NIC is the interface the route leaves through.
	NIC *NIC

	// Kind is the route kind.
	Kind RouteKind

	// Gateway is the next hop of a RouteGateway entry.
	Gateway tcpip.Address

	// Host is true for entries that describe a single host. A rejected host
	// entry reports the host as down rather than unreachable.
	Host bool

	// LockMTU prevents path MTU discovery from lowering MTU.
	LockMTU bool

	// MTU is the path MTU, never above the NIC MTU.
	MTU uint32

	// Down is set once the entry no longer reflects the route table.
	Down bool

	// RejectUntil is when a RouteReject entry expires. The zero time means
	// it never does.
	RejectUntil time.Time
}

// NextHop returns the address packets following e are sent to.
func (e *RouteEntry) NextHop() tcpip.Address {
	if e.Kind == RouteGateway {
		return e.Gateway
	}
	return e.Destination
}

// rejected reports whether e fails sends at now.
func (e *RouteEntry) rejected(now time.Time) bool {
	return e.Kind == RouteReject && (e.RejectUntil.IsZero() || now.Before(e.RejectUntil))
}

// RouteCache is a caller-owned slot that keeps a route across sends to the
// same destination. The zero value is an empty slot.
type RouteCache struct {
	// Handle is the cached route. The slot holds a reference to it.
	Handle RouteHandle
}

// routeSlot is one arena cell.
type routeSlot struct {
	gen   uint32
	refs  int32
	entry RouteEntry

	// gateway is the route of the gateway of a RouteGateway entry. It is a
	// weak reference: the slot holds no reference to it and a stale handle
	// is re-resolved on use.
	gateway RouteHandle

	// rejectedKind is the kind an entry had before a link resolution failure
	// turned it into a RouteReject.
	rejectedKind RouteKind

	// backoff paces the expiry of reject entries created by resolution
	// failures.
	backoff *backoff.ExponentialBackOff
}

// routeArena stores route cache entries and hands out handles to them.
type routeArena struct {
	mu    sync.Mutex
	slots []routeSlot
	free  []uint32
}

// alloc stores e and returns a handle holding one reference.
func (a *routeArena) alloc(e RouteEntry) RouteHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, routeSlot{gen: 1})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	gen := s.gen
	*s = routeSlot{gen: gen, refs: 1, entry: e}
	return RouteHandle{index: idx, gen: gen}
}

// slotLocked returns the live slot named by h. a.mu must be held.
func (a *routeArena) slotLocked(h RouteHandle) *routeSlot {
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.refs <= 0 {
		return nil
	}
	return s
}

// incRef adds a reference to the entry. It returns false for a stale handle.
func (a *routeArena) incRef(h RouteHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotLocked(h)
	if s == nil {
		return false
	}
	s.refs++
	return true
}

// release drops a reference. The entry is freed when the last one goes, and
// every handle to it becomes stale. Releasing a stale handle does nothing.
func (a *routeArena) release(h RouteHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotLocked(h)
	if s == nil {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	gen := s.gen + 1
	if gen == 0 {
		gen = 1
	}
	*s = routeSlot{gen: gen}
	a.free = append(a.free, h.index)
}

// get returns a snapshot of the entry.
func (a *routeArena) get(h RouteHandle) (RouteEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotLocked(h)
	if s == nil {
		return RouteEntry{}, false
	}
	return s.entry, true
}

// update runs fn on the live slot named by h under the arena lock.
func (a *routeArena) update(h RouteHandle, fn func(*routeSlot)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotLocked(h)
	if s == nil {
		return false
	}
	fn(s)
	return true
}

// refs returns the number of references to the entry, 0 for a stale handle.
func (a *routeArena) refs(h RouteHandle) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotLocked(h)
	if s == nil {
		return 0
	}
	return s.refs
}

// live returns the number of allocated entries.
func (a *routeArena) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
