// Copyright 2021 The gVisor Authors.
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
	"sync"

	"github.com/google/btree"
	"netout.dev/netout/pkg/tcpip"
)

// routeTableDegree is the btree degree of the route table.
const routeTableDegree = 8

// routeRowLess orders rows most specific first, so an in-order walk finds the
// longest matching prefix first. Rows with the same prefix are ordered by
// destination, gateway and NIC, which together identify a row.
func routeRowLess(a, b tcpip.Route) bool {
	if pa, pb := a.Destination.Prefix(), b.Destination.Prefix(); pa != pb {
		return pa > pb
	}
	if da, db := a.Destination.ID(), b.Destination.ID(); da != db {
		return da < db
	}
	if a.Gateway != b.Gateway {
		return a.Gateway < b.Gateway
	}
	return a.NIC < b.NIC
}

// routeTable is the administrative route table.
type routeTable struct {
	mu   sync.RWMutex
	rows *btree.BTreeG[tcpip.Route]
}

func newRouteTable() *routeTable {
	return &routeTable{rows: btree.NewG(routeTableDegree, routeRowLess)}
}

// add inserts r, replacing a row with the same destination, gateway and NIC.
func (t *routeTable) add(r tcpip.Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows.ReplaceOrInsert(r)
}

// remove deletes the row matching r's destination, gateway and NIC.
func (t *routeTable) remove(r tcpip.Route) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rows.Delete(r)
	return ok
}

// removeNIC deletes every row through nic and returns how many went.
func (t *routeTable) removeNIC(nic tcpip.NICID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []tcpip.Route
	t.rows.Ascend(func(r tcpip.Route) bool {
		if r.NIC == nic {
			doomed = append(doomed, r)
		}
		return true
	})
	for _, r := range doomed {
		t.rows.Delete(r)
	}
	return len(doomed)
}

// lookup returns the longest prefix row holding dst for which usable returns
// true.
func (t *routeTable) lookup(dst tcpip.Address, usable func(tcpip.Route) bool) (tcpip.Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		found tcpip.Route
		ok    bool
	)
	t.rows.Ascend(func(r tcpip.Route) bool {
		if r.Destination.Contains(dst) && usable(r) {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

// all returns the rows, most specific first.
func (t *routeTable) all() []tcpip.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]tcpip.Route, 0, t.rows.Len())
	t.rows.Ascend(func(r tcpip.Route) bool {
		out = append(out, r)
		return true
	})
	return out
}
