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

package ipv4

import (
	"sync/atomic"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/network/hash"
)

// buckets is the number of identifier buckets.
const buckets = 2048

// idGenerator hands out datagram identifiers. Flows are hashed into buckets
// so that identifiers of one flow are sequential while unrelated flows do not
// contend on a single counter.
type idGenerator struct {
	ids    [buckets]atomic.Uint32
	hashIV uint32
}

func newIDGenerator() *idGenerator {
	g := &idGenerator{}
	// Randomly initialize hashIV and the ids.
	r := hash.RandN32(1 + buckets)
	for i := range g.ids {
		g.ids[i].Store(r[i])
	}
	g.hashIV = r[buckets]
	return g
}

// next reserves n consecutive identifiers for the flow and returns the first
// one. n == 0 reserves one.
func (g *idGenerator) next(src, dst tcpip.Address, protocol uint8, n uint16) uint16 {
	if n == 0 {
		n = 1
	}
	b := &g.ids[hash.IPv4FlowHash(src, dst, protocol, g.hashIV)%buckets]
	last := b.Add(uint32(n))
	return uint16(last - uint32(n) + 1)
}
