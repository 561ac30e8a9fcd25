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

package stack

import (
	"sync"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
)

// neighborTable maps next-hop addresses on one NIC to link addresses. Entries
// are static: they are added and removed by the administrator and never
// probed for.
type neighborTable struct {
	mu      sync.RWMutex
	entries map[tcpip.Address]tcpip.LinkAddress
}

func (n *neighborTable) init() {
	n.entries = make(map[tcpip.Address]tcpip.LinkAddress)
}

func (n *neighborTable) add(addr tcpip.Address, linkAddr tcpip.LinkAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[addr] = linkAddr
}

func (n *neighborTable) remove(addr tcpip.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[addr]; !ok {
		return false
	}
	delete(n.entries, addr)
	return true
}

func (n *neighborTable) lookup(addr tcpip.Address) (tcpip.LinkAddress, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.entries[addr]
	return l, ok
}

// resolveStatic returns the link address of addresses whose link address is
// computed rather than looked up: limited and subnet-directed broadcasts, and
// multicast groups.
func (n *NIC) resolveStatic(addr tcpip.Address, broadcast bool) (tcpip.LinkAddress, bool) {
	if broadcast || addr == header.IPv4Broadcast || n.IsSubnetBroadcast(addr) {
		return header.EthernetBroadcastAddress, true
	}
	if header.IsV4MulticastAddress(addr) {
		return header.EthernetAddressFromMulticastIPv4Address(addr), true
	}
	return "", false
}
