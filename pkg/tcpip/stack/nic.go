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

	"netout.dev/netout/pkg/tcpip"
)

// NICOptions specifies the configuration of a NIC as it is being created.
type NICOptions struct {
	// Name specifies the name of the NIC.
	Name string

	// Peer is the remote address of a point-to-point link.
	Peer tcpip.Address
}

// NIC represents a "network interface card" to which the networking stack is
// attached. Its link endpoint, name and peer never change after creation.
type NIC struct {
	stack  *Stack
	id     tcpip.NICID
	name   string
	peer   tcpip.Address
	linkEP LinkEndpoint

	// txMu serializes WritePacket for links that require it. It is nil for
	// every other link.
	txMu *sync.Mutex

	neighbors neighborTable

	mu struct {
		sync.RWMutex

		// addrs holds the addresses assigned to the NIC, primary first.
		addrs []tcpip.AddressWithPrefix

		// groups counts joins of each multicast group.
		groups map[tcpip.Address]uint32
	}
}

func newNIC(s *Stack, id tcpip.NICID, ep LinkEndpoint, opts NICOptions) *NIC {
	nic := &NIC{
		stack:  s,
		id:     id,
		name:   opts.Name,
		peer:   opts.Peer,
		linkEP: ep,
	}
	if nic.name == "" {
		nic.name = fmt.Sprintf("nic%d", id)
	}
	if ep.Capabilities()&CapabilityRequiresSerialization != 0 {
		nic.txMu = &sync.Mutex{}
	}
	nic.neighbors.init()
	nic.mu.groups = make(map[tcpip.Address]uint32)
	return nic
}

// ID returns the identifier of n.
func (n *NIC) ID() tcpip.NICID {
	return n.id
}

// Name returns the name of n.
func (n *NIC) Name() string {
	return n.name
}

// Peer returns the remote address of a point-to-point NIC.
func (n *NIC) Peer() tcpip.Address {
	return n.peer
}

// LinkEndpoint returns the link endpoint of n.
func (n *NIC) LinkEndpoint() LinkEndpoint {
	return n.linkEP
}

// MTU returns the MTU of the link.
func (n *NIC) MTU() uint32 {
	return n.linkEP.MTU()
}

// Capabilities returns the capabilities of the link.
func (n *NIC) Capabilities() LinkEndpointCapabilities {
	return n.linkEP.Capabilities()
}

// HasCapability reports whether the link has every capability in c.
func (n *NIC) HasCapability(c LinkEndpointCapabilities) bool {
	return n.linkEP.Capabilities()&c == c
}

// ChecksumOffload returns the checksums the link computes on transmit.
func (n *NIC) ChecksumOffload() ChecksumFlags {
	return n.linkEP.ChecksumOffload()
}

// QueueRoom returns how many more packets the link accepts. ok is false if
// the link does not expose a bounded queue.
func (n *NIC) QueueRoom() (room int, ok bool) {
	q, ok := n.linkEP.(QueueingEndpoint)
	if !ok {
		return 0, false
	}
	return q.QueueRoom(), true
}

// addAddress assigns addr to n. The first address becomes the primary one.
func (n *NIC) addAddress(addr tcpip.AddressWithPrefix) tcpip.Error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.mu.addrs {
		if a.Address == addr.Address {
			return &tcpip.ErrAddressInUse{}
		}
	}
	n.mu.addrs = append(n.mu.addrs, addr)
	return nil
}

// Addresses returns the addresses assigned to n.
func (n *NIC) Addresses() []tcpip.AddressWithPrefix {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]tcpip.AddressWithPrefix(nil), n.mu.addrs...)
}

// PrimaryAddress returns the first address assigned to n, or an empty
// address.
func (n *NIC) PrimaryAddress() tcpip.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.mu.addrs) == 0 {
		return ""
	}
	return n.mu.addrs[0].Address
}

// HasAddress reports whether addr is assigned to n.
func (n *NIC) HasAddress(addr tcpip.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.mu.addrs {
		if a.Address == addr {
			return true
		}
	}
	return false
}

// addressFor returns the address of n whose subnet holds dst, falling back
// to the primary address.
func (n *NIC) addressFor(dst tcpip.Address) tcpip.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.mu.addrs {
		s := a.Subnet()
		if s.Contains(dst) {
			return a.Address
		}
	}
	if len(n.mu.addrs) == 0 {
		return ""
	}
	return n.mu.addrs[0].Address
}

// IsOnLink reports whether dst is reachable without a gateway: it is inside
// the subnet of one of n's addresses, or it is the peer of a point-to-point
// NIC.
func (n *NIC) IsOnLink(dst tcpip.Address) bool {
	if n.peer != "" && n.peer == dst {
		return true
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.mu.addrs {
		s := a.Subnet()
		if s.Contains(dst) {
			return true
		}
	}
	return false
}

// IsSubnetBroadcast reports whether addr is the directed broadcast address
// of one of n's subnets.
func (n *NIC) IsSubnetBroadcast(addr tcpip.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, a := range n.mu.addrs {
		s := a.Subnet()
		if s.IsBroadcast(addr) {
			return true
		}
	}
	return false
}

// JoinGroup joins the multicast group addr. Joins are counted; the NIC stays
// in the group until every join is matched by a leave.
func (n *NIC) JoinGroup(addr tcpip.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mu.groups[addr]++
}

// LeaveGroup undoes one JoinGroup. It returns false if n was not in the group.
func (n *NIC) LeaveGroup(addr tcpip.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.mu.groups[addr]
	if !ok {
		return false
	}
	if c == 1 {
		delete(n.mu.groups, addr)
	} else {
		n.mu.groups[addr] = c - 1
	}
	return true
}

// IsInGroup reports whether n has joined the multicast group addr.
func (n *NIC) IsInGroup(addr tcpip.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.mu.groups[addr]
	return ok
}

// writePacket hands pkt to the link, serializing the call when the link asks
// for it.
func (n *NIC) writePacket(r RouteInfo, pkt *PacketBuffer) tcpip.Error {
	pkt.EgressRoute = r
	if n.txMu != nil {
		n.txMu.Lock()
		defer n.txMu.Unlock()
	}
	return n.linkEP.WritePacket(r, pkt)
}

func (n *NIC) String() string {
	return fmt.Sprintf("%s(%d)", n.name, n.id)
}
