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

// Package tcpip provides the interfaces and related types that users of the
// outbound IPv4 engine need to drive it: addresses, subnets, routes, clocks,
// statistics and the error space.
//
// The engine is synchronous. Every call either completes (the packet is handed
// to a link endpoint) or fails (the packet is released) before returning.
package tcpip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Clock represents the source of time used by the stack. Only the wall time is
// needed: it drives reject-route expiry.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time
}

// StdClock implements Clock with the time package.
type StdClock struct{}

var _ Clock = (*StdClock)(nil)

// Now implements Clock.Now.
func (*StdClock) Now() time.Time {
	return time.Now()
}

// Address is a byte slice cast as a string that represents the address of a
// network node. For IPv4 it is always 4 bytes long.
type Address string

// AddressSize is the size, in bytes, of an IPv4 address.
const AddressSize = 4

// AddrFrom4 converts addr to an Address.
func AddrFrom4(addr [4]byte) Address {
	return Address(addr[:])
}

// ParseAddress parses a dotted quad. It returns the empty address when s is
// not a valid IPv4 address.
func ParseAddress(s string) Address {
	parts := strings.Split(s, ".")
	if len(parts) != AddressSize {
		return ""
	}
	var b [4]byte
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return ""
		}
		b[i] = byte(v)
	}
	return AddrFrom4(b)
}

// Unspecified returns true if the address is empty or 0.0.0.0.
func (a Address) Unspecified() bool {
	for i := 0; i < len(a); i++ {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 0:
		return ""
	case AddressSize:
		return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// AddressMask is a bitmask for an address.
type AddressMask string

// String implements Stringer.
func (m AddressMask) String() string {
	return Address(m).String()
}

// Prefix returns the number of bits before the first host bit.
func (m AddressMask) Prefix() int {
	p := 0
	for _, b := range []byte(m) {
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) == 0 {
				return p
			}
			p++
		}
	}
	return p
}

// MaskFromPrefix returns an IPv4 mask with the first prefixLen bits set.
func MaskFromPrefix(prefixLen int) AddressMask {
	var b [AddressSize]byte
	for i := range b {
		switch {
		case prefixLen >= 8:
			b[i] = 0xff
			prefixLen -= 8
		case prefixLen > 0:
			b[i] = ^byte(0xff >> uint(prefixLen))
			prefixLen = 0
		}
	}
	return AddressMask(b[:])
}

// ErrSubnetLengthMismatch is returned by NewSubnet when the address and mask
// differ in length.
var ErrSubnetLengthMismatch = errors.New("subnet length of address and mask differ")

// ErrSubnetAddressMasked is returned by NewSubnet when the address has host bits
// set.
var ErrSubnetAddressMasked = errors.New("subnet address has bits set outside the mask")

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the address and mask are the
// same length.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if len(a) != len(m) {
		return Subnet{}, ErrSubnetLengthMismatch
	}
	for i := 0; i < len(a); i++ {
		if a[i]&^m[i] != 0 {
			return Subnet{}, ErrSubnetAddressMasked
		}
	}
	return Subnet{a, m}, nil
}

// String implements Stringer.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.ID(), s.Prefix())
}

// Contains returns true iff the address is of the same length and matches the
// subnet address and mask.
func (s *Subnet) Contains(a Address) bool {
	if len(a) != len(s.address) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]&s.mask[i] != s.address[i] {
			return false
		}
	}
	return true
}

// ID returns the subnet ID.
func (s *Subnet) ID() Address {
	return s.address
}

// Prefix returns the number of bits before the first host bit.
func (s *Subnet) Prefix() int {
	return s.mask.Prefix()
}

// Mask returns the subnet mask.
func (s *Subnet) Mask() AddressMask {
	return s.mask
}

// Broadcast returns the subnet's broadcast address.
func (s *Subnet) Broadcast() Address {
	addr := []byte(s.address)
	for i := range addr {
		addr[i] |= ^s.mask[i]
	}
	return Address(addr)
}

// IsBroadcast returns true if the address is considered a broadcast address.
//
// /31 and /32 subnets have no broadcast address.
func (s *Subnet) IsBroadcast(address Address) bool {
	if s.Prefix() >= 31 {
		return false
	}
	return s.Broadcast() == address
}

// Equal returns true if s equals o.
func (s Subnet) Equal(o Subnet) bool {
	return s == o
}

// AddressWithPrefix is an address with its subnet prefix length.
type AddressWithPrefix struct {
	// Address is a network address.
	Address Address

	// PrefixLen is the subnet prefix length.
	PrefixLen int
}

// String implements the fmt.Stringer interface.
func (a AddressWithPrefix) String() string {
	return fmt.Sprintf("%s/%d", a.Address, a.PrefixLen)
}

// Subnet converts the address and prefix into a Subnet value and returns it.
func (a AddressWithPrefix) Subnet() Subnet {
	mask := MaskFromPrefix(a.PrefixLen)
	id := []byte(a.Address)
	for i := range id {
		id[i] &= mask[i]
	}
	return Subnet{address: Address(id), mask: mask}
}

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseMACAddress parses an IEEE 802 address.
//
// It must be in the format aa:bb:cc:11:22:33 or aa-bb-cc-11-22-33.
func ParseMACAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return "", fmt.Errorf("inconsistent parts: %s", s)
	}
	addr := make([]byte, 0, len(parts))
	for _, part := range parts {
		u, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid hex digits: %s", s)
		}
		addr = append(addr, byte(u))
	}
	return LinkAddress(addr), nil
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// NetworkProtocolNumber is the EtherType of a network protocol in an Ethernet
// frame.
type NetworkProtocolNumber uint32

// Route is a row in the routing table. It specifies through which NIC (and
// gateway) sets of packets should be routed. A row is considered viable if the
// masked target address matches the destination address in the row.
type Route struct {
	// Destination must contain the target address for this row to be viable.
	Destination Subnet

	// Gateway is the gateway to be used if this row is viable. Empty for
	// on-link routes.
	Gateway Address

	// NIC is the id of the nic to be used if this row is viable.
	NIC NICID

	// MTU overrides the NIC MTU for this destination when non-zero.
	MTU uint32

	// LockMTU prevents path MTU discovery from using or lowering MTU.
	LockMTU bool

	// Reject makes lookups hitting this row fail.
	Reject bool

	// Broadcast marks a host row whose destination is a broadcast address.
	Broadcast bool
}

// String implements the fmt.Stringer interface.
func (r Route) String() string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s", r.Destination)
	if len(r.Gateway) > 0 {
		fmt.Fprintf(&out, " via %s", r.Gateway)
	}
	fmt.Fprintf(&out, " nic %d", r.NIC)
	if r.MTU != 0 {
		fmt.Fprintf(&out, " mtu %d", r.MTU)
		if r.LockMTU {
			out.WriteString(" lock")
		}
	}
	if r.Reject {
		out.WriteString(" reject")
	}
	if r.Broadcast {
		out.WriteString(" broadcast")
	}
	return out.String()
}

// StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// IPStats collects IP-specific stats for the outbound path.
type IPStats struct {
	// PacketsSent is the number of IP packets handed to a link endpoint,
	// fragments included.
	PacketsSent StatCounter

	// OutgoingPacketErrors is the number of datagrams that failed to be sent.
	OutgoingPacketErrors StatCounter

	// NoRoute is the number of datagrams dropped for lack of a route.
	NoRoute StatCounter

	// RejectedRoute is the number of datagrams that hit a reject route.
	RejectedRoute StatCounter

	// Fragmented is the number of datagrams that were split.
	Fragmented StatCounter

	// FragmentsCreated is the number of fragments produced.
	FragmentsCreated StatCounter

	// FragmentationErrors is the number of datagrams that could not be split.
	FragmentationErrors StatCounter

	// CantFragment is the number of datagrams dropped because DF was set.
	CantFragment StatCounter

	// BroadcastDenied is the number of broadcast datagrams rejected by policy.
	BroadcastDenied StatCounter

	// MulticastSent is the number of multicast datagrams sent.
	MulticastSent StatCounter

	// LoopedBack is the number of multicast copies delivered locally.
	LoopedBack StatCounter

	// FilterDropped is the number of datagrams dropped by an output filter.
	FilterDropped StatCounter

	// SoftwareChecksums is the number of checksums computed in software.
	SoftwareChecksums StatCounter

	// OffloadedChecksums is the number of checksums left to the link.
	OffloadedChecksums StatCounter
}

// Stats holds statistics about the engine.
type Stats struct {
	// IP breaks out IP-specific stats.
	IP IPStats
}
