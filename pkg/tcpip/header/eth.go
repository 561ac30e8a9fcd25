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

package header

import (
	"netout.dev/netout/pkg/tcpip"
)

const (
	// EthernetAddressSize is the size, in bytes, of an ethernet address.
	EthernetAddressSize = 6

	// EthernetBroadcastAddress is an ethernet address that addresses every
	// node on a local network.
	EthernetBroadcastAddress = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")

	// ethMulticastIPv4Prefix is the 25-bit prefix of link addresses that
	// carry IPv4 multicast traffic (RFC 1112 section 6.4).
	ethMulticastIPv4Prefix = "\x01\x00\x5e"
)

// EthernetAddressFromMulticastIPv4Address returns a multicast Ethernet address
// for a multicast IPv4 address.
//
// addr MUST be a multicast IPv4 address.
func EthernetAddressFromMulticastIPv4Address(addr tcpip.Address) tcpip.LinkAddress {
	var linkAddrBytes [EthernetAddressSize]byte
	copy(linkAddrBytes[:], ethMulticastIPv4Prefix)
	// Per RFC 1112 section 6.4, the low order 23 bits of the IPv4 multicast
	// address are placed into the low order 23 bits of the Ethernet address.
	linkAddrBytes[3] = addr[1] & 0x7f
	copy(linkAddrBytes[4:], addr[IPv4AddressSize-2:])
	return tcpip.LinkAddress(linkAddrBytes[:])
}
