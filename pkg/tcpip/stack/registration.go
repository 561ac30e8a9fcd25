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
	"strings"

	"netout.dev/netout/pkg/tcpip"
)

// LinkEndpointCapabilities is the type associated with the capabilities
// supported by a link-layer endpoint. It is a set of bitfields.
type LinkEndpointCapabilities uint

// The following are the supported link endpoint capabilities.
const (
	CapabilityNone LinkEndpointCapabilities = 0
	// CapabilityBroadcast indicates that the medium can carry broadcast
	// datagrams.
	CapabilityBroadcast LinkEndpointCapabilities = 1 << iota
	// CapabilityMulticast indicates that the medium can carry multicast
	// datagrams.
	CapabilityMulticast
	// CapabilityPointToPoint indicates that the link has exactly one peer.
	CapabilityPointToPoint
	// CapabilityLoopback indicates that the link delivers everything it is
	// given back to the local host.
	CapabilityLoopback
	// CapabilityResolutionRequired indicates that a link address has to be
	// resolved for the next hop before transmitting.
	CapabilityResolutionRequired
	// CapabilityHWGSO indicates that the link segments oversized packets in
	// hardware.
	CapabilityHWGSO
	// CapabilityRequiresSerialization indicates that WritePacket must not be
	// called concurrently. The NIC serializes calls for such links.
	CapabilityRequiresSerialization
)

func (c LinkEndpointCapabilities) String() string {
	if c == CapabilityNone {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		c    LinkEndpointCapabilities
		name string
	}{
		{CapabilityBroadcast, "broadcast"},
		{CapabilityMulticast, "multicast"},
		{CapabilityPointToPoint, "pointtopoint"},
		{CapabilityLoopback, "loopback"},
		{CapabilityResolutionRequired, "resolution"},
		{CapabilityHWGSO, "hwgso"},
		{CapabilityRequiresSerialization, "serialize"},
	} {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseCapability returns the capability with the given name, as printed by
// LinkEndpointCapabilities.String.
func ParseCapability(name string) (LinkEndpointCapabilities, bool) {
	switch strings.ToLower(name) {
	case "broadcast":
		return CapabilityBroadcast, true
	case "multicast":
		return CapabilityMulticast, true
	case "pointtopoint", "p2p":
		return CapabilityPointToPoint, true
	case "loopback":
		return CapabilityLoopback, true
	case "resolution":
		return CapabilityResolutionRequired, true
	case "hwgso":
		return CapabilityHWGSO, true
	case "serialize":
		return CapabilityRequiresSerialization, true
	default:
		return CapabilityNone, false
	}
}

// RouteInfo contains all of the information a link endpoint needs to send a
// packet to its next hop.
type RouteInfo struct {
	// NIC is the id of the NIC the packet leaves through.
	NIC tcpip.NICID

	// NextHop is the next node in the path to the destination.
	NextHop tcpip.Address

	// LocalLinkAddress is the link-layer (MAC) address of the NIC.
	LocalLinkAddress tcpip.LinkAddress

	// RemoteLinkAddress is the link-layer (MAC) address of the next hop. It
	// is empty for links that do not require resolution.
	RemoteLinkAddress tcpip.LinkAddress

	// NetProto is the network-layer protocol.
	NetProto tcpip.NetworkProtocolNumber
}

// LinkEndpoint is the interface implemented by data link layer protocols (e.g.,
// ethernet, loopback, raw) and used by network layer protocols to send packets
// out through the implementer's data link endpoint.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network; when such a
	// physical network doesn't exist, the limit is generally 64k, which
	// includes the maximum size of an IP packet.
	MTU() uint32

	// Capabilities returns the set of capabilities supported by the
	// endpoint.
	Capabilities() LinkEndpointCapabilities

	// ChecksumOffload returns the checksum kinds the endpoint computes on
	// transmit.
	ChecksumOffload() ChecksumFlags

	// LinkAddress returns the link address (typically a MAC) of the
	// link endpoint.
	LinkAddress() tcpip.LinkAddress

	// WritePacket writes a packet through the given route. It takes over
	// the caller's reference to pkt, on success and on failure.
	WritePacket(RouteInfo, *PacketBuffer) tcpip.Error
}

// QueueingEndpoint is implemented by link endpoints with a bounded transmit
// queue.
type QueueingEndpoint interface {
	// QueueRoom returns how many more packets the queue accepts.
	QueueRoom() int
}

// Direction is the path a packet takes through the filter hooks.
type Direction int

const (
	// DirectionOutput is for locally generated packets.
	DirectionOutput Direction = iota

	// DirectionForward is for packets forwarded on behalf of another host.
	DirectionForward
)

func (d Direction) String() string {
	switch d {
	case DirectionOutput:
		return "output"
	case DirectionForward:
		return "forward"
	default:
		return "unknown"
	}
}

// FilterVerdict is the outcome of a filter hook.
type FilterVerdict int

const (
	// FilterAccept lets the packet continue. The filter may have rewritten
	// it.
	FilterAccept FilterVerdict = iota

	// FilterDrop discards the packet.
	FilterDrop
)

// Filter is a pre-transmission hook. It is consulted once per datagram,
// before fragmentation.
type Filter interface {
	// Check inspects and possibly rewrites pkt. The caller keeps ownership of
	// pkt whatever the verdict.
	Check(pkt *PacketBuffer, nic *NIC, dir Direction) (FilterVerdict, tcpip.Error)
}

// SecurityVerdict is the outcome of offering a datagram to a
// SecurityTransform.
type SecurityVerdict int

const (
	// SecurityPass sends the datagram unchanged.
	SecurityPass SecurityVerdict = iota

	// SecurityConsumed means the transform took the datagram over and sent
	// it itself.
	SecurityConsumed

	// SecurityDefer asks for every transmitted unit, each fragment when the
	// datagram is split, to be passed to ProcessFragment.
	SecurityDefer
)

// SecurityTransform is an encapsulation hook such as IPsec.
type SecurityTransform interface {
	// Output is offered the finished datagram before the size decision. With
	// SecurityConsumed it takes over pkt and its error is the result of the
	// send. Otherwise the caller keeps pkt, and a non-nil error aborts the
	// send.
	Output(pkt *PacketBuffer, nic *NIC) (SecurityVerdict, tcpip.Error)

	// ProcessFragment transforms one transmitted unit in place. The caller
	// keeps pkt.
	ProcessFragment(pkt *PacketBuffer, nic *NIC) tcpip.Error
}

// LoopbackDispatcher receives multicast copies looped back to the local
// host.
type LoopbackDispatcher interface {
	// DeliverLoopback takes over pkt.
	DeliverLoopback(nic *NIC, pkt *PacketBuffer)
}

// AddressSelector picks the source address for datagrams leaving through a
// NIC towards nextHop. It returns an empty address when the NIC has none.
type AddressSelector interface {
	SelectAddress(nic *NIC, nextHop tcpip.Address) tcpip.Address
}
