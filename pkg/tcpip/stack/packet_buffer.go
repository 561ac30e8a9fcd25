// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"sync/atomic"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
)

// ChecksumFlags is a set of checksum kinds. On a packet it holds the
// checksums that still have to be computed; on a link endpoint it holds the
// checksums the hardware computes on transmit.
type ChecksumFlags uint8

// The checksum kinds understood by the output path.
const (
	// ChecksumIPv4 is the IPv4 header checksum.
	ChecksumIPv4 ChecksumFlags = 1 << iota

	// ChecksumTCP is the TCP checksum, seeded with the pseudo-header sum.
	ChecksumTCP

	// ChecksumUDP is the UDP checksum, seeded with the pseudo-header sum.
	ChecksumUDP

	// ChecksumTransport covers both transport kinds.
	ChecksumTransport = ChecksumTCP | ChecksumUDP
)

func (f ChecksumFlags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	for _, k := range []struct {
		flag ChecksumFlags
		name string
	}{
		{ChecksumIPv4, "ipv4"},
		{ChecksumTCP, "tcp"},
		{ChecksumUDP, "udp"},
	} {
		if f&k.flag == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += k.name
	}
	return s
}

// GSO contains generic segmentation offload properties.
type GSO struct {
	// Segments is the number of segments the hardware will cut the packet
	// into. Zero means the packet is not a GSO packet.
	Segments uint16

	// MSS is maximum segment size.
	MSS uint16
}

// PacketBufferOptions specifies options for PacketBuffer creation.
type PacketBufferOptions struct {
	// Data is the initial data for the new packet: the IPv4 header followed
	// by the transport payload. It is owned by the new packet.
	Data buffer.VectorisedView

	// OnRelease is called once, when the last reference is dropped.
	OnRelease func()
}

// A PacketBuffer contains all the data of an outbound network packet.
//
// A PacketBuffer is owned linearly: every function that accepts one either
// hands it to exactly one consumer, which takes over the reference, or calls
// DecRef. Dropping a reference that was already dropped panics.
//
// PacketBuffer must be created with NewPacketBuffer.
type PacketBuffer struct {
	// data holds the whole datagram, network header included.
	data buffer.VectorisedView

	refs      atomic.Int32
	onRelease func()

	// NetworkProtocolNumber is the network protocol of the packet.
	NetworkProtocolNumber tcpip.NetworkProtocolNumber

	// TransportProtocolNumber is only valid if it is non zero.
	TransportProtocolNumber tcpip.TransportProtocolNumber

	// CsumFlags holds the checksums that still need computing.
	CsumFlags ChecksumFlags

	// CsumDataOffset is the offset of the transport checksum field from the
	// start of the transport header.
	CsumDataOffset uint16

	// GSOOptions are the segmentation offload properties of the packet.
	GSOOptions GSO

	// EgressRoute is set by the resolver just before the packet is handed to
	// a link endpoint.
	EgressRoute RouteInfo
}

// NewPacketBuffer creates a new PacketBuffer with opts. The packet starts
// with one reference.
func NewPacketBuffer(opts PacketBufferOptions) *PacketBuffer {
	pk := &PacketBuffer{
		data:                  opts.Data,
		onRelease:             opts.OnRelease,
		NetworkProtocolNumber: header.IPv4ProtocolNumber,
	}
	pk.refs.Store(1)
	return pk
}

// IncRef adds a reference to pk.
func (pk *PacketBuffer) IncRef() {
	if pk.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("IncRef on released PacketBuffer %p", pk))
	}
}

// DecRef drops a reference to pk. The release callback runs when the last
// reference is dropped.
func (pk *PacketBuffer) DecRef() {
	switch v := pk.refs.Add(-1); {
	case v == 0:
		pk.data = buffer.VectorisedView{}
		if pk.onRelease != nil {
			pk.onRelease()
		}
	case v < 0:
		panic(fmt.Sprintf("DecRef on released PacketBuffer %p", pk))
	}
}

// ReadRefs returns the current number of references.
func (pk *PacketBuffer) ReadRefs() int32 {
	return pk.refs.Load()
}

// Size returns the size of the packet in bytes.
func (pk *PacketBuffer) Size() int {
	return pk.data.Size()
}

// Data returns the bytes of the packet. The views alias the packet.
func (pk *PacketBuffer) Data() buffer.VectorisedView {
	return pk.data
}

// Views returns the underlying storage of the whole packet.
func (pk *PacketBuffer) Views() []buffer.View {
	return pk.data.Views()
}

// ToView returns a contiguous copy of the packet when it spans several
// views, and the single view otherwise.
func (pk *PacketBuffer) ToView() buffer.View {
	return pk.data.ToView()
}

// PullUp makes the first n bytes contiguous and returns them.
func (pk *PacketBuffer) PullUp(n int) (buffer.View, bool) {
	return pk.data.PullUp(n)
}

// NetworkHeader returns the IPv4 header at the front of the packet. The
// returned header aliases the packet, so writes through it change the
// packet. It returns false if the packet is too short to hold the header its
// first byte announces.
func (pk *PacketBuffer) NetworkHeader() (header.IPv4, bool) {
	first, ok := pk.data.PullUp(header.IPv4MinimumSize)
	if !ok {
		return nil, false
	}
	hlen := int(header.IPv4(first).HeaderLength())
	if hlen < header.IPv4MinimumSize {
		return nil, false
	}
	v, ok := pk.data.PullUp(hlen)
	if !ok {
		return nil, false
	}
	return header.IPv4(v), true
}

// ReplaceHeader removes the first oldLen bytes and puts hdr in their place.
func (pk *PacketBuffer) ReplaceHeader(oldLen int, hdr buffer.View) {
	pk.data.TrimFront(oldLen)
	pk.data.PrependView(hdr)
}

// CapLength reduces the packet to its first length bytes.
func (pk *PacketBuffer) CapLength(length int) {
	pk.data.CapLength(length)
}

// CopyRange returns a copy of count bytes of the packet starting at offset.
func (pk *PacketBuffer) CopyRange(offset, count int) (buffer.View, bool) {
	return pk.data.CopyRange(offset, count)
}

// Clone makes a deep copy of pk carrying the same metadata. The clone has
// its own reference and no release callback.
func (pk *PacketBuffer) Clone() *PacketBuffer {
	c := NewPacketBuffer(PacketBufferOptions{Data: pk.data.DeepClone()})
	c.NetworkProtocolNumber = pk.NetworkProtocolNumber
	c.TransportProtocolNumber = pk.TransportProtocolNumber
	c.CsumFlags = pk.CsumFlags
	c.CsumDataOffset = pk.CsumDataOffset
	c.GSOOptions = pk.GSOOptions
	c.EgressRoute = pk.EgressRoute
	return c
}

// PacketBufferList is an ordered list of packets, used to carry the
// fragments of one datagram through the send loop.
type PacketBufferList struct {
	pkts []*PacketBuffer
}

// PushBack appends pkt to the list. The list takes over the reference.
func (pl *PacketBufferList) PushBack(pkt *PacketBuffer) {
	pl.pkts = append(pl.pkts, pkt)
}

// PopFront removes and returns the first packet. The caller takes over the
// reference.
func (pl *PacketBufferList) PopFront() *PacketBuffer {
	if len(pl.pkts) == 0 {
		return nil
	}
	pkt := pl.pkts[0]
	pl.pkts[0] = nil
	pl.pkts = pl.pkts[1:]
	return pkt
}

// Len returns the number of packets in the list.
func (pl *PacketBufferList) Len() int {
	return len(pl.pkts)
}

// AsSlice returns the packets in the list. The list keeps the references.
func (pl *PacketBufferList) AsSlice() []*PacketBuffer {
	return pl.pkts
}

// DecRef drops the references to every packet still in the list and empties
// it.
func (pl *PacketBufferList) DecRef() {
	for _, pkt := range pl.pkts {
		pkt.DecRef()
	}
	pl.pkts = nil
}
