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

// Package testutil defines types and functions used to test Network Layer
// functionality such as IP fragmentation.
package testutil

import (
	"fmt"
	"math/rand"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// MockLinkEndpoint is an endpoint used for testing, it stores packets written
// to it and can mock errors.
type MockLinkEndpoint struct {
	// WrittenPackets is where packets written to the endpoint are stored.
	WrittenPackets []*stack.PacketBuffer

	// Caps are the capabilities reported by the endpoint.
	Caps stack.LinkEndpointCapabilities

	// Offload is the checksum offload set reported by the endpoint.
	Offload stack.ChecksumFlags

	mtu          uint32
	err          tcpip.Error
	allowPackets int
}

var _ stack.LinkEndpoint = (*MockLinkEndpoint)(nil)

// NewMockLinkEndpoint creates a new MockLinkEndpoint.
//
// err is the error that will be returned once allowPackets packets are written
// to the endpoint.
func NewMockLinkEndpoint(mtu uint32, err tcpip.Error, allowPackets int) *MockLinkEndpoint {
	return &MockLinkEndpoint{
		mtu:          mtu,
		err:          err,
		allowPackets: allowPackets,
	}
}

// MTU implements LinkEndpoint.MTU.
func (ep *MockLinkEndpoint) MTU() uint32 { return ep.mtu }

// Capabilities implements LinkEndpoint.Capabilities.
func (ep *MockLinkEndpoint) Capabilities() stack.LinkEndpointCapabilities { return ep.Caps }

// ChecksumOffload implements LinkEndpoint.ChecksumOffload.
func (ep *MockLinkEndpoint) ChecksumOffload() stack.ChecksumFlags { return ep.Offload }

// LinkAddress implements LinkEndpoint.LinkAddress.
func (*MockLinkEndpoint) LinkAddress() tcpip.LinkAddress { return "" }

// WritePacket implements LinkEndpoint.WritePacket.
func (ep *MockLinkEndpoint) WritePacket(_ stack.RouteInfo, pkt *stack.PacketBuffer) tcpip.Error {
	if ep.allowPackets == 0 {
		pkt.DecRef()
		return ep.err
	}
	ep.allowPackets--
	ep.WrittenPackets = append(ep.WrittenPackets, pkt)
	return nil
}

// Release drops the references to every written packet.
func (ep *MockLinkEndpoint) Release() {
	for _, pkt := range ep.WrittenPackets {
		pkt.DecRef()
	}
	ep.WrittenPackets = nil
}

// DatagramOptions describes a datagram built by MakeRandPkt.
type DatagramOptions struct {
	Src, Dst tcpip.Address
	TTL      uint8
	TOS      uint8
	Flags    uint8
	ID       uint16

	// FragmentOffset is in bytes.
	FragmentOffset uint16

	// Protocol defaults to UDP.
	Protocol tcpip.TransportProtocolNumber

	// Options are raw header options.
	Options header.IPv4Options
}

// encodeHeader returns a header for opts carrying payloadLen bytes.
func encodeHeader(opts DatagramOptions, payloadLen int) buffer.View {
	fields := header.IPv4Fields{
		TOS:            opts.TOS,
		ID:             opts.ID,
		Flags:          opts.Flags,
		FragmentOffset: opts.FragmentOffset,
		TTL:            opts.TTL,
		Protocol:       uint8(opts.Protocol),
		SrcAddr:        opts.Src,
		DstAddr:        opts.Dst,
		Options:        opts.Options,
	}
	hdr := buffer.NewView(fields.HeaderLength())
	fields.TotalLength = uint16(len(hdr) + payloadLen)
	header.IPv4(hdr).Encode(&fields)
	return hdr
}

// MakeRandPkt generates an IPv4 datagram with a random payload. The payload
// is made from Views of the sizes listed in viewSizes, following a separate
// view holding the header. onRelease, if not nil, runs when the packet is
// released.
func MakeRandPkt(opts DatagramOptions, viewSizes []int, onRelease func()) *stack.PacketBuffer {
	if opts.Protocol == 0 {
		opts.Protocol = header.UDPProtocolNumber
	}
	payloadLen := 0
	for _, s := range viewSizes {
		payloadLen += s
	}

	var views buffer.VectorisedView
	views.AppendView(encodeHeader(opts, payloadLen))
	for _, s := range viewSizes {
		newView := buffer.NewView(s)
		if _, err := rand.Read(newView); err != nil {
			panic(fmt.Sprintf("rand.Read: %s", err))
		}
		views.AppendView(newView)
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Data:      views,
		OnRelease: onRelease,
	})
	pkt.TransportProtocolNumber = opts.Protocol
	return pkt
}

// MakeUDPPkt builds an IPv4 datagram carrying a UDP header and payload. The
// UDP checksum field holds the pseudo-header checksum and ChecksumUDP is
// requested, the way a transport asks for a delayed checksum.
func MakeUDPPkt(opts DatagramOptions, payload []byte, onRelease func()) *stack.PacketBuffer {
	opts.Protocol = header.UDPProtocolNumber
	udpLen := header.UDPMinimumSize + len(payload)
	seg := buffer.NewView(udpLen)
	header.UDP(seg).Encode(&header.UDPFields{
		SrcPort:  5353,
		DstPort:  9,
		Length:   uint16(udpLen),
		Checksum: header.PseudoHeaderChecksum(header.UDPProtocolNumber, opts.Src, opts.Dst, uint16(udpLen)),
	})
	copy(seg[header.UDPMinimumSize:], payload)

	var views buffer.VectorisedView
	views.AppendView(encodeHeader(opts, udpLen))
	views.AppendView(seg)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Data: views, OnRelease: onRelease})
	pkt.TransportProtocolNumber = header.UDPProtocolNumber
	pkt.CsumFlags = stack.ChecksumUDP
	pkt.CsumDataOffset = header.UDPChecksumOffset
	return pkt
}
