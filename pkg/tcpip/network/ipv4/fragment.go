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

package ipv4

import (
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// fragmentLength returns the payload each fragment of a datagram with the
// given header length carries over a link of the given MTU.
func fragmentLength(mtu uint32, hlen int) int {
	return (int(mtu) - hlen) &^ 7
}

// fragment splits pkt into fragments that fit mtu, in send order. It takes
// over pkt: the first fragment is pkt itself, trimmed. pkt must not fit mtu.
//
// A datagram that is already a fragment is split again; the offsets of the
// new fragments are relative to its own offset, and the last one keeps its
// MF flag.
func (p *Protocol) fragment(pkt *stack.PacketBuffer, mtu uint32) (stack.PacketBufferList, tcpip.Error) {
	var frags stack.PacketBufferList

	hdr, ok := pkt.NetworkHeader()
	if !ok {
		pkt.DecRef()
		return frags, &tcpip.ErrMalformedHeader{}
	}
	hlen := int(hdr.HeaderLength())
	total := pkt.Size()
	if int(hdr.TotalLength()) != total {
		pkt.DecRef()
		return frags, &tcpip.ErrMalformedHeader{}
	}

	fragLen := fragmentLength(mtu, hlen)
	if fragLen < header.MinIPFragmentPayloadSize {
		pkt.DecRef()
		return frags, &tcpip.ErrMessageTooLong{}
	}
	fields := hdr.Fields()
	lastOff := int(fields.FragmentOffset) + (total-hlen-1)/fragLen*fragLen
	if lastOff > header.IPv4MaximumFragmentOffset {
		pkt.DecRef()
		return frags, &tcpip.ErrMessageTooLong{}
	}

	// Hardware cannot checksum a transport segment spread over fragments.
	if pkt.CsumFlags&stack.ChecksumTransport != 0 {
		if err := computeTransportChecksum(pkt); err != nil {
			pkt.DecRef()
			return frags, err
		}
		p.stack.Stats().IP.SoftwareChecksums.Increment()
	}
	offloadHeader := pkt.CsumFlags&stack.ChecksumIPv4 != 0
	more := fields.Flags&header.IPv4FlagMoreFragments != 0
	copied := fields
	copied.Options = fields.Options.FragmentCopy()
	copied.Checksum = 0

	var rest []*stack.PacketBuffer
	for off := hlen + fragLen; off < total; off += fragLen {
		n := fragLen
		if total-off < n {
			n = total - off
		}
		payload, ok := pkt.CopyRange(off, n)
		if !ok {
			for _, f := range rest {
				f.DecRef()
			}
			pkt.DecRef()
			return frags, &tcpip.ErrMalformedHeader{}
		}

		f := copied
		f.FragmentOffset = fields.FragmentOffset + uint16(off-hlen)
		f.Flags &^= header.IPv4FlagMoreFragments
		if off+n < total || more {
			f.Flags |= header.IPv4FlagMoreFragments
		}
		h := buffer.NewView(f.HeaderLength())
		f.TotalLength = uint16(len(h) + n)
		header.IPv4(h).Encode(&f)
		if !offloadHeader {
			header.IPv4(h).UpdateChecksum()
		}

		var vv buffer.VectorisedView
		vv.AppendView(h)
		vv.AppendView(payload)
		frag := stack.NewPacketBuffer(stack.PacketBufferOptions{Data: vv})
		frag.NetworkProtocolNumber = pkt.NetworkProtocolNumber
		frag.TransportProtocolNumber = pkt.TransportProtocolNumber
		frag.CsumFlags = pkt.CsumFlags
		rest = append(rest, frag)
	}

	// The first fragment is the original, trimmed.
	pkt.CapLength(hlen + fragLen)
	hdr, ok = pkt.NetworkHeader()
	if !ok {
		for _, f := range rest {
			f.DecRef()
		}
		pkt.DecRef()
		return frags, &tcpip.ErrMalformedHeader{}
	}
	hdr.SetTotalLength(uint16(hlen + fragLen))
	hdr.SetFlagsFragmentOffset(fields.Flags|header.IPv4FlagMoreFragments, fields.FragmentOffset)
	if offloadHeader {
		hdr.SetChecksum(0)
	} else {
		hdr.UpdateChecksum()
	}

	frags.PushBack(pkt)
	for _, f := range rest {
		frags.PushBack(f)
	}
	return frags, nil
}
