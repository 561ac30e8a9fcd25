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

package ipv4

import (
	"math/bits"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/checksum"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

// gsoInEffect reports whether nic will segment pkt in hardware.
func gsoInEffect(pkt *stack.PacketBuffer, nic *stack.NIC) bool {
	return pkt.GSOOptions.Segments > 0 && nic.HasCapability(stack.CapabilityHWGSO)
}

// negotiateChecksums splits the checksums pkt needs between software and
// nic. The header checksum is always needed. Checksums nic computes on
// transmit stay in pkt.CsumFlags, the others are computed here. Under GSO
// every checksum is left to the hardware, since the segments do not exist
// yet.
func (p *Protocol) negotiateChecksums(pkt *stack.PacketBuffer, nic *stack.NIC) tcpip.Error {
	stats := &p.stack.Stats().IP
	requested := pkt.CsumFlags | stack.ChecksumIPv4
	if gsoInEffect(pkt, nic) {
		pkt.CsumFlags = requested
		stats.OffloadedChecksums.IncrementBy(uint64(bits.OnesCount8(uint8(requested))))
		return clearHeaderChecksum(pkt)
	}

	hw := nic.ChecksumOffload()
	sw := requested &^ hw
	pkt.CsumFlags = requested
	if sw&stack.ChecksumTransport != 0 {
		if err := computeTransportChecksum(pkt); err != nil {
			return err
		}
	}
	pkt.CsumFlags = requested & hw
	stats.SoftwareChecksums.IncrementBy(uint64(bits.OnesCount8(uint8(sw))))
	stats.OffloadedChecksums.IncrementBy(uint64(bits.OnesCount8(uint8(requested & hw))))

	// The header checksum goes last: computing the transport checksum may
	// move the header.
	if sw&stack.ChecksumIPv4 != 0 {
		hdr, ok := pkt.NetworkHeader()
		if !ok {
			return &tcpip.ErrMalformedHeader{}
		}
		hdr.UpdateChecksum()
		return nil
	}
	return clearHeaderChecksum(pkt)
}

// clearHeaderChecksum zeroes the header checksum field for the hardware to
// fill.
func clearHeaderChecksum(pkt *stack.PacketBuffer) tcpip.Error {
	hdr, ok := pkt.NetworkHeader()
	if !ok {
		return &tcpip.ErrMalformedHeader{}
	}
	hdr.SetChecksum(0)
	return nil
}

// finishChecksums computes in software every checksum still pending on
// pkt.
func finishChecksums(pkt *stack.PacketBuffer) tcpip.Error {
	if pkt.CsumFlags&stack.ChecksumTransport != 0 {
		if err := computeTransportChecksum(pkt); err != nil {
			return err
		}
	}
	if pkt.CsumFlags&stack.ChecksumIPv4 != 0 {
		hdr, ok := pkt.NetworkHeader()
		if !ok {
			return &tcpip.ErrMalformedHeader{}
		}
		hdr.UpdateChecksum()
	}
	pkt.CsumFlags = 0
	return nil
}

// transportChecksumOffset returns the offset of the transport checksum field
// in the transport header.
func transportChecksumOffset(pkt *stack.PacketBuffer) int {
	if pkt.CsumDataOffset != 0 {
		return int(pkt.CsumDataOffset)
	}
	if pkt.CsumFlags&stack.ChecksumTCP != 0 {
		return header.TCPChecksumOffset
	}
	return header.UDPChecksumOffset
}

// computeTransportChecksum computes the delayed transport checksum of pkt
// and clears its transport flags. The checksum field must hold the
// pseudo-header checksum, the way transports leave it when they request a
// delayed checksum.
func computeTransportChecksum(pkt *stack.PacketBuffer) tcpip.Error {
	hdr, ok := pkt.NetworkHeader()
	if !ok {
		return &tcpip.ErrMalformedHeader{}
	}
	hlen := int(hdr.HeaderLength())
	field := hlen + transportChecksumOffset(pkt)
	if _, ok := pkt.PullUp(field + checksum.Size); !ok {
		return &tcpip.ErrMalformedHeader{}
	}

	var c checksum.Checksumer
	skip := hlen
	for _, v := range pkt.Views() {
		if skip >= len(v) {
			skip -= len(v)
			continue
		}
		c.Add(v[skip:])
		skip = 0
	}
	xsum := ^c.Checksum()
	// A zero UDP checksum means none was computed.
	if xsum == 0 && pkt.CsumFlags&stack.ChecksumUDP != 0 {
		xsum = 0xffff
	}

	first, _ := pkt.PullUp(field + checksum.Size)
	checksum.Put(first[field:], xsum)
	pkt.CsumFlags &^= stack.ChecksumTransport
	return nil
}

// seedPseudoHeader rewrites the pseudo-header checksum left by the transport
// for a datagram whose source address changed after the transport built it.
func seedPseudoHeader(pkt *stack.PacketBuffer, src, dst tcpip.Address) tcpip.Error {
	if pkt.CsumFlags&stack.ChecksumTransport == 0 {
		return nil
	}
	hdr, ok := pkt.NetworkHeader()
	if !ok {
		return &tcpip.ErrMalformedHeader{}
	}
	hlen := int(hdr.HeaderLength())
	proto := tcpip.TransportProtocolNumber(hdr.Protocol())
	field := hlen + transportChecksumOffset(pkt)
	first, ok := pkt.PullUp(field + checksum.Size)
	if !ok {
		return &tcpip.ErrMalformedHeader{}
	}
	segLen := uint16(pkt.Size() - hlen)
	checksum.Put(first[field:], header.PseudoHeaderChecksum(proto, src, dst, segLen))
	return nil
}
