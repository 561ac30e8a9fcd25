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

package header_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
)

func TestIPv4EncodeOptions(t *testing.T) {
	tests := []struct {
		name         string
		options      header.IPv4Options
		wantHdrLen   uint8
		wantOptBytes header.IPv4Options
	}{
		{
			name:         "none",
			wantHdrLen:   header.IPv4MinimumSize,
			wantOptBytes: header.IPv4Options{},
		},
		{
			name:         "aligned",
			options:      header.IPv4Options{148, 4, 0, 0},
			wantHdrLen:   24,
			wantOptBytes: header.IPv4Options{148, 4, 0, 0},
		},
		{
			name:         "needs padding",
			options:      header.IPv4Options{1, 7, 3, 4, 0},
			wantHdrLen:   28,
			wantOptBytes: header.IPv4Options{1, 7, 3, 4, 0, 0, 0, 0},
		},
		{
			name:         "maximum",
			options:      make(header.IPv4Options, header.IPv4MaximumOptionsSize),
			wantHdrLen:   header.IPv4MaximumHeaderSize,
			wantOptBytes: make(header.IPv4Options, header.IPv4MaximumOptionsSize),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := make(header.IPv4, header.IPv4MaximumHeaderSize)
			// Dirty the buffer so padding is checked.
			for i := range b {
				b[i] = 0xff
			}
			b.Encode(&header.IPv4Fields{
				TotalLength: 100,
				Options:     test.options,
			})
			if got := b.HeaderLength(); got != test.wantHdrLen {
				t.Errorf("HeaderLength() = %d, want %d", got, test.wantHdrLen)
			}
			if got := header.IPVersion(b); got != header.IPv4Version {
				t.Errorf("IPVersion() = %d, want %d", got, header.IPv4Version)
			}
			if diff := cmp.Diff(test.wantOptBytes, b.Options()); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIPv4FieldsRoundTrip(t *testing.T) {
	want := header.IPv4Fields{
		TOS:            0x10,
		TotalLength:    1500,
		ID:             0xbeef,
		Flags:          header.IPv4FlagMoreFragments,
		FragmentOffset: 1480,
		TTL:            64,
		Protocol:       uint8(header.UDPProtocolNumber),
		SrcAddr:        tcpip.ParseAddress("10.0.0.1"),
		DstAddr:        tcpip.ParseAddress("10.0.1.2"),
		Options:        header.IPv4Options{131, 3, 4, 1},
	}
	b := make(header.IPv4, want.HeaderLength())
	b.Encode(&want)
	if diff := cmp.Diff(want, b.Fields()); diff != "" {
		t.Errorf("Fields() mismatch (-want +got):\n%s", diff)
	}
	if !b.More() {
		t.Error("More() = false, want true")
	}
	if got, want := b.Flags(), uint8(header.IPv4FlagMoreFragments); got != want {
		t.Errorf("Flags() = %d, want %d", got, want)
	}

	b.UpdateChecksum()
	if !b.IsChecksumValid() {
		t.Errorf("IsChecksumValid() = false after UpdateChecksum, checksum %#04x", b.Checksum())
	}
	b.SetTTL(63)
	if b.IsChecksumValid() {
		t.Error("IsChecksumValid() = true after changing TTL")
	}
}

func TestIPv4FlagsFragmentOffset(t *testing.T) {
	tests := []struct {
		flags  uint8
		offset uint16
		want   [2]byte
	}{
		{0, 0, [2]byte{0x00, 0x00}},
		{header.IPv4FlagDontFragment, 0, [2]byte{0x40, 0x00}},
		{header.IPv4FlagMoreFragments, 1480, [2]byte{0x20, 0xb9}},
		{0, header.IPv4MaximumFragmentOffset, [2]byte{0x1f, 0xff}},
	}
	for _, test := range tests {
		b := make(header.IPv4, header.IPv4MinimumSize)
		b.SetFlagsFragmentOffset(test.flags, test.offset)
		if got := [2]byte{b[6], b[7]}; got != test.want {
			t.Errorf("SetFlagsFragmentOffset(%d, %d) wrote %x, want %x", test.flags, test.offset, got, test.want)
		}
		if got := b.FragmentOffset(); got != test.offset {
			t.Errorf("FragmentOffset() = %d, want %d", got, test.offset)
		}
		if got := b.Flags(); got != test.flags {
			t.Errorf("Flags() = %d, want %d", got, test.flags)
		}
	}
}

func TestIPv4IsValid(t *testing.T) {
	good := make(header.IPv4, 28)
	good.Encode(&header.IPv4Fields{TotalLength: 28})

	tests := []struct {
		name    string
		b       header.IPv4
		pktSize int
		want    bool
	}{
		{"valid", good, 28, true},
		{"short", good[:10], 10, false},
		{"total length beyond packet", good, 27, false},
		{"wrong version", func() header.IPv4 {
			b := append(header.IPv4(nil), good...)
			b[0] = 0x65
			return b
		}(), 28, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.b.IsValid(test.pktSize); got != test.want {
				t.Errorf("IsValid(%d) = %t, want %t", test.pktSize, got, test.want)
			}
		})
	}
}

func TestIsV4MulticastAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"224.0.0.1", true},
		{"239.255.255.255", true},
		{"223.255.255.255", false},
		{"240.0.0.0", false},
		{"255.255.255.255", false},
	}
	for _, test := range tests {
		if got := header.IsV4MulticastAddress(tcpip.ParseAddress(test.addr)); got != test.want {
			t.Errorf("IsV4MulticastAddress(%s) = %t, want %t", test.addr, got, test.want)
		}
	}
}

func TestUDPChecksum(t *testing.T) {
	src := tcpip.ParseAddress("10.0.0.1")
	dst := tcpip.ParseAddress("10.0.0.2")
	u := make(header.UDP, header.UDPMinimumSize+5)
	copy(u.Payload(), "hello")
	u.Encode(&header.UDPFields{
		SrcPort: 1234,
		DstPort: 53,
		Length:  uint16(len(u)),
	})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(len(u)))
	u.SetChecksum(^checksumOf(u, xsum))
	if !u.IsChecksumValid(src, dst) {
		t.Fatalf("IsChecksumValid() = false, checksum %#04x", u.Checksum())
	}
	if u.IsChecksumValid(src, tcpip.ParseAddress("10.0.0.3")) {
		t.Error("IsChecksumValid() = true for wrong destination")
	}
}
