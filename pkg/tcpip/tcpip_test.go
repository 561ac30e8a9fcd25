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

package tcpip

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSubnetContains(t *testing.T) {
	tests := []struct {
		s    Address
		m    AddressMask
		a    Address
		want bool
	}{
		{"\xa0\x00\x00\x00", "\xf0\x00\x00\x00", "\x90\x00\x00\x00", false},
		{"\xa0\x00\x00\x00", "\xf0\x00\x00\x00", "\xa0\x00\x00\x00", true},
		{"\xa0\x00\x00\x00", "\xf0\x00\x00\x00", "\xa5\x00\x00\x00", true},
		{"\xa0\x00\x00\x00", "\xf0\x00\x00\x00", "\xaf\x00\x00\x00", true},
		{"\xa0\x00\x00\x00", "\xf0\x00\x00\x00", "\xb0\x00\x00\x00", false},
		{"\xa0\x00\x00\x00", "\xf0\x00\x00\x00", "", false},
		{"\xc2\x80\x00\x00", "\xff\xf0\x00\x00", "\xc2\x80\x00\x00", true},
		{"\xc2\x80\x00\x00", "\xff\xf0\x00\x00", "\xc2\x00\x00\x00", false},
	}
	for _, tt := range tests {
		s, err := NewSubnet(tt.s, tt.m)
		if err != nil {
			t.Errorf("NewSubnet(%v, %v) = %v", tt.s, tt.m, err)
			continue
		}
		if got := s.Contains(tt.a); got != tt.want {
			t.Errorf("Subnet(%v).Contains(%v) = %v, want %v", s, tt.a, got, tt.want)
		}
	}
}

func TestSubnetBroadcast(t *testing.T) {
	tests := []struct {
		addr          AddressWithPrefix
		wantBroadcast Address
		isBroadcast   bool
	}{
		{AddressWithPrefix{ParseAddress("10.0.0.1"), 24}, ParseAddress("10.0.0.255"), true},
		{AddressWithPrefix{ParseAddress("192.168.1.7"), 30}, ParseAddress("192.168.1.7"), true},
		{AddressWithPrefix{ParseAddress("192.168.1.6"), 31}, ParseAddress("192.168.1.7"), false},
		{AddressWithPrefix{ParseAddress("192.168.1.6"), 32}, ParseAddress("192.168.1.6"), false},
	}
	for _, tt := range tests {
		s := tt.addr.Subnet()
		if got := s.Broadcast(); got != tt.wantBroadcast {
			t.Errorf("%s: Broadcast() = %s, want %s", tt.addr, got, tt.wantBroadcast)
		}
		if got := s.IsBroadcast(tt.wantBroadcast); got != tt.isBroadcast {
			t.Errorf("%s: IsBroadcast(%s) = %t, want %t", tt.addr, tt.wantBroadcast, got, tt.isBroadcast)
		}
	}
}

func TestNewSubnetRejectsHostBits(t *testing.T) {
	if _, err := NewSubnet(ParseAddress("10.0.0.1"), MaskFromPrefix(24)); err != ErrSubnetAddressMasked {
		t.Errorf("NewSubnet(10.0.0.1/24) = %v, want %v", err, ErrSubnetAddressMasked)
	}
	if _, err := NewSubnet(ParseAddress("10.0.0.0"), "\xff"); err != ErrSubnetLengthMismatch {
		t.Errorf("NewSubnet with short mask = %v, want %v", err, ErrSubnetLengthMismatch)
	}
}

func TestParseAddress(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Address
	}{
		{"10.0.0.1", "\x0a\x00\x00\x01"},
		{"255.255.255.255", "\xff\xff\xff\xff"},
		{"10.0.0", ""},
		{"10.0.0.256", ""},
		{"a.b.c.d", ""},
	} {
		if got := ParseAddress(tt.in); got != tt.want {
			t.Errorf("ParseAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseMACAddress(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    LinkAddress
		wantErr bool
	}{
		{in: "02:00:00:00:00:fe", want: "\x02\x00\x00\x00\x00\xfe"},
		{in: "AA-BB-CC-11-22-33", want: "\xaa\xbb\xcc\x11\x22\x33"},
		{in: "02:00:00:00:00", wantErr: true},
		{in: "02:00:00:00:00:zz", wantErr: true},
	} {
		got, err := ParseMACAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMACAddress(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMACAddress(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMaskFromPrefix(t *testing.T) {
	for _, p := range []int{0, 1, 7, 8, 9, 24, 31, 32} {
		if got := MaskFromPrefix(p).Prefix(); got != p {
			t.Errorf("MaskFromPrefix(%d).Prefix() = %d", p, got)
		}
	}
}

func TestErrnoRoundTrip(t *testing.T) {
	for _, err := range []Error{
		&ErrAddressInUse{},
		&ErrBadLocalAddress{},
		&ErrBroadcastDisabled{},
		&ErrHostDown{},
		&ErrHostUnreachable{},
		&ErrMessageTooLong{},
		&ErrNetworkUnreachable{},
		&ErrNoBufferSpace{},
		&ErrNotPermitted{},
		&ErrTooManyMemberships{},
		&ErrUnknownNICID{},
	} {
		errno := ToErrno(err)
		if got := TranslateErrno(errno); got.String() != err.String() {
			t.Errorf("TranslateErrno(ToErrno(%s)) = %s", err, got)
		}
	}
	if got := ToErrno(nil); got != 0 {
		t.Errorf("ToErrno(nil) = %d, want 0", got)
	}
	if got := ToErrno(&ErrNoLinkAddress{}); got != unix.EHOSTUNREACH {
		t.Errorf("ToErrno(ErrNoLinkAddress) = %s, want EHOSTUNREACH", got)
	}
}
