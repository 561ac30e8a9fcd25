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

package hash

import (
	"testing"

	"netout.dev/netout/pkg/tcpip"
)

func TestIPv4FlowHash(t *testing.T) {
	src := tcpip.ParseAddress("10.0.0.1")
	dst := tcpip.ParseAddress("10.0.0.2")
	const iv = 0x1234

	if a, b := IPv4FlowHash(src, dst, 17, iv), IPv4FlowHash(src, dst, 17, iv); a != b {
		t.Fatalf("hash of one flow differs: %#x vs %#x", a, b)
	}
	for _, tc := range []struct {
		name     string
		src, dst tcpip.Address
		proto    uint8
	}{
		{"protocol", src, dst, 6},
		{"swapped", dst, src, 17},
		{"other destination", src, tcpip.ParseAddress("10.0.0.3"), 17},
	} {
		if IPv4FlowHash(tc.src, tc.dst, tc.proto, iv) == IPv4FlowHash(src, dst, 17, iv) {
			t.Errorf("%s: flow hashes collide", tc.name)
		}
	}
}

func TestRandN32(t *testing.T) {
	if got := len(RandN32(5)); got != 5 {
		t.Errorf("len(RandN32(5)) = %d", got)
	}
}

func TestRol32(t *testing.T) {
	for _, tc := range []struct {
		v, shift, want uint32
	}{
		{1, 1, 2},
		{0x80000000, 1, 1},
		{0x12345678, 0, 0x12345678},
		{0x12345678, 8, 0x34567812},
	} {
		if got := rol32(tc.v, tc.shift); got != tc.want {
			t.Errorf("rol32(%#x, %d) = %#x, want %#x", tc.v, tc.shift, got, tc.want)
		}
	}
}
