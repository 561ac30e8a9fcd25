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

package stack

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"netout.dev/netout/pkg/tcpip"
)

var subnetComparer = cmp.Comparer(func(a, b tcpip.Subnet) bool { return a.Equal(b) })

func mustSubnet(t *testing.T, s string, prefix int) tcpip.Subnet {
	t.Helper()
	sn, err := tcpip.NewSubnet(tcpip.ParseAddress(s), tcpip.MaskFromPrefix(prefix))
	if err != nil {
		t.Fatalf("NewSubnet(%s/%d): %s", s, prefix, err)
	}
	return sn
}

func TestRouteTableLongestPrefix(t *testing.T) {
	rt := newRouteTable()
	def := tcpip.Route{Destination: mustSubnet(t, "0.0.0.0", 0), Gateway: tcpip.ParseAddress("10.0.0.1"), NIC: 1}
	lan := tcpip.Route{Destination: mustSubnet(t, "10.0.0.0", 8), NIC: 1}
	host := tcpip.Route{Destination: mustSubnet(t, "10.1.2.3", 32), NIC: 2}
	other := tcpip.Route{Destination: mustSubnet(t, "10.1.0.0", 16), NIC: 3}
	for _, r := range []tcpip.Route{def, lan, host, other} {
		rt.add(r)
	}
	all := func(tcpip.Route) bool { return true }

	for _, tc := range []struct {
		dst  string
		want tcpip.Route
	}{
		{"8.8.8.8", def},
		{"10.9.9.9", lan},
		{"10.1.9.9", other},
		{"10.1.2.3", host},
	} {
		got, ok := rt.lookup(tcpip.ParseAddress(tc.dst), all)
		if !ok {
			t.Errorf("lookup(%s) found nothing", tc.dst)
			continue
		}
		if diff := cmp.Diff(tc.want, got, subnetComparer); diff != "" {
			t.Errorf("lookup(%s) mismatch (-want +got):\n%s", tc.dst, diff)
		}
	}

	// Unusable rows are skipped in favor of shorter prefixes.
	got, ok := rt.lookup(tcpip.ParseAddress("10.1.2.3"), func(r tcpip.Route) bool { return r.NIC == 1 })
	if !ok || got != lan {
		t.Errorf("lookup skipping NICs 2 and 3 = %s, %t, want %s", got, ok, lan)
	}

	if n := rt.removeNIC(1); n != 2 {
		t.Errorf("removeNIC(1) = %d, want 2", n)
	}
	if _, ok := rt.lookup(tcpip.ParseAddress("8.8.8.8"), all); ok {
		t.Error("default route survived removeNIC")
	}
	if !rt.remove(host) {
		t.Error("remove(host) = false")
	}
	if rt.remove(host) {
		t.Error("second remove(host) = true")
	}
	if diff := cmp.Diff([]tcpip.Route{other}, rt.all(), subnetComparer); diff != "" {
		t.Errorf("all() mismatch (-want +got):\n%s", diff)
	}
}

func TestRouteTableReplace(t *testing.T) {
	rt := newRouteTable()
	r := tcpip.Route{Destination: mustSubnet(t, "192.168.0.0", 24), NIC: 1}
	rt.add(r)
	r.MTU = 1280
	rt.add(r)
	rows := rt.all()
	if len(rows) != 1 || rows[0].MTU != 1280 {
		t.Errorf("all() = %v, want the single row with MTU 1280", rows)
	}
}
