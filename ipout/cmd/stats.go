// Copyright 2023 The gVisor Authors.
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

package cmd

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/stack"
)

// Statistics output formats.
const (
	StatsFormatText       = "text"
	StatsFormatPrometheus = "prometheus"
)

// metricPrefix prefixes every exported metric name.
const metricPrefix = "ipout_ip_"

type ipCounter struct {
	name    string
	help    string
	counter *tcpip.StatCounter
}

func ipCounters(s *stack.Stack) []ipCounter {
	ip := &s.Stats().IP
	return []ipCounter{
		{"PacketsSent", "Datagrams and fragments handed to a link.", &ip.PacketsSent},
		{"OutgoingPacketErrors", "Datagrams that failed to send.", &ip.OutgoingPacketErrors},
		{"NoRoute", "Datagrams without a route.", &ip.NoRoute},
		{"RejectedRoute", "Datagrams refused by a reject route.", &ip.RejectedRoute},
		{"Fragmented", "Datagrams split into fragments.", &ip.Fragmented},
		{"FragmentsCreated", "Fragments created.", &ip.FragmentsCreated},
		{"FragmentationErrors", "Datagrams that could not be fragmented.", &ip.FragmentationErrors},
		{"CantFragment", "Oversized datagrams with DF set.", &ip.CantFragment},
		{"BroadcastDenied", "Broadcasts sent without permission.", &ip.BroadcastDenied},
		{"MulticastSent", "Multicast datagrams transmitted.", &ip.MulticastSent},
		{"LoopedBack", "Multicast copies delivered to the local host.", &ip.LoopedBack},
		{"FilterDropped", "Datagrams dropped by a filter.", &ip.FilterDropped},
		{"SoftwareChecksums", "Checksums computed in software.", &ip.SoftwareChecksums},
		{"OffloadedChecksums", "Checksums left to the link.", &ip.OffloadedChecksums},
	}
}

// printStats writes the non-zero IP counters to w.
func printStats(w io.Writer, s *stack.Stack) {
	for _, c := range ipCounters(s) {
		if v := c.counter.Value(); v != 0 {
			fmt.Fprintf(w, "%-22s %d\n", c.name, v)
		}
	}
}

// writeMetrics writes every IP counter to w in the Prometheus text
// exposition format.
func writeMetrics(w io.Writer, s *stack.Stack) error {
	counterType := dto.MetricType_COUNTER
	for _, c := range ipCounters(s) {
		name := metricName(c.name)
		help := c.help
		value := float64(c.counter.Value())
		mf := &dto.MetricFamily{
			Name: &name,
			Help: &help,
			Type: &counterType,
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: &value},
			}},
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// metricName turns a counter name like "PacketsSent" into
// "ipout_ip_packets_sent_total".
func metricName(counter string) string {
	var b strings.Builder
	b.WriteString(metricPrefix)
	for i, r := range counter {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	b.WriteString("_total")
	return b.String()
}
