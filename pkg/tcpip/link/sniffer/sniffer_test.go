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

package sniffer_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/buffer"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/link/channel"
	"netout.dev/netout/pkg/tcpip/link/sniffer"
	"netout.dev/netout/pkg/tcpip/stack"
)

var (
	srcAddr = tcpip.ParseAddress("10.0.0.1")
	dstAddr = tcpip.ParseAddress("10.0.0.2")
)

func udpPacket(payloadLen int, flags uint8, offset uint16) *stack.PacketBuffer {
	seg := buffer.NewView(header.UDPMinimumSize + payloadLen)
	header.UDP(seg).Encode(&header.UDPFields{
		SrcPort: 5353,
		DstPort: 9,
		Length:  uint16(len(seg)),
	})
	hdr := buffer.NewView(header.IPv4MinimumSize)
	header.IPv4(hdr).Encode(&header.IPv4Fields{
		TotalLength:    uint16(header.IPv4MinimumSize + len(seg)),
		ID:             0x1234,
		Flags:          flags,
		FragmentOffset: offset,
		TTL:            64,
		Protocol:       uint8(header.UDPProtocolNumber),
		SrcAddr:        srcAddr,
		DstAddr:        dstAddr,
	})
	header.IPv4(hdr).UpdateChecksum()
	var vv buffer.VectorisedView
	vv.AppendView(hdr)
	vv.AppendView(seg)
	return stack.NewPacketBuffer(stack.PacketBufferOptions{Data: vv})
}

// recordingLogger keeps every info line.
type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Debugf(string, ...any)          {}
func (l *recordingLogger) Warningf(string, ...any)        {}
func (l *recordingLogger) IsLogging(level log.Level) bool { return level <= log.Info }
func (l *recordingLogger) Infof(format string, v ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func TestPCAP(t *testing.T) {
	const snapLen = 64
	lower := channel.New(4, 1500, "")
	defer lower.Drain()
	var out bytes.Buffer
	ep, err := sniffer.NewWithWriter(lower, &out, snapLen)
	if err != nil {
		t.Fatalf("NewWithWriter: %s", err)
	}

	var want [][]byte
	for _, size := range []int{10, 200} {
		pkt := udpPacket(size, 0, 0)
		want = append(want, append([]byte(nil), pkt.ToView()...))
		if err := ep.WritePacket(stack.RouteInfo{NIC: 1, NextHop: dstAddr}, pkt); err != nil {
			t.Fatalf("WritePacket: %s", err)
		}
	}
	if n := lower.NumQueued(); n != 2 {
		t.Errorf("got %d packets on the lower endpoint, want 2", n)
	}

	r, err := pcapgo.NewReader(&out)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %s", err)
	}
	if got := r.LinkType(); got != layers.LinkTypeRaw {
		t.Errorf("got link type %s, want %s", got, layers.LinkTypeRaw)
	}
	if got := r.Snaplen(); got != snapLen {
		t.Errorf("got snaplen %d, want %d", got, snapLen)
	}
	for i, w := range want {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			t.Fatalf("record %d: %s", i, err)
		}
		if ci.Length != len(w) {
			t.Errorf("record %d: original length %d, want %d", i, ci.Length, len(w))
		}
		if len(w) > snapLen {
			w = w[:snapLen]
		}
		if diff := cmp.Diff(w, data); diff != "" {
			t.Errorf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestQueueRoomVisible(t *testing.T) {
	lower := channel.New(3, 1500, "")
	ep := sniffer.NewWithLogger(lower, &recordingLogger{})
	q, ok := ep.(stack.QueueingEndpoint)
	if !ok {
		t.Fatalf("sniffer over a queueing endpoint does not report its queue")
	}
	if got := q.QueueRoom(); got != 3 {
		t.Errorf("got QueueRoom() = %d, want 3", got)
	}
}

func TestLogSummary(t *testing.T) {
	for _, test := range []struct {
		name   string
		pkt    *stack.PacketBuffer
		route  stack.RouteInfo
		want   []string
		reject []string
	}{
		{
			name:  "udp",
			pkt:   udpPacket(100, header.IPv4FlagDontFragment, 0),
			route: stack.RouteInfo{NIC: 1, NextHop: dstAddr},
			want:  []string{"send nic 1 udp 10.0.0.1:5353 -> 10.0.0.2:9", "len:100", "id:1234", "ttl:64", " df"},
		},
		{
			name:   "first fragment via gateway",
			pkt:    udpPacket(100, header.IPv4FlagMoreFragments, 0),
			route:  stack.RouteInfo{NIC: 2, NextHop: tcpip.ParseAddress("10.0.0.254")},
			want:   []string{"send nic 2 via 10.0.0.254 udp 10.0.0.1:5353 -> 10.0.0.2:9", "frag:0+"},
			reject: []string{" df"},
		},
		{
			name:  "later fragment",
			pkt:   udpPacket(100, 0, 1480),
			route: stack.RouteInfo{NIC: 1, NextHop: dstAddr},
			want:  []string{"send nic 1 UDP 10.0.0.1 -> 10.0.0.2", "frag:1480"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			lower := channel.New(1, 1500, "")
			defer lower.Drain()
			logger := &recordingLogger{}
			ep := sniffer.NewWithLogger(lower, logger)
			if err := ep.WritePacket(test.route, test.pkt); err != nil {
				t.Fatalf("WritePacket: %s", err)
			}
			if len(logger.lines) != 1 {
				t.Fatalf("got %d log lines, want 1: %q", len(logger.lines), logger.lines)
			}
			line := logger.lines[0]
			for _, w := range test.want {
				if !strings.Contains(line, w) {
					t.Errorf("log line %q does not contain %q", line, w)
				}
			}
			for _, r := range test.reject {
				if strings.Contains(line, r) {
					t.Errorf("log line %q contains %q", line, r)
				}
			}
		})
	}
}

func TestLogPacketsDisabled(t *testing.T) {
	sniffer.LogPackets.Store(false)
	defer sniffer.LogPackets.Store(true)

	lower := channel.New(1, 1500, "")
	defer lower.Drain()
	logger := &recordingLogger{}
	ep := sniffer.NewWithLogger(lower, logger)
	if err := ep.WritePacket(stack.RouteInfo{NIC: 1}, udpPacket(10, 0, 0)); err != nil {
		t.Fatalf("WritePacket: %s", err)
	}
	if len(logger.lines) != 0 {
		t.Errorf("got log lines %q with logging disabled", logger.lines)
	}
}
