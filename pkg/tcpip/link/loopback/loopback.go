// Copyright 2018 Google LLC
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

// Package loopback provides the implemention of loopback data-link layer
// endpoints. Such endpoints just turn outbound packets into inbound ones.
//
// Loopback endpoints can be used in the networking stack by calling New() to
// create a new endpoint, and then passing it as an argument to
// Stack.CreateNIC(). Inbound packets go to a Dispatcher; an Inbox is a
// Dispatcher that queues them for reading, and doubles as the stack's
// receiver of looped back multicast copies.
package loopback

import (
	"context"
	"sync/atomic"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/stack"
)

// MTU matches the linux loopback interface.
const MTU = 65536

// Dispatcher receives the packets a loopback endpoint turns around.
type Dispatcher interface {
	// DeliverNetworkPacket takes over pkt.
	DeliverNetworkPacket(nic tcpip.NICID, protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer)
}

// Endpoint is a loopback link endpoint.
type Endpoint struct {
	dispatcher atomic.Pointer[dispatcherHolder]
}

type dispatcherHolder struct {
	d Dispatcher
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New creates a new loopback endpoint delivering to d. A nil d drops every
// packet until Attach is called.
func New(d Dispatcher) *Endpoint {
	e := &Endpoint{}
	e.Attach(d)
	return e
}

// Attach replaces the dispatcher packets are delivered to.
func (e *Endpoint) Attach(d Dispatcher) {
	if d == nil {
		e.dispatcher.Store(nil)
		return
	}
	e.dispatcher.Store(&dispatcherHolder{d: d})
}

// IsAttached reports whether the endpoint has a dispatcher.
func (e *Endpoint) IsAttached() bool {
	return e.dispatcher.Load() != nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (*Endpoint) MTU() uint32 {
	return MTU
}

// Capabilities implements stack.LinkEndpoint.Capabilities. Loopback delivers
// broadcast and multicast datagrams to the local host like any other.
func (*Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityLoopback | stack.CapabilityMulticast | stack.CapabilityBroadcast
}

// ChecksumOffload implements stack.LinkEndpoint.ChecksumOffload. Loopback
// advertises every checksum as offloaded, but in reality it's just omitted.
func (*Endpoint) ChecksumOffload() stack.ChecksumFlags {
	return stack.ChecksumIPv4 | stack.ChecksumTransport
}

// LinkAddress returns the link address of this endpoint.
func (*Endpoint) LinkAddress() tcpip.LinkAddress {
	return ""
}

// WritePacket implements stack.LinkEndpoint.WritePacket. It delivers outbound
// packets to the dispatcher.
func (e *Endpoint) WritePacket(r stack.RouteInfo, pkt *stack.PacketBuffer) tcpip.Error {
	h := e.dispatcher.Load()
	if h == nil {
		pkt.DecRef()
		return &tcpip.ErrNetworkUnreachable{}
	}
	// Because we're immediately turning the packet around, the link
	// addresses of the route are not preserved.
	h.d.DeliverNetworkPacket(r.NIC, r.NetProto, pkt)
	return nil
}

// Inbox queues delivered packets for reading. It serves both as the
// Dispatcher of loopback endpoints and as the stack's LoopbackDispatcher.
type Inbox struct {
	c       chan *stack.PacketBuffer
	dropped atomic.Uint64
}

var _ Dispatcher = (*Inbox)(nil)
var _ stack.LoopbackDispatcher = (*Inbox)(nil)

// NewInbox returns an inbox holding up to size packets. Packets delivered to
// a full inbox are dropped.
func NewInbox(size int) *Inbox {
	return &Inbox{c: make(chan *stack.PacketBuffer, size)}
}

// DeliverNetworkPacket implements Dispatcher.DeliverNetworkPacket.
func (in *Inbox) DeliverNetworkPacket(_ tcpip.NICID, _ tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	in.deliver(pkt)
}

// DeliverLoopback implements stack.LoopbackDispatcher.DeliverLoopback.
func (in *Inbox) DeliverLoopback(_ *stack.NIC, pkt *stack.PacketBuffer) {
	in.deliver(pkt)
}

func (in *Inbox) deliver(pkt *stack.PacketBuffer) {
	select {
	case in.c <- pkt:
	default:
		in.dropped.Add(1)
		pkt.DecRef()
	}
}

// Read returns the next queued packet without blocking. The caller owns the
// returned packet.
func (in *Inbox) Read() (*stack.PacketBuffer, bool) {
	select {
	case pkt := <-in.c:
		return pkt, true
	default:
		return nil, false
	}
}

// ReadContext waits for the next packet until ctx is done.
func (in *Inbox) ReadContext(ctx context.Context) (*stack.PacketBuffer, bool) {
	select {
	case pkt := <-in.c:
		return pkt, true
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of queued packets.
func (in *Inbox) Len() int {
	return len(in.c)
}

// Dropped returns the number of packets dropped because the inbox was full.
func (in *Inbox) Dropped() uint64 {
	return in.dropped.Load()
}

// Drain releases every queued packet and returns how many there were.
func (in *Inbox) Drain() int {
	n := 0
	for {
		pkt, ok := in.Read()
		if !ok {
			return n
		}
		pkt.DecRef()
		n++
	}
}
