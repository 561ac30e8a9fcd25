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

// Package channel provides the implemention of channel-based data-link layer
// endpoints. Such endpoints store outbound packets in a bounded channel.
package channel

import (
	"context"
	"sync"

	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/stack"
)

// PacketInfo holds all the information about an outbound packet.
type PacketInfo struct {
	Pkt   *stack.PacketBuffer
	Proto tcpip.NetworkProtocolNumber
	Route stack.RouteInfo
}

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the outbound packet channel.
	c chan PacketInfo
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (PacketInfo, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case pkt := <-q.c:
		return pkt, true
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

func (q *queue) Write(p PacketInfo) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) Room() int {
	return cap(q.c) - len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Endpoint is link layer endpoint that stores outbound packets in a channel.
type Endpoint struct {
	LinkEPCapabilities stack.LinkEndpointCapabilities

	// ChecksumOffloadFlags are the checksums the endpoint claims to compute.
	ChecksumOffloadFlags stack.ChecksumFlags

	mu struct {
		sync.RWMutex
		mtu      uint32
		linkAddr tcpip.LinkAddress
	}

	// Outbound packet queue.
	q *queue
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.QueueingEndpoint = (*Endpoint)(nil)

// New creates a new channel endpoint.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	e := &Endpoint{
		q: &queue{
			c: make(chan PacketInfo, size),
		},
	}
	e.mu.mtu = mtu
	e.mu.linkAddr = linkAddr
	return e
}

// Close closes e. Further writes will panic. Reads continue to succeed until
// all packets are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound packets from the channel, releases them, and
// counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		p, ok := e.Read()
		if !ok {
			return c
		}
		p.Pkt.DecRef()
		c++
	}
}

// NumQueued returns the number of packet queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// QueueRoom implements stack.QueueingEndpoint.QueueRoom.
func (e *Endpoint) QueueRoom() int {
	return e.q.Room()
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mu.mtu
}

// SetMTU sets the MTU of the endpoint.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mu.mtu = mtu
}

// Capabilities implements stack.LinkEndpoint.Capabilities.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.LinkEPCapabilities
}

// ChecksumOffload implements stack.LinkEndpoint.ChecksumOffload.
func (e *Endpoint) ChecksumOffload() stack.ChecksumFlags {
	return e.ChecksumOffloadFlags
}

// LinkAddress returns the link address of this endpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mu.linkAddr
}

// SetLinkAddress sets the link address of this endpoint.
func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mu.linkAddr = addr
}

// WritePacket stores outbound packets into the channel. A full channel drops
// the packet and reports ErrNoBufferSpace.
func (e *Endpoint) WritePacket(r stack.RouteInfo, pkt *stack.PacketBuffer) tcpip.Error {
	p := PacketInfo{
		Pkt:   pkt,
		Proto: r.NetProto,
		Route: r,
	}
	if !e.q.Write(p) {
		pkt.DecRef()
		return &tcpip.ErrNoBufferSpace{}
	}
	return nil
}

// AddNotify adds a notification target for receiving event about outgoing
// packets.
func (e *Endpoint) AddNotify(notify Notification) *NotificationHandle {
	return e.q.AddNotify(notify)
}

// RemoveNotify removes handle from the list of notification targets.
func (e *Endpoint) RemoveNotify(handle *NotificationHandle) {
	e.q.RemoveNotify(handle)
}
