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

// Package ipv4 contains the outbound path of the ipv4 network protocol.
//
// A Protocol is bound to one stack.Stack. Transports hand it finished
// datagrams through Output, or through an Endpoint which keeps per-socket
// options, multicast state and a route cache slot. Output resolves the
// route, applies the multicast and broadcast policy, assigns the
// identifier, negotiates checksums with the NIC, and either transmits the
// datagram or splits it into fragments.
package ipv4

import (
	"sync/atomic"
	"time"

	"netout.dev/netout/pkg/log"
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
	"netout.dev/netout/pkg/tcpip/stack"
)

const (
	// ProtocolName is the string representation of the ipv4 protocol name.
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// MaxTotalSize is maximum size that can be encoded in the 16-bit
	// TotalLength field of the ipv4 header.
	MaxTotalSize = 0xffff

	// DefaultTTL is the TTL given to datagrams whose transport left it
	// unset.
	DefaultTTL = 64

	// DefaultMulticastTTL is the TTL of multicast datagrams unless the
	// endpoint sets another.
	DefaultMulticastTTL = 1
)

// Protocol is the ipv4 output path of one stack.
type Protocol struct {
	stack *stack.Stack
	ids   *idGenerator

	defaultTTL atomic.Uint32

	// dropLog reports drops without flooding the log.
	dropLog log.Logger
}

// NewProtocol returns the ipv4 protocol bound to s.
func NewProtocol(s *stack.Stack) *Protocol {
	p := &Protocol{
		stack:   s,
		ids:     newIDGenerator(),
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}
	p.defaultTTL.Store(DefaultTTL)
	return p
}

// Number returns the ipv4 protocol number.
func (*Protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// Stack returns the stack p sends through.
func (p *Protocol) Stack() *stack.Stack {
	return p.stack
}

// DefaultTTL returns the TTL given to datagrams that carry none.
func (p *Protocol) DefaultTTL() uint8 {
	return uint8(p.defaultTTL.Load())
}

// SetDefaultTTL changes the TTL given to datagrams that carry none.
func (p *Protocol) SetDefaultTTL(ttl uint8) tcpip.Error {
	if ttl == 0 {
		return &tcpip.ErrInvalidOptionValue{}
	}
	p.defaultTTL.Store(uint32(ttl))
	return nil
}

// NewEndpoint returns an endpoint sending through p with default options.
func (p *Protocol) NewEndpoint() *Endpoint {
	return &Endpoint{proto: p}
}
