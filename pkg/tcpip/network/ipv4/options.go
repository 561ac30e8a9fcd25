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

package ipv4

import (
	"netout.dev/netout/pkg/tcpip"
	"netout.dev/netout/pkg/tcpip/header"
)

// srrMinimumLength is the shortest source route option a sender may supply:
// type, length and pointer octets plus one address.
const srrMinimumLength = 3 + header.IPv4AddressSize

// Options are validated IP options ready to be spliced into datagrams.
//
// A loose or strict source route option supplied by the sender lists the
// first hop first. NewOptions moves that address to FirstHop and shifts the
// rest of the route down, leaving the last slot for the final destination,
// which Output fills in.
type Options struct {
	// FirstHop replaces the destination of the header when set. The
	// datagram is routed to it.
	FirstHop tcpip.Address

	bytes header.IPv4Options

	// srr is the offset of the source route option in bytes, or -1.
	srr int
}

// NewOptions validates raw as an IP option area. It returns nil for an
// option area that carries nothing.
func NewOptions(raw []byte) (*Options, tcpip.Error) {
	if len(raw) > header.IPv4MaximumOptionsSize {
		return nil, &tcpip.ErrInvalidOptionValue{}
	}
	o := &Options{srr: -1}
	out := make(header.IPv4Options, 0, len(raw))
	it := header.IPv4Options(raw).MakeIterator()
	for {
		opt, done, err := it.Next()
		if err != nil {
			return nil, &tcpip.ErrInvalidOptionValue{}
		}
		if done {
			break
		}
		switch opt.Type {
		case header.IPv4OptionLooseSourceRouteType, header.IPv4OptionStrictSourceRouteType:
			if o.srr >= 0 {
				return nil, &tcpip.ErrInvalidOptionValue{}
			}
			c := opt.Contents
			l := len(c)
			if l < srrMinimumLength || (l-3)%header.IPv4AddressSize != 0 || c[header.IPv4OptionPointerOffset] != header.IPv4OptionMinimumPointer {
				return nil, &tcpip.ErrInvalidOptionValue{}
			}
			o.FirstHop = tcpip.Address(append([]byte(nil), c[3:3+header.IPv4AddressSize]...))
			o.srr = len(out)
			out = append(out, c[:3]...)
			out = append(out, c[3+header.IPv4AddressSize:]...)
			// Slot for the final destination.
			out = append(out, make([]byte, header.IPv4AddressSize)...)
		default:
			out = append(out, opt.Contents...)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	out = out.Padded()
	if len(out) > header.IPv4MaximumOptionsSize {
		return nil, &tcpip.ErrInvalidOptionValue{}
	}
	o.bytes = out
	return o, nil
}

// Bytes returns the option area, padded to a multiple of 4.
func (o *Options) Bytes() header.IPv4Options {
	if o == nil {
		return nil
	}
	return o.bytes
}

// Len returns the size of the option area.
func (o *Options) Len() int {
	if o == nil {
		return 0
	}
	return len(o.bytes)
}

// SourceRouted reports whether the options carry a source route.
func (o *Options) SourceRouted() bool {
	return o != nil && o.srr >= 0
}

// build returns a copy of the option area for a datagram to dst. The final
// slot of a source route is filled with dst.
func (o *Options) build(dst tcpip.Address) header.IPv4Options {
	b := append(header.IPv4Options(nil), o.bytes...)
	if o.srr >= 0 {
		end := o.srr + int(b[o.srr+header.IPv4OptionLengthOffset])
		copy(b[end-header.IPv4AddressSize:end], dst)
	}
	return b
}
