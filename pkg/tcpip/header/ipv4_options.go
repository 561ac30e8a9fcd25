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

package header

import (
	"errors"
)

// IPv4OptionType represents the type of an IPv4 option.
type IPv4OptionType = uint8

const (
	// IPv4OptionListEndType is the option type for the End Of Option List
	// option. Anything following is ignored.
	IPv4OptionListEndType IPv4OptionType = 0

	// IPv4OptionNOPType is the No-Operation option. May appear between other
	// options and may appear multiple times.
	IPv4OptionNOPType IPv4OptionType = 1

	// IPv4OptionRecordRouteType is used by each router on the path of the
	// packet to record its path. It is carried over to an Echo Reply.
	IPv4OptionRecordRouteType IPv4OptionType = 7

	// IPv4OptionTimestampType is the option type for the Timestamp option.
	IPv4OptionTimestampType IPv4OptionType = 68

	// IPv4OptionLooseSourceRouteType is the option type for the Loose Source
	// and Record Route option.
	IPv4OptionLooseSourceRouteType IPv4OptionType = 131

	// IPv4OptionStrictSourceRouteType is the option type for the Strict
	// Source and Record Route option.
	IPv4OptionStrictSourceRouteType IPv4OptionType = 137

	// IPv4OptionRouterAlertType is the option type for the Router Alert
	// option defined in RFC 2113.
	IPv4OptionRouterAlertType IPv4OptionType = 148

	// ipv4OptionCopiedMask is the copied flag of the option type octet. Options
	// with this bit set are replicated into every fragment.
	ipv4OptionCopiedMask = 0x80

	// IPv4OptionLengthOffset is the offset of the length octet in a
	// multi-byte option.
	IPv4OptionLengthOffset = 1

	// IPv4OptionPointerOffset is the offset of the pointer octet in route
	// recording options.
	IPv4OptionPointerOffset = 2

	// IPv4OptionMinimumPointer is the smallest legal value of a route
	// recording option pointer. It points just past the pointer octet, one
	// based.
	IPv4OptionMinimumPointer = 4
)

var (
	// ErrIPv4OptionTruncated is returned when an option runs past the end of
	// the option area.
	ErrIPv4OptionTruncated = errors.New("ipv4 option truncated")

	// ErrIPv4OptionLength is returned when an option length octet is smaller
	// than the type and length octets themselves.
	ErrIPv4OptionLength = errors.New("ipv4 option length invalid")
)

// IPv4OptionCopied reports whether options of type t must be copied into
// every fragment.
func IPv4OptionCopied(t IPv4OptionType) bool {
	return t&ipv4OptionCopiedMask != 0
}

// IPv4Options is a buffer that holds all the raw IP options.
type IPv4Options []byte

// IPv4Option is one option in an option area.
type IPv4Option struct {
	// Type is the option type octet.
	Type IPv4OptionType

	// Contents holds the whole option, type and length octets included. It
	// aliases the option area.
	Contents []byte
}

// IPv4OptionIterator walks an option area.
type IPv4OptionIterator struct {
	options IPv4Options
	offset  int
}

// MakeIterator returns an iterator over the options in o.
func (o IPv4Options) MakeIterator() IPv4OptionIterator {
	return IPv4OptionIterator{options: o}
}

// Next returns the next option. done is true once the option list end or the
// end of the buffer is reached. The End Of Option List marker is not returned.
func (i *IPv4OptionIterator) Next() (opt IPv4Option, done bool, err error) {
	if i.offset >= len(i.options) {
		return IPv4Option{}, true, nil
	}
	t := i.options[i.offset]
	switch t {
	case IPv4OptionListEndType:
		i.offset = len(i.options)
		return IPv4Option{}, true, nil
	case IPv4OptionNOPType:
		opt := IPv4Option{Type: t, Contents: i.options[i.offset : i.offset+1]}
		i.offset++
		return opt, false, nil
	}
	if i.offset+IPv4OptionLengthOffset >= len(i.options) {
		return IPv4Option{}, false, ErrIPv4OptionTruncated
	}
	l := int(i.options[i.offset+IPv4OptionLengthOffset])
	if l < 2 {
		return IPv4Option{}, false, ErrIPv4OptionLength
	}
	if i.offset+l > len(i.options) {
		return IPv4Option{}, false, ErrIPv4OptionTruncated
	}
	opt = IPv4Option{Type: t, Contents: i.options[i.offset : i.offset+l]}
	i.offset += l
	return opt, false, nil
}

// Validate walks the whole option area and returns the first error found.
func (o IPv4Options) Validate() error {
	it := o.MakeIterator()
	for {
		_, done, err := it.Next()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// FragmentCopy returns the options that must be carried by every fragment
// after the first. Options with the copied flag are kept, NOPs are kept so
// later options stay aligned, everything else is dropped. The result is
// padded with IPv4OptionListEndType to a multiple of 4 bytes.
//
// A malformed option ends the walk; the options before it are returned.
func (o IPv4Options) FragmentCopy() IPv4Options {
	out := make(IPv4Options, 0, len(o))
	it := o.MakeIterator()
	for {
		opt, done, err := it.Next()
		if done || err != nil {
			break
		}
		if opt.Type == IPv4OptionNOPType || IPv4OptionCopied(opt.Type) {
			out = append(out, opt.Contents...)
		}
	}
	for len(out)%4 != 0 {
		out = append(out, IPv4OptionListEndType)
	}
	return out
}

// Padded returns o padded with IPv4OptionListEndType to a multiple of 4.
func (o IPv4Options) Padded() IPv4Options {
	n := paddedLength(len(o))
	if n == len(o) {
		return o
	}
	out := make(IPv4Options, n)
	copy(out, o)
	return out
}
