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

package tcpip

import (
	"fmt"
)

// Error represents an error in the netstack error space.
//
// The error interface is intentionally omitted to avoid loss of type
// information that would occur if these errors were passed as error.
type Error interface {
	isError()

	// IgnoreStats indicates whether this error should be included in failure
	// counts in tcpip.Stats structs.
	IgnoreStats() bool

	fmt.Stringer
}

// ErrAddressInUse indicates a membership or address is already present.
type ErrAddressInUse struct{}

func (*ErrAddressInUse) isError() {}

// IgnoreStats implements Error.
func (*ErrAddressInUse) IgnoreStats() bool {
	return true
}
func (*ErrAddressInUse) String() string { return "address already in use" }

// ErrBadLocalAddress indicates a bad local address was provided.
type ErrBadLocalAddress struct{}

func (*ErrBadLocalAddress) isError() {}

// IgnoreStats implements Error.
func (*ErrBadLocalAddress) IgnoreStats() bool {
	return false
}
func (*ErrBadLocalAddress) String() string { return "bad local address" }

// ErrBroadcastDisabled indicates broadcast is not enabled on the endpoint.
type ErrBroadcastDisabled struct{}

func (*ErrBroadcastDisabled) isError() {}

// IgnoreStats implements Error.
func (*ErrBroadcastDisabled) IgnoreStats() bool {
	return false
}
func (*ErrBroadcastDisabled) String() string { return "broadcast socket option disabled" }

// ErrDuplicateNICID indicates a duplicate NIC ID was provided.
type ErrDuplicateNICID struct{}

func (*ErrDuplicateNICID) isError() {}

// IgnoreStats implements Error.
func (*ErrDuplicateNICID) IgnoreStats() bool {
	return false
}
func (*ErrDuplicateNICID) String() string { return "duplicate nic id" }

// ErrHostDown indicates the destination host is known to be down.
type ErrHostDown struct{}

func (*ErrHostDown) isError() {}

// IgnoreStats implements Error.
func (*ErrHostDown) IgnoreStats() bool {
	return false
}
func (*ErrHostDown) String() string { return "host is down" }

// ErrHostUnreachable indicates that a destination host could not be reached.
type ErrHostUnreachable struct{}

func (*ErrHostUnreachable) isError() {}

// IgnoreStats implements Error.
func (*ErrHostUnreachable) IgnoreStats() bool {
	return false
}
func (*ErrHostUnreachable) String() string { return "no route to host" }

// ErrInvalidOptionValue indicates an invalid option value was provided.
type ErrInvalidOptionValue struct{}

func (*ErrInvalidOptionValue) isError() {}

// IgnoreStats implements Error.
func (*ErrInvalidOptionValue) IgnoreStats() bool {
	return false
}
func (*ErrInvalidOptionValue) String() string { return "invalid option value specified" }

// ErrMalformedHeader indicates the operation encountered a malformed header.
type ErrMalformedHeader struct{}

func (*ErrMalformedHeader) isError() {}

// IgnoreStats implements Error.
func (*ErrMalformedHeader) IgnoreStats() bool {
	return false
}
func (*ErrMalformedHeader) String() string { return "header is malformed" }

// ErrMessageTooLong indicates the operation encountered a message whose length
// exceeded the maximum permitted.
type ErrMessageTooLong struct{}

func (*ErrMessageTooLong) isError() {}

// IgnoreStats implements Error.
func (*ErrMessageTooLong) IgnoreStats() bool {
	return false
}
func (*ErrMessageTooLong) String() string { return "message too long" }

// ErrNetworkUnreachable indicates the operation is not able to reach the
// destination network.
type ErrNetworkUnreachable struct{}

func (*ErrNetworkUnreachable) isError() {}

// IgnoreStats implements Error.
func (*ErrNetworkUnreachable) IgnoreStats() bool {
	return false
}
func (*ErrNetworkUnreachable) String() string { return "network is unreachable" }

// ErrNoBufferSpace indicates no buffer space is available.
type ErrNoBufferSpace struct{}

func (*ErrNoBufferSpace) isError() {}

// IgnoreStats implements Error.
func (*ErrNoBufferSpace) IgnoreStats() bool {
	return false
}
func (*ErrNoBufferSpace) String() string { return "no buffer space available" }

// ErrNoLinkAddress indicates the link address of the next hop is unknown.
type ErrNoLinkAddress struct{}

func (*ErrNoLinkAddress) isError() {}

// IgnoreStats implements Error.
func (*ErrNoLinkAddress) IgnoreStats() bool {
	return false
}
func (*ErrNoLinkAddress) String() string { return "no remote link address" }

// ErrNotPermitted indicates the operation is not permitted.
type ErrNotPermitted struct{}

func (*ErrNotPermitted) isError() {}

// IgnoreStats implements Error.
func (*ErrNotPermitted) IgnoreStats() bool {
	return false
}
func (*ErrNotPermitted) String() string { return "operation not permitted" }

// ErrTooManyMemberships indicates the membership table of an endpoint is full.
type ErrTooManyMemberships struct{}

func (*ErrTooManyMemberships) isError() {}

// IgnoreStats implements Error.
func (*ErrTooManyMemberships) IgnoreStats() bool {
	return true
}
func (*ErrTooManyMemberships) String() string { return "too many multicast memberships" }

// ErrUnknownNICID indicates an unknown NIC ID was provided.
type ErrUnknownNICID struct{}

func (*ErrUnknownNICID) isError() {}

// IgnoreStats implements Error.
func (*ErrUnknownNICID) IgnoreStats() bool {
	return false
}
func (*ErrUnknownNICID) String() string { return "unknown nic id" }
