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
	"golang.org/x/sys/unix"
)

// ToErrno converts a tcpip Error into the errno a socket caller would observe.
// A nil Error maps to 0.
func ToErrno(err Error) unix.Errno {
	switch err.(type) {
	case nil:
		return 0
	case *ErrAddressInUse:
		return unix.EADDRINUSE
	case *ErrBadLocalAddress:
		return unix.EADDRNOTAVAIL
	case *ErrBroadcastDisabled:
		return unix.EACCES
	case *ErrDuplicateNICID:
		return unix.EEXIST
	case *ErrHostDown:
		return unix.EHOSTDOWN
	case *ErrHostUnreachable, *ErrNoLinkAddress:
		return unix.EHOSTUNREACH
	case *ErrInvalidOptionValue, *ErrMalformedHeader:
		return unix.EINVAL
	case *ErrMessageTooLong:
		return unix.EMSGSIZE
	case *ErrNetworkUnreachable:
		return unix.ENETUNREACH
	case *ErrNoBufferSpace:
		return unix.ENOBUFS
	case *ErrNotPermitted:
		return unix.EPERM
	case *ErrTooManyMemberships:
		return unix.ETOOMANYREFS
	case *ErrUnknownNICID:
		return unix.ENODEV
	default:
		panic("unknown tcpip error " + err.String())
	}
}

// TranslateErrno translate an errno from the syscall package into a
// tcpip Error.
//
// Valid, but unrecognized errnos will be translated to
// *ErrInvalidOptionValue (EINVAL). This includes the "zero" value.
func TranslateErrno(e unix.Errno) Error {
	switch e {
	case unix.EADDRINUSE:
		return &ErrAddressInUse{}
	case unix.EADDRNOTAVAIL:
		return &ErrBadLocalAddress{}
	case unix.EACCES:
		return &ErrBroadcastDisabled{}
	case unix.EEXIST:
		return &ErrDuplicateNICID{}
	case unix.EHOSTDOWN:
		return &ErrHostDown{}
	case unix.EHOSTUNREACH:
		return &ErrHostUnreachable{}
	case unix.EMSGSIZE:
		return &ErrMessageTooLong{}
	case unix.ENETUNREACH:
		return &ErrNetworkUnreachable{}
	case unix.ENOBUFS:
		return &ErrNoBufferSpace{}
	case unix.EPERM:
		return &ErrNotPermitted{}
	case unix.ETOOMANYREFS:
		return &ErrTooManyMemberships{}
	case unix.ENODEV:
		return &ErrUnknownNICID{}
	default:
		return &ErrInvalidOptionValue{}
	}
}
