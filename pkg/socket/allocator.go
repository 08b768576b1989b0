/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package socket

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wiznet-go/w5kstack/pkg/apis"
)

// allocator tracks which of sockets 1..maxSockets-1 have been reserved
// by a long-lived caller (typically the BSD socket shim). Socket 0 is
// never reservable: it is the only socket capable of MACRAW mode and
// is kept free for the DHCP/DNS protocol clients. This is an
// instance-owned replacement for the original's class-level
// _sockets_reserved list (Design Note: explicit ownership over shared
// mutable class state).
type allocator struct {
	maxSockets int
	reserved   []bool // len == maxSockets-1, index i tracks socket i+1
}

func newAllocator(maxSockets int) *allocator {
	return &allocator{maxSockets: maxSockets, reserved: make([]bool, maxSockets-1)}
}

// statusFunc queries the live hardware status of a socket; GetSocket
// takes it as a parameter rather than holding a ChipIO reference so the
// allocator has no hardware dependency of its own.
type statusFunc func(ctx context.Context, sock int) (apis.SocketStatus, error)

// getSocket returns the first available socket, preferring socket 0 for
// non-reserved calls since it can never be reserved by anyone else.
func (a *allocator) getSocket(ctx context.Context, reserve bool, status statusFunc) (int, error) {
	if !reserve {
		st, err := status(ctx, 0)
		if err != nil {
			return -1, err
		}
		if st == apis.SockClosed {
			return 0, nil
		}
	}
	for i, r := range a.reserved {
		sock := i + 1
		if r {
			continue
		}
		st, err := status(ctx, sock)
		if err != nil {
			return -1, err
		}
		if st == apis.SockClosed {
			if reserve {
				a.reserved[i] = true
			}
			return sock, nil
		}
	}
	return -1, errors.Wrap(apis.ErrSocketExhausted, "all sockets in use")
}

// releaseSocket clears the reservation on sock, a no-op for socket 0
// since it is never tracked in the reserved array.
func (a *allocator) releaseSocket(sock int) error {
	if sock < 0 || sock >= a.maxSockets {
		return errors.Wrapf(apis.ErrInvalidArgument, "socket %d out of range", sock)
	}
	if sock == 0 {
		return nil
	}
	a.reserved[sock-1] = false
	return nil
}
