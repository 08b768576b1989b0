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

// Package bsdsock implements the Berkeley-socket compatibility shim
// described at spec.md's interface level only (AF_INET/SOCK_STREAM/
// SOCK_DGRAM): thin glue over pkg/socket (via pkg/netif) that resolves
// the apis.Endpoint sum type exactly once, at the API boundary,
// replacing the original's dynamic "address is a string or a tuple"
// typing (Design Note 9).
package bsdsock

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/wiznet-go/w5kstack/pkg/apis"
	"github.com/wiznet-go/w5kstack/pkg/netif"
)

// Family restricts this shim to AF_INET, the only family the chip can
// terminate.
type Family int

const AFInet Family = 1

// Type selects the socket's transport.
type Type int

const (
	SockStream Type = iota // TCP
	SockDgram              // UDP
)

func (t Type) protocol() apis.Protocol {
	if t == SockDgram {
		return apis.ProtoUDP
	}
	return apis.ProtoTCP
}

// SocketEngine is the method subset of *socket.Engine the shim drives;
// kept as an interface so tests can substitute a fake hardware engine.
type SocketEngine interface {
	Open(ctx context.Context, sock int, proto apis.Protocol, srcPort uint16) error
	Connect(ctx context.Context, sock int, proto apis.Protocol, srcPort uint16, peer apis.Endpoint) error
	Listen(ctx context.Context, sock int, port uint16, proto apis.Protocol) error
	Accept(ctx context.Context, sock int) (int, apis.Endpoint, error)
	Recv(ctx context.Context, sock int, maxLen int) ([]byte, error)
	RecvUDP(ctx context.Context, sock int, maxLen int) ([]byte, apis.Endpoint, error)
	Write(ctx context.Context, sock int, buf []byte, timeout time.Duration) (int, error)
	Close(ctx context.Context, sock int) error
}

// Iface is the narrow slice of *netif.NetInterface the shim depends on,
// kept as an interface so tests can substitute a fake without standing
// up real chip hardware.
type Iface interface {
	GetSocket(ctx context.Context, reserve bool) (int, error)
	ReleaseSocket(sock int) error
	Engine() SocketEngine
	Ifconfig(ctx context.Context) (ip, mask, gw, dns [4]byte, err error)
	GetHostByName(ctx context.Context, host string) ([4]byte, error)
}

// ifaceAdapter lets a real *netif.NetInterface satisfy Iface: its
// Engine() returns a concrete *socket.Engine, which already implements
// SocketEngine's method set, so only the return type needs restating.
type ifaceAdapter struct{ *netif.NetInterface }

func (a ifaceAdapter) Engine() SocketEngine { return a.NetInterface.Engine() }

// Wrap adapts a *netif.NetInterface to the Iface this package consumes.
func Wrap(n *netif.NetInterface) Iface { return ifaceAdapter{n} }

// Socket is one Berkeley-style socket backed by one reserved hardware
// socket. Unlike pkg/socket.Engine it remembers its own protocol,
// timeout, and blocking mode, since those are per-object BSD-socket
// concepts the hardware register layer has no notion of.
type Socket struct {
	iface     Iface
	typ       Type
	sock      int
	localPort uint16
	timeout   time.Duration // 0 = block indefinitely, matching settimeout(None)
	blocking  bool
	closed    bool
}

// New allocates a hardware socket for family/typ. Only AFInet and
// SockStream/SockDgram are supported, per spec.md 6's explicit
// restriction.
func New(ctx context.Context, iface Iface, family Family, typ Type) (*Socket, error) {
	if family != AFInet {
		return nil, errors.Wrapf(apis.ErrInvalidArgument, "unsupported address family %d", family)
	}
	sock, err := iface.GetSocket(ctx, true)
	if err != nil {
		return nil, err
	}
	return &Socket{iface: iface, typ: typ, sock: sock, blocking: true}, nil
}

// Bind assigns the local port (and, optionally, validates the local
// IP). ip must be nil or equal to the interface's assigned address,
// since every hardware socket on this chip shares one IP.
func (s *Socket) Bind(ctx context.Context, ip *[4]byte, port uint16) error {
	if ip != nil {
		cur, _, _, _, err := s.iface.Ifconfig(ctx)
		if err != nil {
			return err
		}
		if *ip != cur {
			return errors.Wrapf(apis.ErrInvalidArgument, "cannot bind to %s, interface address is %s", apis.PrettyIP(*ip), apis.PrettyIP(cur))
		}
	}
	s.localPort = port
	return nil
}

// Listen opens the socket for proto and issues LISTEN on the bound
// port. backlog is accepted for Berkeley-socket API compatibility but
// unused: the chip's accept handoff always allocates exactly one fresh
// socket per connection (spec.md 4.4's Accept).
func (s *Socket) Listen(ctx context.Context, backlog int) error {
	return s.iface.Engine().Listen(ctx, s.sock, s.localPort, s.typ.protocol())
}

// Accept blocks until a peer connects, returning a new Socket wrapping
// the freshly allocated hardware socket and the peer's endpoint.
func (s *Socket) Accept(ctx context.Context) (*Socket, apis.Endpoint, error) {
	next, peer, err := s.iface.Engine().Accept(ctx, s.sock)
	if err != nil {
		return nil, apis.Endpoint{}, err
	}
	return &Socket{iface: s.iface, typ: s.typ, sock: next, blocking: s.blocking}, peer, nil
}

// Connect resolves endpoint (if it names a host rather than an IP) and
// drives the socket through open+connect, per spec.md 4.4.
func (s *Socket) Connect(ctx context.Context, endpoint apis.Endpoint) error {
	resolved, err := s.resolve(ctx, endpoint)
	if err != nil {
		return err
	}
	return s.iface.Engine().Connect(ctx, s.sock, s.typ.protocol(), s.localPort, resolved)
}

// resolve collapses a possibly-host-named endpoint into a resolved one,
// the one place pkg/dns is invoked from the socket boundary (Design
// Note 9).
func (s *Socket) resolve(ctx context.Context, endpoint apis.Endpoint) (apis.Endpoint, error) {
	if endpoint.Resolved() {
		return endpoint, nil
	}
	ip, err := s.iface.GetHostByName(ctx, endpoint.Host())
	if err != nil {
		return apis.Endpoint{}, errors.Wrapf(err, "resolving %q", endpoint.Host())
	}
	return endpoint.WithIP(ip), nil
}

// Send writes buf to an already-connected socket.
func (s *Socket) Send(ctx context.Context, buf []byte) (int, error) {
	return s.iface.Engine().Write(ctx, s.sock, buf, s.timeout)
}

// SendTo resolves endpoint and retargets a UDP socket's destination
// before writing, mirroring the original's combined connect+send for
// connectionless sockets.
func (s *Socket) SendTo(ctx context.Context, buf []byte, endpoint apis.Endpoint) (int, error) {
	if s.typ != SockDgram {
		return 0, errors.Wrap(apis.ErrInvalidArgument, "sendto is only valid on SOCK_DGRAM sockets")
	}
	resolved, err := s.resolve(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	if err := s.iface.Engine().Connect(ctx, s.sock, apis.ProtoUDP, s.localPort, resolved); err != nil {
		return 0, err
	}
	return s.iface.Engine().Write(ctx, s.sock, buf, s.timeout)
}

// Recv reads up to maxLen bytes from a connected (TCP) socket.
func (s *Socket) Recv(ctx context.Context, maxLen int) ([]byte, error) {
	return s.iface.Engine().Recv(ctx, s.sock, maxLen)
}

// RecvFrom reads one UDP datagram and its sender's endpoint.
func (s *Socket) RecvFrom(ctx context.Context, maxLen int) ([]byte, apis.Endpoint, error) {
	if s.typ != SockDgram {
		return nil, apis.Endpoint{}, errors.Wrap(apis.ErrInvalidArgument, "recvfrom is only valid on SOCK_DGRAM sockets")
	}
	return s.iface.Engine().RecvUDP(ctx, s.sock, maxLen)
}

// RecvInto reads into a caller-supplied buffer, returning the number of
// bytes copied, matching recv_into's zero-copy intent as closely as a
// register-polled ring buffer allows.
func (s *Socket) RecvInto(ctx context.Context, buf []byte) (int, error) {
	data, err := s.iface.Engine().Recv(ctx, s.sock, len(buf))
	if err != nil {
		return 0, err
	}
	n := copy(buf, data)
	return n, nil
}

// Close releases the hardware socket back to the allocator.
func (s *Socket) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.iface.Engine().Close(ctx, s.sock); err != nil {
		return err
	}
	klog.V(2).Infof("bsdsock: released hardware socket %d", s.sock)
	return s.iface.ReleaseSocket(s.sock)
}

// SetTimeout sets the timeout Send and SendTo pass to the engine's
// Write; zero means block indefinitely. Recv, RecvFrom, RecvInto and
// Connect do not use it.
func (s *Socket) SetTimeout(d time.Duration) { s.timeout = d }

// SetBlocking records the blocking mode. Turning it off sets a 1ms
// write timeout for Send and SendTo; turning it back on leaves the
// timeout as it is. Reads are unaffected: Recv already returns at once
// with whatever is available.
func (s *Socket) SetBlocking(blocking bool) {
	s.blocking = blocking
	if !blocking {
		s.timeout = time.Millisecond
	}
}
