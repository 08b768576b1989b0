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

// Package socket implements the hardware-socket manager (C4/C5): it
// drives one of the chip's 4 or 8 TCP/UDP sockets through its
// open/connect/listen/accept/read/write/close lifecycle and hands out
// sockets to callers that need a dedicated one (the BSD socket shim)
// while keeping socket 0 free for internal DHCP/DNS traffic.
package socket

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/wiznet-go/w5kstack/pkg/apis"
	"github.com/wiznet-go/w5kstack/pkg/chipio"
)

// Engine drives the hardware sockets of one ChipIO. It owns the
// reservation bookkeeping that the original kept on the driver
// instance/class (_src_ports_in_use, _sockets_reserved).
type Engine struct {
	chip         *chipio.ChipIO
	alloc        *allocator
	srcPortInUse map[int]uint16
}

// NewEngine wraps chip with socket-lifecycle management.
func NewEngine(chip *chipio.ChipIO) *Engine {
	return &Engine{
		chip:         chip,
		alloc:        newAllocator(chip.MaxSockets()),
		srcPortInUse: map[int]uint16{},
	}
}

// GetSocket allocates the first free hardware socket, reserving it
// against the allocator's bookkeeping when reserve is true.
func (e *Engine) GetSocket(ctx context.Context, reserve bool) (int, error) {
	return e.alloc.getSocket(ctx, reserve, e.chip.SocketStatus)
}

// ReleaseSocket clears a reservation made by GetSocket.
func (e *Engine) ReleaseSocket(sock int) error {
	return e.alloc.releaseSocket(sock)
}

var openableStatuses = map[apis.SocketStatus]bool{
	apis.SockClosed:    true,
	apis.SockTimeWait:  true,
	apis.SockFinWait:   true,
	apis.SockCloseWait: true,
	apis.SockClosing:   true,
	apis.SockUDP:       true,
}

// Open initializes sock for proto, binding to srcPort if non-zero or an
// ephemeral port in the dynamic/private range otherwise.
func (e *Engine) Open(ctx context.Context, sock int, proto apis.Protocol, srcPort uint16) error {
	status, err := e.chip.SocketStatus(ctx, sock)
	if err != nil {
		return err
	}
	if !openableStatuses[status] {
		return errors.Wrapf(apis.ErrOpenFailed, "socket %d in status 0x%02x cannot be opened", sock, byte(status))
	}
	if err := e.chip.SetMode(ctx, sock, proto); err != nil {
		return err
	}
	if err := e.chip.WriteSNIR(ctx, sock, 0xFF); err != nil {
		return err
	}

	port := srcPort
	if port == 0 {
		port = e.ephemeralPort()
	}
	if err := e.chip.SetPort(ctx, sock, port); err != nil {
		return err
	}
	e.srcPortInUse[sock] = port

	if err := e.chip.WriteCommand(ctx, sock, chipio.CmdOpen); err != nil {
		return err
	}
	status, err = e.chip.SocketStatus(ctx, sock)
	if err != nil {
		return err
	}
	if status != apis.SockInit && status != apis.SockUDP {
		return errors.Wrapf(apis.ErrOpenFailed, "socket %d did not reach INIT/UDP, status = 0x%02x", sock, byte(status))
	}
	return nil
}

// ephemeralPort picks a source port in the dynamic/private range,
// avoiding ports this engine has already handed out.
func (e *Engine) ephemeralPort() uint16 {
	inUse := map[uint16]bool{}
	for _, p := range e.srcPortInUse {
		inUse[p] = true
	}
	for {
		p := uint16(49152 + rand.Intn(65535-49152+1))
		if !inUse[p] {
			return p
		}
	}
}

// Connect opens sock (Open fails unless sock is CLOSED, closing or in
// UDP mode) and drives a TCP three-way handshake, or simply targets a
// UDP peer, blocking until established or ctx is done.
func (e *Engine) Connect(ctx context.Context, sock int, proto apis.Protocol, srcPort uint16, peer apis.Endpoint) error {
	if err := apis.ValidatePort(peer.Port()); err != nil {
		return err
	}
	if err := e.Open(ctx, sock, proto, srcPort); err != nil {
		return err
	}
	ip := peer.IP()
	if err := e.chip.SetDestAddr(ctx, sock, ip, peer.Port()); err != nil {
		return err
	}
	if err := e.chip.WriteCommand(ctx, sock, chipio.CmdConnect); err != nil {
		return err
	}
	if proto != apis.ProtoTCP {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := e.chip.SocketStatus(ctx, sock)
		if err != nil {
			return err
		}
		if status == apis.SockEstablished {
			return nil
		}
		if status == apis.SockClosed {
			return errors.Wrap(apis.ErrConnectFailed, "socket closed during handshake")
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for TCP handshake")
		case <-ticker.C:
		}
	}
}

// Listen opens sock bound to port and issues LISTEN, blocking until the
// socket reaches LISTEN/ESTABLISHED/UDP or ctx is done.
func (e *Engine) Listen(ctx context.Context, sock int, port uint16, proto apis.Protocol) error {
	if err := e.Open(ctx, sock, proto, port); err != nil {
		return err
	}
	if err := e.chip.WriteCommand(ctx, sock, chipio.CmdListen); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := e.chip.SocketStatus(ctx, sock)
		if err != nil {
			return err
		}
		if status == apis.SockListen || status == apis.SockEstablished || status == apis.SockUDP {
			return nil
		}
		if status == apis.SockClosed {
			return errors.Wrap(apis.ErrOpenFailed, "listening socket closed")
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for socket to listen")
		case <-ticker.C:
		}
	}
}

// Accept reports the peer that connected to a listening socket and
// allocates a fresh socket so the caller's listener can keep listening,
// mirroring the original's "next socket to listen on" handoff.
func (e *Engine) Accept(ctx context.Context, sock int) (int, apis.Endpoint, error) {
	ip, port, err := e.chip.DestAddr(ctx, sock)
	if err != nil {
		return -1, apis.Endpoint{}, err
	}
	next, err := e.GetSocket(ctx, false)
	if err != nil {
		return -1, apis.Endpoint{}, err
	}
	klog.V(2).Infof("socket: accepted peer %s on socket %d, next listener socket %d", apis.IP4Endpoint(ip, port), sock, next)
	return next, apis.IP4Endpoint(ip, port), nil
}

// Close issues CLOSE and waits for the socket to report CLOSED,
// mirroring socket_close's poll loop and timeout.
func (e *Engine) Close(ctx context.Context, sock int) error {
	if err := e.chip.WriteCommand(ctx, sock, chipio.CmdClose); err != nil {
		return err
	}
	deadline := time.Now().Add(apis.SocketCloseTimeout)
	for {
		status, err := e.chip.SocketStatus(ctx, sock)
		if err != nil {
			return err
		}
		if status == apis.SockClosed {
			delete(e.srcPortInUse, sock)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(apis.ErrCloseFailed, "socket %d failed to close, status = 0x%02x", sock, byte(status))
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for socket to close")
		case <-time.After(time.Millisecond):
		}
	}
}

// Disconnect issues DISCON without waiting for the socket to close.
func (e *Engine) Disconnect(ctx context.Context, sock int) error {
	return e.chip.WriteCommand(ctx, sock, chipio.CmdDiscon)
}

// Status reports sock's current SNSR value.
func (e *Engine) Status(ctx context.Context, sock int) (apis.SocketStatus, error) {
	return e.chip.SocketStatus(ctx, sock)
}

// Available reports the number of payload bytes ready to read, i.e. the
// hardware receive-ring size minus the 8-byte UDP header when sock is a
// UDP socket.
func (e *Engine) Available(ctx context.Context, sock int) (int, error) {
	n, err := e.chip.GetRxRcvSize(ctx, sock)
	if err != nil {
		return 0, err
	}
	status, err := e.chip.SocketStatus(ctx, sock)
	if err != nil {
		return 0, err
	}
	avail := int(n)
	if status == apis.SockUDP {
		avail -= 8
	}
	if avail < 0 {
		return 0, errors.Wrap(apis.ErrDhcpMalformed, "negative byte count on socket")
	}
	return avail, nil
}

var deadStatuses = map[apis.SocketStatus]bool{
	apis.SockListen:    true,
	apis.SockClosed:    true,
	apis.SockCloseWait: true,
}

// Recv reads up to maxLen bytes from sock's RX ring. If no data is
// currently available it returns nil, nil, or ErrPeerClosed when the
// socket is LISTEN, CLOSED or CLOSE_WAIT.
func (e *Engine) Recv(ctx context.Context, sock int, maxLen int) ([]byte, error) {
	rcv, err := e.chip.GetRxRcvSize(ctx, sock)
	if err != nil {
		return nil, err
	}
	if rcv == 0 {
		status, err := e.chip.SocketStatus(ctx, sock)
		if err != nil {
			return nil, err
		}
		if deadStatuses[status] {
			return nil, errors.Wrap(apis.ErrPeerClosed, "lost connection to peer")
		}
		return nil, nil
	}
	n := int(rcv)
	if n > maxLen {
		n = maxLen
	}
	return e.readRing(ctx, sock, n)
}

func (e *Engine) readRing(ctx context.Context, sock int, n int) ([]byte, error) {
	pointer, err := e.chip.RxReadPointer(ctx, sock)
	if err != nil {
		return nil, err
	}
	data, err := e.chip.ReadBuffer(ctx, sock, pointer, n)
	if err != nil {
		return nil, err
	}
	pointer += uint16(n)
	if err := e.chip.SetRxReadPointer(ctx, sock, pointer); err != nil {
		return nil, err
	}
	if err := e.chip.WriteCommand(ctx, sock, chipio.CmdRecv); err != nil {
		return nil, err
	}
	return data, nil
}

// RecvUDP reads one UDP datagram's header and payload (truncating to
// maxLen and discarding the remainder on the wire, as the original
// does), returning the sender's address alongside the payload.
func (e *Engine) RecvUDP(ctx context.Context, sock int, maxLen int) ([]byte, apis.Endpoint, error) {
	hdrBytes, err := e.Recv(ctx, sock, 8)
	if err != nil {
		return nil, apis.Endpoint{}, err
	}
	if len(hdrBytes) == 0 {
		return nil, apis.Endpoint{}, nil
	}
	if len(hdrBytes) != 8 {
		return nil, apis.Endpoint{}, errors.Wrap(apis.ErrDnsMalformed, "invalid UDP header")
	}
	var hdr [8]byte
	copy(hdr[:], hdrBytes)
	ip, port, length := e.chip.ParseUDPHeader(hdr)
	if length == 0 {
		return nil, apis.IP4Endpoint(ip, port), nil
	}
	want := int(length)
	if want > maxLen {
		want = maxLen
	}
	payload, err := e.Recv(ctx, sock, want)
	if err != nil {
		return nil, apis.Endpoint{}, err
	}
	if int(length) > maxLen {
		if _, err := e.Recv(ctx, sock, int(length)-maxLen); err != nil {
			return nil, apis.Endpoint{}, err
		}
	}
	return payload, apis.IP4Endpoint(ip, port), nil
}

// Write sends buf to sock, blocking until the TX ring has room and the
// chip confirms SEND_OK, or returning early once timeout elapses (zero
// means wait indefinitely, matching socket_write's timeout=0.0 default).
func (e *Engine) Write(ctx context.Context, sock int, buf []byte, timeout time.Duration) (int, error) {
	toWrite := len(buf)
	const maxChunk = 0x0800
	if toWrite > maxChunk {
		toWrite = maxChunk
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		free, err := e.chip.GetTxFreeSize(ctx, sock)
		if err != nil {
			return 0, err
		}
		if int(free) >= toWrite {
			break
		}
		status, err := e.chip.SocketStatus(ctx, sock)
		if err != nil {
			return 0, err
		}
		if status != apis.SockEstablished && status != apis.SockCloseWait {
			return 0, errors.Wrapf(apis.ErrWriteClosed, "socket %d cannot accept writes, status = 0x%02x", sock, byte(status))
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, errors.Wrap(apis.ErrWriteTimeout, "unable to write data to the socket")
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "waiting for TX buffer space")
		case <-time.After(time.Millisecond):
		}
	}

	pointer, err := e.chip.TxWritePointer(ctx, sock)
	if err != nil {
		return 0, err
	}
	if err := e.chip.WriteBuffer(ctx, sock, pointer, buf[:toWrite]); err != nil {
		return 0, err
	}
	pointer += uint16(toWrite)
	if err := e.chip.SetTxWritePointer(ctx, sock, pointer); err != nil {
		return 0, err
	}
	if err := e.chip.WriteCommand(ctx, sock, chipio.CmdSend); err != nil {
		return 0, err
	}

	for {
		snir, err := e.chip.ReadSNIR(ctx, sock)
		if err != nil {
			return 0, err
		}
		if snir&chipio.SnirSendOK != 0 {
			break
		}
		status, err := e.chip.SocketStatus(ctx, sock)
		if err != nil {
			return 0, err
		}
		if status == apis.SockClosed || status == apis.SockTimeWait || status == apis.SockFinWait ||
			status == apis.SockCloseWait || status == apis.SockClosing {
			return 0, errors.Wrap(apis.ErrWriteClosed, "no data was sent, socket was closed")
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, errors.Wrap(apis.ErrWriteTimeout, "timed out waiting for SEND_OK")
		}
		if snir&chipio.SnirTimeout != 0 {
			if err := e.chip.WriteSNIR(ctx, sock, chipio.SnirTimeout); err != nil {
				return 0, err
			}
			mode, err := e.chip.SocketStatus(ctx, sock)
			if err != nil {
				return 0, err
			}
			if mode == apis.SockUDP {
				return 0, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "waiting for SEND_OK")
		case <-time.After(time.Millisecond):
		}
	}
	if err := e.chip.WriteSNIR(ctx, sock, chipio.SnirSendOK); err != nil {
		return 0, err
	}
	return toWrite, nil
}
