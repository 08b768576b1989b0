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

// Package apis holds the vocabulary shared by every layer of the stack:
// the chip variant tag, the socket endpoint sum type, DHCP lease state,
// and the construction-time configuration and validation helpers.
package apis

import (
	"fmt"
	"time"
)

// ChipVariant identifies which WIZnet silicon chipio is talking to. It
// replaces ad-hoc string tags ("w5500", "w5100s") with a closed,
// exhaustively switchable type so every call site is forced to handle
// all three variants (or none, via Unknown).
type ChipVariant int

const (
	ChipUnknown ChipVariant = iota
	ChipW5100S
	ChipW5500
	ChipW6100
)

func (c ChipVariant) String() string {
	switch c {
	case ChipW5100S:
		return "w5100s"
	case ChipW5500:
		return "w5500"
	case ChipW6100:
		return "w6100"
	default:
		return "unknown"
	}
}

// VersionByte is the expected value of the chip version register for
// each variant, read back during autodetection.
func (c ChipVariant) VersionByte() byte {
	switch c {
	case ChipW5100S:
		return 0x51
	case ChipW5500:
		return 0x04
	case ChipW6100:
		return 0x61
	default:
		return 0x00
	}
}

// MaxSockets is the number of hardware sockets the variant exposes:
// 4 on the W5100S, 8 on the W5500 and W6100.
func (c ChipVariant) MaxSockets() int {
	if c == ChipW5100S {
		return 4
	}
	return 8
}

// Endpoint is the sum-type replacement for a socket address that may be
// given either as a resolved IPv4/port pair or as an unresolved
// hostname/port pair. Exactly one of the two forms is populated;
// Resolved reports which. This keeps the dynamic "string or tuple"
// typing of the original implementation out of the Go API: callers
// that already have an IP construct an Endpoint with IP4Endpoint,
// callers that have only a hostname construct one with HostEndpoint,
// and pkg/bsdsock resolves host endpoints through pkg/dns exactly once,
// at the socket boundary.
type Endpoint struct {
	ip   [4]byte
	port uint16
	host string
}

// IP4Endpoint builds a resolved endpoint from a 4-byte IPv4 address.
func IP4Endpoint(ip [4]byte, port uint16) Endpoint {
	return Endpoint{ip: ip, port: port}
}

// HostEndpoint builds an unresolved endpoint naming a host.
func HostEndpoint(host string, port uint16) Endpoint {
	return Endpoint{host: host, port: port}
}

// Resolved reports whether the endpoint already carries an IPv4 address.
func (e Endpoint) Resolved() bool { return e.host == "" }

// IP returns the IPv4 address. Only valid when Resolved is true.
func (e Endpoint) IP() [4]byte { return e.ip }

// Host returns the hostname. Only valid when Resolved is false.
func (e Endpoint) Host() string { return e.host }

// Port returns the port shared by both endpoint forms.
func (e Endpoint) Port() uint16 { return e.port }

// WithIP returns a copy of the endpoint resolved to the given address,
// used by pkg/bsdsock once a host endpoint has been looked up.
func (e Endpoint) WithIP(ip [4]byte) Endpoint {
	return Endpoint{ip: ip, port: e.port}
}

func (e Endpoint) String() string {
	if e.Resolved() {
		return fmt.Sprintf("%d.%d.%d.%d:%d", e.ip[0], e.ip[1], e.ip[2], e.ip[3], e.port)
	}
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

// DhcpState is the non-blocking DHCP client's finite state, modeled on
// the FSM-based adafruit_wiznet5k_dhcp _STATE_* constants.
type DhcpState int

const (
	DhcpInit DhcpState = iota
	DhcpSelecting
	DhcpRequesting
	DhcpBound
	DhcpRenewing
	DhcpRebinding
)

func (s DhcpState) String() string {
	switch s {
	case DhcpInit:
		return "init"
	case DhcpSelecting:
		return "selecting"
	case DhcpRequesting:
		return "requesting"
	case DhcpBound:
		return "bound"
	case DhcpRenewing:
		return "renewing"
	case DhcpRebinding:
		return "rebinding"
	default:
		return "unknown"
	}
}

// RenewMode records why a DHCP message is being sent, since the wire
// format differs slightly between a fresh REQUEST, a unicast renewal,
// and a broadcast rebind.
type RenewMode int

const (
	RenewNone RenewMode = iota
	RenewUnicast
	RenewBroadcast
)

// SocketStatus mirrors the SNSR register values relevant to callers of
// SocketEngine; it is intentionally a small, closed set rather than the
// full raw register value.
type SocketStatus byte

const (
	SockClosed      SocketStatus = 0x00
	SockInit        SocketStatus = 0x13
	SockListen      SocketStatus = 0x14
	SockEstablished SocketStatus = 0x17
	SockCloseWait   SocketStatus = 0x1c
	SockUDP         SocketStatus = 0x22
	SockMacraw      SocketStatus = 0x42
	SockSynSent     SocketStatus = 0x15
	SockSynRecv     SocketStatus = 0x16
	SockFinWait     SocketStatus = 0x18
	SockClosing     SocketStatus = 0x1a
	SockTimeWait    SocketStatus = 0x1b
)

// Lease holds everything a bound DHCP lease needs for interface
// configuration and renewal bookkeeping. T1/T2/Expiry are absolute wall
// clock deadlines, computed once from the server's relative offsets at
// bind time, replacing the original's repeated "start_time + offset"
// arithmetic scattered through the FSM.
type Lease struct {
	ClientIP   [4]byte
	ServerIP   [4]byte
	SubnetMask [4]byte
	Gateway    [4]byte
	DNSServer  [4]byte
	T1         time.Time
	T2         time.Time
	Expiry     time.Time
}

// Protocol selects the hardware socket mode used by SocketEngine.Open.
type Protocol byte

const (
	ProtoTCP    Protocol = 0x21
	ProtoUDP    Protocol = 0x02
	ProtoMacraw Protocol = 0x04
)
