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

package apis

import "time"

const (
	// MaxHostnameLength is the DHCP option-12 hostname truncation limit
	// carried over from the original implementation (it leaves room for
	// the option header within a single-byte length field alongside the
	// rest of a conservatively sized request).
	MaxHostnameLength = 42

	// DhcpServerPort and DhcpClientPort are the well-known BOOTP/DHCP
	// ports used for every message the client sends or listens for.
	DhcpServerPort = 67
	DhcpClientPort = 68

	// DhcpMaxAttempts bounds the retry loop of a single DISCOVER/REQUEST
	// exchange before the client gives up and returns apis.ErrDhcpTimeout.
	DhcpMaxAttempts = 4

	// DhcpRetryBase is the base of the exponential backoff between DHCP
	// attempts: attempt n waits DhcpRetryBase*2^n, jittered by ±1s.
	DhcpRetryBase = 4 * time.Second

	// DefaultLeaseDuration is requested via DHCP option 51 when the
	// caller has not configured one.
	DefaultLeaseDuration = 900 * time.Second

	// DnsPort is the standard DNS server port.
	DnsPort = 53

	// DnsMaxAttempts and DnsAttemptTimeout bound a single A-record
	// lookup, matching the original resolver's retry loop.
	DnsMaxAttempts    = 5
	DnsAttemptTimeout = 5 * time.Second

	// SocketCloseTimeout bounds how long socket.Engine.Close waits, after
	// issuing CLOSE, for the socket to report CLOSED before it returns
	// ErrCloseFailed.
	SocketCloseTimeout = 5 * time.Second

	// CommandPollInterval is the busy-wait granularity used while
	// waiting for a hardware socket command register to self-clear, and
	// by the DNS resolver between polls for a reply. socket.Engine's
	// TX_FSR, status and SEND_OK polls sleep 1ms instead.
	CommandPollInterval = 50 * time.Microsecond
)
