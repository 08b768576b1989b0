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

import "errors"

// Sentinel errors returned by the stack. Callers compare with errors.Is;
// every layer wraps these with github.com/pkg/errors to keep the chain
// readable without losing the sentinel identity.
var (
	ErrSpiInitFailure   = errors.New("chip: spi initialization failed")
	ErrLinkDown         = errors.New("chip: link is down")
	ErrSocketExhausted  = errors.New("socket: no free hardware socket")
	ErrOpenFailed       = errors.New("socket: open failed")
	ErrConnectFailed    = errors.New("socket: connect failed")
	ErrCloseFailed      = errors.New("socket: close failed")
	ErrWriteTimeout     = errors.New("socket: write timed out")
	ErrWriteClosed      = errors.New("socket: write on closed socket")
	ErrPeerClosed       = errors.New("socket: peer closed connection")
	ErrDhcpTimeout      = errors.New("dhcp: timed out waiting for server")
	ErrDhcpMalformed    = errors.New("dhcp: malformed response")
	ErrDnsTimeout       = errors.New("dns: timed out waiting for resolver")
	ErrDnsMalformed     = errors.New("dns: malformed response")
	ErrDnsNoAnswer      = errors.New("dns: no A record in response")
	ErrInvalidArgument  = errors.New("invalid argument")
)
