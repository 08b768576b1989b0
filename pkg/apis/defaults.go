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

import (
	"time"

	"dario.cat/mergo"
)

// Config is the construction-time configuration for a NetInterface. A
// caller typically populates only the fields that matter to them (MAC
// address, hostname) and merges the rest from DefaultConfig.
type Config struct {
	// Hostname is sent via DHCP option 12, truncated to
	// MaxHostnameLength.
	Hostname string

	// RequestedLeaseDuration is sent via DHCP option 51.
	RequestedLeaseDuration time.Duration

	// DhcpMaxAttempts and DhcpRetryBase bound the DISCOVER/REQUEST retry
	// loop of a single lease acquisition.
	DhcpMaxAttempts int
	DhcpRetryBase   time.Duration

	// DnsMaxAttempts and DnsAttemptTimeout bound a single A-record
	// lookup.
	DnsMaxAttempts    int
	DnsAttemptTimeout time.Duration

	// SocketCloseTimeout is the write timeout the DHCP client passes to
	// socket.Engine.Write for each message it sends. socket.Engine.Close
	// does not read it; it always waits up to apis.SocketCloseTimeout.
	SocketCloseTimeout time.Duration

	// MaintainRateLimit caps how often a tight caller loop is allowed to
	// drive a fresh DHCP maintenance cycle or DNS lookup; one limiter is
	// shared by both. WithDefaults replaces a zero value with the
	// default, so the limiter is always active.
	MaintainRateLimit time.Duration
}

// DefaultConfig returns the configuration applied when a caller leaves
// fields at their zero value.
func DefaultConfig() Config {
	return Config{
		Hostname:               "wiznet",
		RequestedLeaseDuration: DefaultLeaseDuration,
		DhcpMaxAttempts:        DhcpMaxAttempts,
		DhcpRetryBase:          DhcpRetryBase,
		DnsMaxAttempts:         DnsMaxAttempts,
		DnsAttemptTimeout:      DnsAttemptTimeout,
		SocketCloseTimeout:     SocketCloseTimeout,
		MaintainRateLimit:      100 * time.Millisecond,
	}
}

// WithDefaults merges cfg over DefaultConfig, filling any zero-valued
// field with the default, and returns the result. cfg itself is never
// mutated.
func WithDefaults(cfg Config) (Config, error) {
	merged := DefaultConfig()
	if err := mergo.Merge(&merged, cfg, mergo.WithOverride); err != nil {
		return Config{}, err
	}
	return merged, nil
}
