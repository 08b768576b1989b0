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
	"errors"
	"fmt"
)

// ValidateMAC checks that mac is a 6-byte, non-zero, non-broadcast
// hardware address, the invariant required before it is written to the
// chip's SHAR register.
func ValidateMAC(mac []byte) error {
	if len(mac) != 6 {
		return fmt.Errorf("%w: mac address must be 6 bytes, got %d", ErrInvalidArgument, len(mac))
	}
	var allZero, allOnes = true, true
	for _, b := range mac {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xff {
			allOnes = false
		}
	}
	if allZero {
		return fmt.Errorf("%w: mac address must not be all zero", ErrInvalidArgument)
	}
	if allOnes {
		return fmt.Errorf("%w: mac address must not be broadcast", ErrInvalidArgument)
	}
	return nil
}

// ValidateIPv4 checks that ip is a 4-byte address.
func ValidateIPv4(ip []byte) error {
	if len(ip) != 4 {
		return fmt.Errorf("%w: ipv4 address must be 4 bytes, got %d", ErrInvalidArgument, len(ip))
	}
	return nil
}

// ValidatePort checks that port is a non-zero 16-bit value.
// socket.Engine.Connect applies it to the destination port. A zero
// source port is not rejected: socket.Engine.Open replaces it with an
// ephemeral port.
func ValidatePort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: port must be non-zero", ErrInvalidArgument)
	}
	return nil
}

// ValidateConfig checks the invariants WithDefaults cannot: a negative
// or absurdly large duration, for example, merges fine but would wedge
// the retry loops forever.
func ValidateConfig(cfg Config) error {
	var errs []error
	if len(cfg.Hostname) > MaxHostnameLength {
		errs = append(errs, fmt.Errorf("%w: hostname exceeds %d bytes", ErrInvalidArgument, MaxHostnameLength))
	}
	if cfg.RequestedLeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("%w: requested lease duration must be positive", ErrInvalidArgument))
	}
	if cfg.DhcpMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: dhcp max attempts must be positive", ErrInvalidArgument))
	}
	if cfg.DhcpRetryBase <= 0 {
		errs = append(errs, fmt.Errorf("%w: dhcp retry base must be positive", ErrInvalidArgument))
	}
	if cfg.DnsMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: dns max attempts must be positive", ErrInvalidArgument))
	}
	if cfg.DnsAttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: dns attempt timeout must be positive", ErrInvalidArgument))
	}
	if cfg.SocketCloseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: socket close timeout must be positive", ErrInvalidArgument))
	}
	return errors.Join(errs...)
}

// PrettyIP renders a 4-byte IPv4 address as a dotted-quad string.
func PrettyIP(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// UnprettyIP parses a dotted-quad string into a 4-byte IPv4 address.
func UnprettyIP(s string) ([4]byte, error) {
	var ip [4]byte
	var parts [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &parts[0], &parts[1], &parts[2], &parts[3])
	if err != nil || n != 4 {
		return ip, fmt.Errorf("%w: %q is not a dotted-quad IPv4 address", ErrInvalidArgument, s)
	}
	for i, p := range parts {
		if p < 0 || p > 255 {
			return ip, fmt.Errorf("%w: %q is not a dotted-quad IPv4 address", ErrInvalidArgument, s)
		}
		ip[i] = byte(p)
	}
	return ip, nil
}

// PrettyMAC renders a 6-byte hardware address as colon-separated hex,
// e.g. "aa:bb:cc:dd:ee:ff".
func PrettyMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// UnprettyMAC parses a colon-separated hex hardware address.
func UnprettyMAC(s string) ([6]byte, error) {
	var mac [6]byte
	var parts [6]int
	n, err := fmt.Sscanf(s, "%x:%x:%x:%x:%x:%x", &parts[0], &parts[1], &parts[2], &parts[3], &parts[4], &parts[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("%w: %q is not a colon-separated MAC address", ErrInvalidArgument, s)
	}
	for i, p := range parts {
		if p < 0 || p > 255 {
			return mac, fmt.Errorf("%w: %q is not a colon-separated MAC address", ErrInvalidArgument, s)
		}
		mac[i] = byte(p)
	}
	return mac, nil
}
