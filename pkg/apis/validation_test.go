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
	"strings"
	"testing"
	"time"
)

func TestValidateMAC(t *testing.T) {
	tests := []struct {
		name    string
		mac     []byte
		wantErr bool
	}{
		{"valid", []byte{0x02, 0x00, 0x00, 0x01, 0x02, 0x03}, false},
		{"wrong length", []byte{0x02, 0x00, 0x00}, true},
		{"all zero", []byte{0, 0, 0, 0, 0, 0}, true},
		{"broadcast", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMAC(tt.mac)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateMAC(%v) error = %v, wantErr %v", tt.mac, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("ValidateMAC(%v) error = %v, want wrapping ErrInvalidArgument", tt.mac, err)
			}
		})
	}
}

func TestValidateIPv4(t *testing.T) {
	if err := ValidateIPv4([]byte{192, 168, 1, 1}); err != nil {
		t.Errorf("ValidateIPv4() unexpected error: %v", err)
	}
	if err := ValidateIPv4([]byte{192, 168}); err == nil {
		t.Error("ValidateIPv4() expected error for short address")
	}
}

func TestValidatePort(t *testing.T) {
	if err := ValidatePort(80); err != nil {
		t.Errorf("ValidatePort(80) unexpected error: %v", err)
	}
	if err := ValidatePort(0); err == nil {
		t.Error("ValidatePort(0) expected error")
	}
}

func TestWithDefaults(t *testing.T) {
	merged, err := WithDefaults(Config{Hostname: "sensor-1"})
	if err != nil {
		t.Fatalf("WithDefaults() error: %v", err)
	}
	if merged.Hostname != "sensor-1" {
		t.Errorf("Hostname = %q, want %q", merged.Hostname, "sensor-1")
	}
	if merged.RequestedLeaseDuration != DefaultLeaseDuration {
		t.Errorf("RequestedLeaseDuration = %v, want %v", merged.RequestedLeaseDuration, DefaultLeaseDuration)
	}
	if merged.DhcpMaxAttempts != DhcpMaxAttempts {
		t.Errorf("DhcpMaxAttempts = %d, want %d", merged.DhcpMaxAttempts, DhcpMaxAttempts)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "defaults are valid",
			cfg:     DefaultConfig(),
			wantErr: false,
		},
		{
			name: "hostname too long",
			cfg: Config{
				Hostname:               strings.Repeat("a", MaxHostnameLength+1),
				RequestedLeaseDuration: time.Second,
				DhcpMaxAttempts:        1,
				DhcpRetryBase:          time.Second,
				DnsMaxAttempts:         1,
				DnsAttemptTimeout:      time.Second,
				SocketCloseTimeout:     time.Second,
			},
			wantErr: true,
			errMsg:  "hostname exceeds",
		},
		{
			name: "non-positive durations",
			cfg: Config{
				Hostname:               "x",
				RequestedLeaseDuration: 0,
				DhcpMaxAttempts:        0,
				DhcpRetryBase:          0,
				DnsMaxAttempts:         0,
				DnsAttemptTimeout:      0,
				SocketCloseTimeout:     0,
			},
			wantErr: true,
			errMsg:  "must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("ValidateConfig() error = %v, want to contain %q", err, tt.errMsg)
			}
		})
	}
}
