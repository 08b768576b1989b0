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

// Package dns implements the A-record resolver (C7): it builds a
// single-question DNS query, sends it over a hardware UDP socket to the
// configured DNS server, and parses the first matching A answer out of
// the reply. Message encoding/decoding uses
// golang.org/x/net/dns/dnsmessage, the same package the Go standard
// resolver uses internally, replacing the original's hand-rolled label
// walker and 0xC0-compression-pointer skip logic.
package dns

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/dns/dnsmessage"
	"k8s.io/klog/v2"

	"github.com/wiznet-go/w5kstack/pkg/apis"
	"github.com/wiznet-go/w5kstack/pkg/socket"
)

// Resolver looks up A records through a hardware socket.
type Resolver struct {
	eng           *socket.Engine
	server        [4]byte
	maxAttempts   int
	attemptWindow time.Duration
}

// NewResolver builds a Resolver that queries server (the configured DNS
// server address) over eng.
func NewResolver(eng *socket.Engine, server [4]byte, maxAttempts int, attemptWindow time.Duration) *Resolver {
	if maxAttempts <= 0 {
		maxAttempts = apis.DnsMaxAttempts
	}
	if attemptWindow <= 0 {
		attemptWindow = apis.DnsAttemptTimeout
	}
	return &Resolver{eng: eng, server: server, maxAttempts: maxAttempts, attemptWindow: attemptWindow}
}

// GetHostByName resolves host to its first IPv4 A record, retrying the
// query up to maxAttempts times with a fresh transaction ID each time,
// matching the original resolver's short retry loop over a UDP socket.
func (r *Resolver) GetHostByName(ctx context.Context, host string) ([4]byte, error) {
	var zero [4]byte
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		ip, err := r.attempt(ctx, host)
		if err == nil {
			return ip, nil
		}
		klog.V(2).Infof("dns: attempt %d for %q failed: %v", attempt, host, err)
	}
	return zero, errors.Wrapf(apis.ErrDnsTimeout, "no answer for %q after %d attempts", host, r.maxAttempts)
}

func (r *Resolver) attempt(ctx context.Context, host string) ([4]byte, error) {
	var zero [4]byte
	id := uint16(rand.Intn(1 << 16))
	query, err := buildQuery(id, host)
	if err != nil {
		return zero, errors.Wrap(apis.ErrDnsMalformed, err.Error())
	}

	sock, err := r.eng.GetSocket(ctx, false)
	if err != nil {
		return zero, err
	}
	defer r.eng.Close(ctx, sock)

	target := apis.IP4Endpoint(r.server, apis.DnsPort)
	if err := r.eng.Connect(ctx, sock, apis.ProtoUDP, 0, target); err != nil {
		return zero, err
	}
	if _, err := r.eng.Write(ctx, sock, query, r.attemptWindow); err != nil {
		return zero, err
	}

	deadline := time.Now().Add(r.attemptWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}
		data, _, err := r.eng.RecvUDP(ctx, sock, 512)
		if err != nil {
			return zero, err
		}
		if len(data) == 0 {
			time.Sleep(apis.CommandPollInterval)
			continue
		}
		ip, err := parseResponse(id, data)
		if err != nil {
			return zero, err
		}
		return ip, nil
	}
	return zero, errors.Wrap(apis.ErrDnsTimeout, "no response within attempt window")
}

// buildQuery encodes a standard, recursion-desired A query for host
// with the given transaction ID: 12-byte header, one question,
// QTYPE=A, QCLASS=IN.
func buildQuery(id uint16, host string) ([]byte, error) {
	name, err := dnsmessage.NewName(dottedName(host))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hostname %q", host)
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               id,
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{
			{
				Name:  name,
				Type:  dnsmessage.TypeA,
				Class: dnsmessage.ClassINET,
			},
		},
	}
	return msg.Pack()
}

// dottedName ensures host ends in a trailing dot, the form
// dnsmessage.NewName requires of a fully qualified name.
func dottedName(host string) string {
	if len(host) == 0 || host[len(host)-1] != '.' {
		return host + "."
	}
	return host
}

// parseResponse validates resp as a reply to transaction id and returns
// the first A/IN answer's address, matching the original's "validate
// header, walk answers, first TYPE=A RDLENGTH=4 wins" behavior.
func parseResponse(id uint16, resp []byte) ([4]byte, error) {
	var zero [4]byte
	var parser dnsmessage.Parser
	header, err := parser.Start(resp)
	if err != nil {
		return zero, errors.Wrap(apis.ErrDnsMalformed, "unparseable DNS message")
	}
	if header.ID != id {
		return zero, errors.Wrap(apis.ErrDnsMalformed, "transaction id mismatch")
	}
	if !header.Response || header.RCode != dnsmessage.RCodeSuccess || header.OpCode != 0 {
		return zero, errors.Wrap(apis.ErrDnsMalformed, "response flags indicate failure or non-standard query")
	}
	questions, err := parser.AllQuestions()
	if err != nil {
		return zero, errors.Wrap(apis.ErrDnsMalformed, "malformed question section")
	}
	if len(questions) != 1 {
		return zero, errors.Wrap(apis.ErrDnsMalformed, "response does not carry exactly one question")
	}
	for {
		rh, err := parser.AnswerHeader()
		if err != nil {
			if errors.Is(err, dnsmessage.ErrSectionDone) {
				break
			}
			return zero, errors.Wrap(apis.ErrDnsMalformed, "malformed answer header")
		}
		if rh.Type != dnsmessage.TypeA || rh.Class != dnsmessage.ClassINET {
			if err := parser.SkipAnswer(); err != nil {
				return zero, errors.Wrap(apis.ErrDnsMalformed, "malformed answer body")
			}
			continue
		}
		a, err := parser.AResource()
		if err != nil {
			return zero, errors.Wrap(apis.ErrDnsMalformed, "malformed A resource")
		}
		return a.A, nil
	}
	return zero, apis.ErrDnsNoAnswer
}
