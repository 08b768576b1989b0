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

package dns

import (
	"errors"
	"testing"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/wiznet-go/w5kstack/pkg/apis"
)

func TestBuildQueryRoundTrips(t *testing.T) {
	query, err := buildQuery(0x1234, "a.b")
	if err != nil {
		t.Fatalf("buildQuery: %v", err)
	}
	var parser dnsmessage.Parser
	header, err := parser.Start(query)
	if err != nil {
		t.Fatalf("parsing built query: %v", err)
	}
	if header.ID != 0x1234 {
		t.Errorf("ID = 0x%04x, want 0x1234", header.ID)
	}
	if header.Response {
		t.Error("built query has Response flag set")
	}
	if !header.RecursionDesired {
		t.Error("built query lacks RecursionDesired")
	}
	qs, err := parser.AllQuestions()
	if err != nil {
		t.Fatalf("AllQuestions: %v", err)
	}
	if len(qs) != 1 {
		t.Fatalf("got %d questions, want 1", len(qs))
	}
	if qs[0].Name.String() != "a.b." {
		t.Errorf("question name = %q, want %q", qs[0].Name.String(), "a.b.")
	}
	if qs[0].Type != dnsmessage.TypeA || qs[0].Class != dnsmessage.ClassINET {
		t.Errorf("question type/class = %v/%v, want A/IN", qs[0].Type, qs[0].Class)
	}
}

// canned builds a well-formed response to id carrying a single A answer.
func canned(t *testing.T, id uint16, ip [4]byte) []byte {
	t.Helper()
	name, err := dnsmessage.NewName("a.b.")
	if err != nil {
		t.Fatalf("NewName: %v", err)
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               id,
			Response:         true,
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{
			{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET},
		},
		Answers: []dnsmessage.Resource{
			{
				Header: dnsmessage.ResourceHeader{
					Name:  name,
					Type:  dnsmessage.TypeA,
					Class: dnsmessage.ClassINET,
					TTL:   60,
				},
				Body: &dnsmessage.AResource{A: ip},
			},
		},
	}
	b, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return b
}

func TestParseResponseReturnsFirstARecord(t *testing.T) {
	want := [4]byte{93, 184, 216, 34}
	resp := canned(t, 0xBEEF, want)

	got, err := parseResponse(0xBEEF, resp)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if got != want {
		t.Errorf("parseResponse = %v, want %v", got, want)
	}
}

func TestParseResponseRejectsTransactionIDMismatch(t *testing.T) {
	resp := canned(t, 0x0001, [4]byte{1, 2, 3, 4})
	if _, err := parseResponse(0x0002, resp); err == nil {
		t.Fatal("parseResponse accepted a response with the wrong transaction id")
	}
}

func TestParseResponseNoAnswerSectionFails(t *testing.T) {
	name, err := dnsmessage.NewName("a.b.")
	if err != nil {
		t.Fatalf("NewName: %v", err)
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: 7, Response: true, RecursionDesired: true},
		Questions: []dnsmessage.Question{
			{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET},
		},
	}
	b, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	_, err = parseResponse(7, b)
	if err == nil {
		t.Fatal("parseResponse accepted a response with no answers")
	}
	if !errors.Is(err, apis.ErrDnsNoAnswer) {
		t.Errorf("parseResponse error = %v, want wrapping %v", err, apis.ErrDnsNoAnswer)
	}
}
