// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

type snapshot struct {
	Status   string    `json:"status"`
	Sessions int       `json:"sessions"`
	At       time.Time `json:"at"`
	Note     string    `json:"note,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Marshal(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(map[string]int{"mid": 3, "alpha": 2, "zeta": 1})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encodings differ: %x vs %x", first, again)
		}
	}
}

func TestJSONTagsNameFields(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := Marshal(snapshot{Status: "healthy", Sessions: 4, At: at})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", decoded["status"])
	}
	if _, present := decoded["note"]; present {
		t.Error("omitempty field was encoded")
	}

	var back snapshot
	if err := Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal into struct: %v", err)
	}
	if !back.At.Equal(at) || back.Sessions != 4 {
		t.Errorf("decoded %+v, want sessions=4 at=%v", back, at)
	}
}

func TestAccepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"application/json", false},
		{"application/cbor", true},
		{"application/json, application/cbor;q=0.5", true},
		{"*/*", false},
		{"text/html,application/cbor", true},
	}
	for _, test := range tests {
		if got := Accepts(test.accept); got != test.want {
			t.Errorf("Accepts(%q) = %v, want %v", test.accept, got, test.want)
		}
	}
}
