// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/memgate/memgate/lib/clock"
)

// TestAnthropicUpstream drives a turn through the real provider
// against a stand-in Messages API, with the key read from a file.
func TestAnthropicUpstream(t *testing.T) {
	t.Parallel()

	type wireRequest struct {
		Model    string `json:"model"`
		System   string `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	received := make(chan wireRequest, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "sk-from-file" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`)
			return
		}
		var request wireRequest
		json.NewDecoder(r.Body).Decode(&request)
		received <- request
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_01","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",`+
			`"content":[{"type":"text","text":"Hello Zhang San"}],"stop_reason":"end_turn",`+
			`"usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	t.Cleanup(upstream.Close)

	keyFile := filepath.Join(t.TempDir(), "claude.key")
	if err := os.WriteFile(keyFile, []byte("sk-from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig()
	config.Claude.BaseURL = upstream.URL + "/v1"
	config.Claude.APIKeyFile = keyFile
	config.RateLimit.Enabled = false
	gateway, err := New(Options{Config: config, Clock: clock.Fake(epoch), Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { gateway.Close() })

	first, err := gateway.Chat(context.Background(), userCall("session_real", "I am Zhang San."))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := first.Choices[0].Message.Content; got != "Hello Zhang San" {
		t.Errorf("reply = %q", got)
	}
	if first.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", first.Usage)
	}
	<-received

	if _, err := gateway.Chat(context.Background(), userCall("session_real", "Who am I?")); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	second := <-received
	if second.Model != "claude-3-5-sonnet-20241022" || len(second.Messages) != 3 {
		t.Errorf("second upstream request = %+v", second)
	}
}

func TestNewFailsOnMissingKeyFile(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.Claude.APIKeyFile = filepath.Join(t.TempDir(), "absent")
	if _, err := New(Options{Config: config, Logger: slog.New(slog.DiscardHandler)}); err == nil {
		t.Fatal("New accepted a missing key file")
	}
}

func TestInlineKeyMovesIntoLockedMemory(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_01","type":"message","role":"assistant","model":"m",`+
			`"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	t.Cleanup(upstream.Close)

	config := DefaultConfig()
	config.Claude.BaseURL = upstream.URL + "/v1"
	config.Claude.APIKey = "sk-inline"
	config.RateLimit.Enabled = false
	gateway, err := New(Options{Config: config, Clock: clock.Fake(epoch), Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { gateway.Close() })

	if config.Claude.APIKey != "" {
		t.Error("inline key still held in the configuration")
	}
	if _, err := gateway.Chat(context.Background(), userCall("session_inline", "hi")); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := <-seen; got != "sk-inline" {
		t.Errorf("x-api-key = %q, want the key from locked memory", got)
	}
}
