// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServerServesTCPAndSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "memgate.sock")
	gateway, _ := newTestGateway(t, &fakeProvider{}, func(config *Config) {
		config.Server.Host = "127.0.0.1"
		config.Server.SocketPath = socketPath
	})
	// Any free port.
	gateway.config.Server.Port = 0

	server, err := NewServer(gateway)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			server.Shutdown(context.Background())
		}
	})

	response, err := http.Get("http://" + server.Address() + "/v1/models")
	if err != nil {
		t.Fatalf("GET over TCP: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("TCP status = %d", response.StatusCode)
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket missing: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o660 {
		t.Errorf("socket mode = %o, want 660", mode)
	}
	unixClient := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}}
	response, err = unixClient.Get("http://memgate/health")
	if err != nil {
		t.Fatalf("GET over socket: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("socket status = %d", response.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	stopped = true
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind after shutdown: %v", err)
	}
}

func TestServerCompressesLargeResponses(t *testing.T) {
	t.Parallel()

	gateway, _ := newTestGateway(t, &fakeProvider{}, func(config *Config) {
		config.Server.Host = "127.0.0.1"
		// Enough models to push /v1/models past the compression threshold.
		for index := range 40 {
			config.Claude.Models = append(config.Claude.Models, testModels()[0])
			config.Claude.Models[len(config.Claude.Models)-1].Name = "alias-" + strings.Repeat("x", index+1)
		}
	})
	gateway.config.Server.Port = 0

	server, err := NewServer(gateway)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	request, _ := http.NewRequest(http.MethodGet, "http://"+server.Address()+"/v1/models", nil)
	request.Header.Set("Accept-Encoding", "gzip")
	// A transport with compression disabled leaves the encoding visible.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	if got := response.Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
}
