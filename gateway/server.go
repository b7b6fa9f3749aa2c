// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// Server serves a [Gateway] on TCP and, optionally, a Unix socket.
type Server struct {
	address      string
	socketPath   string
	httpServer   *http.Server
	tcpListener  net.Listener
	unixListener net.Listener
	logger       *slog.Logger
}

// NewServer wraps the gateway's handler in gzip compression and
// prepares the listeners. Event streams are never compressed, so each
// chunk reaches the client as it is flushed.
func NewServer(gateway *Gateway) (*Server, error) {
	compress, err := gzhttp.NewWrapper(
		gzhttp.MinSize(1024),
		gzhttp.ExceptContentTypes([]string{"text/event-stream"}),
	)
	if err != nil {
		return nil, fmt.Errorf("configuring compression: %w", err)
	}

	config := gateway.config.Server
	return &Server{
		address:    config.Address(),
		socketPath: config.SocketPath,
		httpServer: &http.Server{
			Handler:           compress(NewHandler(gateway)),
			ReadHeaderTimeout: 30 * time.Second,
			ReadTimeout:       2 * time.Minute,
			// No WriteTimeout: turns wait on the upstream with retries and
			// streams stay open for the whole reply.
		},
		logger: gateway.logger.With("component", "server"),
	}, nil
}

// Start opens the listeners and serves in the background.
func (s *Server) Start() error {
	tcpListener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.tcpListener = tcpListener
	s.logger.Info("gateway listening", "address", tcpListener.Addr().String())
	go s.serve(tcpListener, "tcp")

	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			tcpListener.Close()
			return fmt.Errorf("removing stale socket: %w", err)
		}
		unixListener, err := net.Listen("unix", s.socketPath)
		if err != nil {
			tcpListener.Close()
			return fmt.Errorf("listening on socket %s: %w", s.socketPath, err)
		}
		if err := os.Chmod(s.socketPath, 0660); err != nil {
			unixListener.Close()
			tcpListener.Close()
			return fmt.Errorf("chmod socket: %w", err)
		}
		s.unixListener = unixListener
		s.logger.Info("gateway listening", "socket", s.socketPath)
		go s.serve(unixListener, "unix")
	}

	notifySystemd("READY=1")
	return nil
}

func (s *Server) serve(listener net.Listener, network string) {
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server error", "network", network, "error", err)
	}
}

// Address returns the bound TCP address, valid after Start.
func (s *Server) Address() string {
	if s.tcpListener == nil {
		return s.address
	}
	return s.tcpListener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight
// requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	notifySystemd("STOPPING=1")
	s.logger.Info("shutting down gateway server")
	err := s.httpServer.Shutdown(ctx)
	if s.unixListener != nil {
		os.Remove(s.socketPath)
	}
	return err
}

// notifySystemd sends state to systemd's notify socket. It does
// nothing when NOTIFY_SOCKET is unset.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}
