// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/memgate/memgate/gateway"
	"github.com/memgate/memgate/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line overrides.
type options struct {
	configPath string
	listen     string
	logLevel   string
	logFormat  string
	apiKeyFile string
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("memgate", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv("MEMGATE_CONFIG"), "path to a YAML or JSONC config file (env MEMGATE_CONFIG)")
	flagSet.StringVar(&opts.listen, "listen", "", "listen address as host:port, overriding the config file")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "log format: auto, text, json")
	flagSet.StringVar(&opts.apiKeyFile, "api-key-file", "", "read the upstream API key from this file, or \"-\" for stdin")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if *showVersion {
		fmt.Printf("memgate %s\n", version.Full())
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	config, err := gateway.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.apply(config); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := config.Monitoring.Level()
	logger := slog.New(newLogHandler(os.Stderr, config.Monitoring.LogFormat, level))
	slog.SetDefault(logger)

	logger.Info("starting memgate",
		"version", version.Info(),
		"config", opts.configPath,
		"models", len(config.Claude.Models),
		"memory", config.Context.Enabled,
		"rate_limit", config.RateLimit.Enabled,
	)
	if config.Claude.APIKey == "" && config.Claude.APIKeyFile == "" {
		logger.Warn("no upstream API key configured; set CLAUDE_API_KEY, claude.api_key or --api-key-file")
	}

	service, err := gateway.New(gateway.Options{Config: config, Logger: logger})
	if err != nil {
		return err
	}
	defer service.Close()
	server, err := gateway.NewServer(service)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	background := make(chan struct{})
	go func() {
		defer close(background)
		service.Run(ctx)
	}()

	if err := server.Start(); err != nil {
		stop()
		<-background
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-background

	logger.Info("shutdown complete")
	return nil
}

// apply writes the command-line overrides into config.
func (opts options) apply(config *gateway.Config) error {
	if opts.listen != "" {
		host, port, err := net.SplitHostPort(opts.listen)
		if err != nil {
			return fmt.Errorf("--listen: %w", err)
		}
		number, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--listen: port %q is not a number", port)
		}
		config.Server.Host = host
		config.Server.Port = number
	}
	if opts.logLevel != "" {
		config.Monitoring.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		config.Monitoring.LogFormat = opts.logFormat
	}
	if opts.apiKeyFile != "" {
		config.Claude.APIKeyFile = opts.apiKeyFile
		config.Claude.APIKey = ""
	}
	return nil
}

// newLogHandler picks the slog handler for format. "auto" writes text
// to a terminal and JSON otherwise.
func newLogHandler(output *os.File, format string, level slog.Level) slog.Handler {
	handlerOptions := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(output, handlerOptions)
	case "json":
		return slog.NewJSONHandler(output, handlerOptions)
	}
	if term.IsTerminal(int(output.Fd())) {
		return slog.NewTextHandler(output, handlerOptions)
	}
	return slog.NewJSONHandler(output, handlerOptions)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `memgate: stateful chat gateway in front of the Anthropic API.

Serves OpenAI-compatible /v1/chat/completions, /v1/completions and
/v1/models, remembering each client's conversation between requests.

Usage:
  memgate [flags]

Examples:
  # Run with defaults, key from the environment
  CLAUDE_API_KEY=sk-ant-... memgate

  # Run with a config file on a custom port
  memgate --config /etc/memgate/config.yaml --listen 127.0.0.1:9000

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
