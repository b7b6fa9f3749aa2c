// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/memgate/memgate/lib/clock"
	"github.com/memgate/memgate/lib/llm"
	"github.com/memgate/memgate/lib/ratelimit"
	"github.com/memgate/memgate/lib/secret"
	"github.com/memgate/memgate/lib/session"
	"github.com/memgate/memgate/lib/upstream"
	"github.com/memgate/memgate/lib/version"
)

// summaryHeading introduces the session summary in the upstream
// system prompt.
const summaryHeading = "Summary of the earlier conversation with this user:"

// emptyReply is stored in place of an assistant reply with no text,
// such as a thinking-only reply or an immediate stop sequence.
const emptyReply = "(no content)"

// Options wires a [Gateway].
type Options struct {
	// Config is used in place. When the gateway builds its own
	// provider, an inline api_key is moved into locked memory and
	// cleared from Config.
	Config *Config

	// Provider is the upstream. Nil builds the Anthropic provider
	// from Config.Claude.
	Provider llm.Provider

	Clock  clock.Clock
	Logger *slog.Logger
}

// Gateway runs chat turns: admission, model resolution, session
// memory, translation, and the upstream call.
type Gateway struct {
	config        *Config
	mapper        *llm.Mapper
	store         *session.Store
	compressor    *session.Compressor
	limiter       *ratelimit.Limiter
	upstream      *upstream.Client
	fingerprinter *Fingerprinter
	credential    *secret.Buffer
	clock         clock.Clock
	logger        *slog.Logger
	started       time.Time
	counters      counters
	traffic       *traffic
}

// New validates the configuration and builds a Gateway.
func New(options Options) (*Gateway, error) {
	config := options.Config
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	mapper, err := llm.NewMapper(config.Claude.Models)
	if err != nil {
		return nil, err
	}
	fingerprinter, err := NewFingerprinter(config.Context.FingerprintSecret)
	if err != nil {
		return nil, err
	}

	var credential *secret.Buffer
	provider := options.Provider
	if provider == nil {
		credential, err = loadCredential(config.Claude)
		if err != nil {
			return nil, err
		}
		// The buffer is now the only long-lived copy of the key.
		config.Claude.APIKey = ""
		provider = llm.NewAnthropic(llm.AnthropicConfig{
			HTTPClient: &http.Client{},
			BaseURL:    config.Claude.BaseURL,
			Credential: credential,
			Version:    config.Claude.APIVersion,
		})
	}

	gateway := &Gateway{
		config:        config,
		mapper:        mapper,
		fingerprinter: fingerprinter,
		credential:    credential,
		clock:         options.Clock,
		logger:        options.Logger,
		started:       options.Clock.Now(),
		traffic:       newTraffic(),
		upstream: upstream.New(upstream.Config{
			Provider: provider,
			Policy: upstream.Policy{
				MaxRetries:     config.Claude.MaxRetries,
				InitialBackoff: seconds(config.Claude.InitialBackoffSeconds),
				MaxBackoff:     seconds(config.Claude.MaxBackoffSeconds),
			},
			AttemptTimeout: seconds(config.Claude.Timeout),
			Health:         upstream.NewHealth(options.Clock),
			Clock:          options.Clock,
			Logger:         options.Logger.With("component", "upstream"),
		}),
		limiter: ratelimit.New(ratelimit.Config{
			Enabled:           config.RateLimit.Enabled,
			RequestsPerMinute: config.RateLimit.RequestsPerMinute,
			BurstSize:         config.RateLimit.BurstSize,
			Clock:             options.Clock,
			Logger:            options.Logger.With("component", "ratelimit"),
		}),
	}
	if config.Context.Enabled {
		gateway.store = session.NewStore(session.Config{
			Timeout:     minutes(config.Context.SessionTimeoutMinutes),
			MaxSessions: config.Context.MaxSessions,
			Clock:       options.Clock,
			Logger:      options.Logger.With("component", "session"),
		})
		gateway.compressor = session.NewCompressor(session.CompressorConfig{
			MaxMessages:     config.Context.MaxContextMessages,
			MaxSummaryChars: config.Context.MaxSummaryChars,
		})
	}
	return gateway, nil
}

// loadCredential moves the configured API key into locked memory. It
// returns nil when no key is configured.
func loadCredential(config ClaudeConfig) (*secret.Buffer, error) {
	switch {
	case config.APIKeyFile != "":
		credential, err := secret.ReadFromPath(config.APIKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading claude.api_key_file: %w", err)
		}
		return credential, nil
	case config.APIKey != "":
		credential, err := secret.NewFromBytes([]byte(config.APIKey))
		if err != nil {
			return nil, fmt.Errorf("protecting claude.api_key: %w", err)
		}
		return credential, nil
	}
	return nil, nil
}

// Close releases the upstream credential. Call it after the server has
// shut down; no turn may run afterwards.
func (gateway *Gateway) Close() error {
	if gateway.credential == nil {
		return nil
	}
	return gateway.credential.Close()
}

// Run sweeps expired sessions and idle rate-limit windows until ctx
// ends.
func (gateway *Gateway) Run(ctx context.Context) {
	interval := minutes(gateway.config.Context.CleanupIntervalMinutes)
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	var wg sync.WaitGroup
	if gateway.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gateway.store.Run(ctx, interval)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.limiter.Run(ctx, time.Minute)
	}()
	wg.Wait()
}

// Fingerprint returns the session key for a client address and the
// configured fingerprint header value.
func (gateway *Gateway) Fingerprint(origin, header string) string {
	return gateway.fingerprinter.Fingerprint(origin, header)
}

// Call is one inbound chat request.
type Call struct {
	Request *llm.ChatRequest

	// SessionID is the caller's fingerprint.
	SessionID string

	// Client is the caller's address.
	Client string
}

// TextCall is one inbound legacy completion request.
type TextCall struct {
	Request   *llm.TextRequest
	SessionID string
	Client    string
}

func (call TextCall) chat() Call {
	return Call{Request: call.Request.ChatRequest(), SessionID: call.SessionID, Client: call.Client}
}

// Chat runs one turn and returns the completion.
//
// The upstream call does not observe ctx. If the caller goes away
// while the upstream is working, the turn still completes and is
// committed to the session; ctx only bounds the wait for a busy
// session.
func (gateway *Gateway) Chat(ctx context.Context, call Call) (*llm.ChatCompletion, error) {
	response, err := gateway.turn(ctx, call)
	if err != nil {
		return nil, err
	}
	return llm.NewChatCompletion(response, call.Request.Model, gateway.clock.Now()), nil
}

// Complete runs one legacy completion turn. The prompt is treated as
// a single user message and shares the chat pipeline and session.
func (gateway *Gateway) Complete(ctx context.Context, call TextCall) (*llm.TextCompletion, error) {
	response, err := gateway.turn(ctx, call.chat())
	if err != nil {
		return nil, err
	}
	return llm.NewTextCompletion(response, call.Request.Model, gateway.clock.Now()), nil
}

// ChatStream runs one streamed turn, passing chunks to emit in order.
// Errors before the first chunk are returned and nothing is emitted.
// When emit fails the client is treated as gone: the turn runs to
// completion and commits, but nothing further is emitted.
func (gateway *Gateway) ChatStream(ctx context.Context, call Call, emit func(llm.ChatCompletionChunk) error) error {
	builder := llm.NewChunkBuilder(call.Request.Model, gateway.clock.Now())
	sink := &chunkSink[llm.ChatCompletionChunk]{emit: emit}
	response, err := gateway.streamTurn(ctx, call,
		func() { sink.send(builder.Role()) },
		func(text string) { sink.send(builder.Text(text)) },
	)
	if err != nil {
		return err
	}
	sink.send(builder.Finish(*response))
	gateway.finishStream(call, sink.detached)
	return nil
}

// CompleteStream is the streamed form of [Gateway.Complete].
func (gateway *Gateway) CompleteStream(ctx context.Context, call TextCall, emit func(llm.TextCompletion) error) error {
	builder := llm.NewChunkBuilder(call.Request.Model, gateway.clock.Now())
	sink := &chunkSink[llm.TextCompletion]{emit: emit}
	chat := call.chat()
	response, err := gateway.streamTurn(ctx, chat,
		func() {},
		func(text string) { sink.send(builder.TextChunk(text, "")) },
	)
	if err != nil {
		return err
	}
	sink.send(builder.TextChunk("", llm.FinishReason(response.StopReason)))
	gateway.finishStream(chat, sink.detached)
	return nil
}

func (gateway *Gateway) finishStream(call Call, detached bool) {
	if detached {
		gateway.counters.detached.Add(1)
		gateway.logger.Info("client left during stream, turn committed without delivery",
			"session", call.SessionID,
			"model", call.Request.Model,
		)
	}
}

// chunkSink forwards values to emit until the first failure.
type chunkSink[T any] struct {
	emit     func(T) error
	detached bool
}

func (sink *chunkSink[T]) send(value T) {
	if sink.detached {
		return
	}
	if err := sink.emit(value); err != nil {
		sink.detached = true
	}
}

// MarkDetached records a turn whose reply could not be delivered.
func (gateway *Gateway) MarkDetached(sessionID string) {
	gateway.counters.detached.Add(1)
	gateway.logger.Info("client left before the reply, turn committed without delivery", "session", sessionID)
}

// rejectMalformed counts a request whose body could not be decoded.
func (gateway *Gateway) rejectMalformed() {
	gateway.counters.requests.Add(1)
	gateway.counters.invalid.Add(1)
}

// admit gates and translates a request. Nothing here touches the
// session or the upstream.
func (gateway *Gateway) admit(call Call) (llm.Request, error) {
	gateway.counters.requests.Add(1)

	scope := gateway.scope(call)
	if decision := gateway.limiter.Admit(scope); !decision.Allowed {
		gateway.counters.rateLimited.Add(1)
		return llm.Request{}, &RateLimitError{Scope: scope, RetryAfter: decision.RetryAfter}
	}
	if err := call.Request.Validate(); err != nil {
		gateway.counters.invalid.Add(1)
		return llm.Request{}, err
	}
	mapping, err := gateway.mapper.Resolve(call.Request.Model)
	if err != nil {
		gateway.counters.unknownModel.Add(1)
		return llm.Request{}, err
	}
	return llm.ToRequest(call.Request, mapping.ID, gateway.config.Claude.DefaultMaxTokens), nil
}

func (gateway *Gateway) scope(call Call) string {
	switch gateway.config.RateLimit.Scope {
	case ScopeSession:
		return call.SessionID
	case ScopeGlobal:
		return ScopeGlobal
	default:
		return call.Client
	}
}

// turn runs a non-streamed turn.
func (gateway *Gateway) turn(ctx context.Context, call Call) (*llm.Response, error) {
	return gateway.run(ctx, call, func(request llm.Request) (*llm.Response, error) {
		return gateway.upstream.Complete(context.WithoutCancel(ctx), request)
	})
}

// streamTurn runs a streamed turn. onStart runs once the upstream
// stream is open; onText runs for every text delta.
func (gateway *Gateway) streamTurn(ctx context.Context, call Call, onStart func(), onText func(string)) (*llm.Response, error) {
	gateway.counters.streams.Add(1)
	return gateway.run(ctx, call, func(request llm.Request) (*llm.Response, error) {
		stream, err := gateway.upstream.Stream(context.WithoutCancel(ctx), request)
		if err != nil {
			return nil, err
		}
		defer stream.Close()

		onStart()
		for {
			event, err := stream.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, gateway.interrupted(err)
			}
			switch event.Type {
			case llm.EventTextDelta:
				onText(event.Text)
			case llm.EventError:
				return nil, gateway.interrupted(event.Error)
			}
		}
		response := stream.Response()
		return &response, nil
	})
}

// interrupted records a failure after a stream was established.
func (gateway *Gateway) interrupted(err error) error {
	gateway.upstream.Health().RecordFailure(err)
	return &upstream.Error{Class: upstream.Classify(err), Attempts: 1, Err: fmt.Errorf("stream interrupted: %w", err)}
}

// run admits the call and performs it, inside the session's update
// when memory is enabled. A failed call commits nothing.
func (gateway *Gateway) run(ctx context.Context, call Call, perform func(llm.Request) (*llm.Response, error)) (*llm.Response, error) {
	base, err := gateway.admit(call)
	if err != nil {
		return nil, err
	}

	if gateway.store == nil {
		response, err := perform(base)
		return gateway.settle(call, response, err)
	}

	var response *llm.Response
	_, err = gateway.store.Update(ctx, call.SessionID, func(current *session.Session) error {
		request := gateway.remember(current, call.Request, base)
		reply, err := perform(request)
		if err != nil {
			return err
		}
		text := reply.Text()
		if strings.TrimSpace(text) == "" {
			text = emptyReply
		}
		current.Append(session.Message{
			Role:      session.RoleAssistant,
			Content:   text,
			Timestamp: gateway.clock.Now(),
		})
		response = reply
		return nil
	})
	return gateway.settle(call, response, err)
}

func (gateway *Gateway) settle(call Call, response *llm.Response, err error) (*llm.Response, error) {
	if err != nil {
		var upstreamError *upstream.Error
		if errors.As(err, &upstreamError) {
			gateway.counters.upstreamFailed.Add(1)
		}
		return nil, err
	}
	gateway.counters.turns.Add(1)
	gateway.traffic.recordModel(call.Request.Model)
	gateway.counters.inputTokens.Add(response.Usage.InputTokens)
	gateway.counters.outputTokens.Add(response.Usage.OutputTokens)
	gateway.logger.Debug("turn completed",
		"session", call.SessionID,
		"model", call.Request.Model,
		"stop_reason", string(response.StopReason),
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
	)
	return response, nil
}

// remember merges the request into the session, compresses it, and
// returns the upstream request built from the session.
//
// The last user message of the request is the new turn. A request
// arriving at an empty session may carry earlier history; it is
// imported first so replaying clients seed memory. System messages
// apply to this call only and are never stored.
func (gateway *Gateway) remember(current *session.Session, request *llm.ChatRequest, base llm.Request) llm.Request {
	conversation := request.Conversation()
	last := len(conversation) - 1
	for last >= 0 && conversation[last].Role != llm.RoleUser {
		last--
	}

	now := gateway.clock.Now()
	if len(current.Messages) == 0 && current.Summary == "" {
		for _, message := range conversation[:last] {
			current.Append(session.Message{Role: session.Role(message.Role), Content: message.Content, Timestamp: now})
		}
	}
	current.Append(session.Message{Role: session.RoleUser, Content: conversation[last].Content, Timestamp: now})

	if folded := gateway.compressor.Compress(current); folded > 0 {
		gateway.counters.compressions.Add(1)
		gateway.logger.Debug("session compressed",
			"session", current.ID,
			"folded_messages", folded,
			"turn_count", current.TurnCount,
		)
	}

	upstreamRequest := base
	upstreamRequest.System = withSummary(base.System, current.Summary)
	upstreamRequest.Messages = make([]llm.Message, 0, len(current.Messages))
	for _, message := range current.Messages {
		// The upstream wants the conversation to open with the user.
		if len(upstreamRequest.Messages) == 0 && message.Role != session.RoleUser {
			continue
		}
		upstreamRequest.Messages = append(upstreamRequest.Messages, llm.Message{Role: llm.Role(message.Role), Content: message.Content})
	}
	return upstreamRequest
}

func withSummary(system, summary string) string {
	if summary == "" {
		return system
	}
	section := summaryHeading + "\n" + summary
	if strings.TrimSpace(system) == "" {
		return section
	}
	return system + "\n\n" + section
}

// Models lists the configured client-facing models.
func (gateway *Gateway) Models() llm.ModelList {
	return llm.NewModelList(gateway.mapper.Models(), gateway.started)
}

// HealthReport is the /health document.
type HealthReport struct {
	Status    upstream.Status   `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Upstream  upstream.Snapshot `json:"upstream"`
	Sessions  *SessionCapacity  `json:"sessions,omitempty"`
}

// SessionCapacity is the session occupancy shown on /health.
type SessionCapacity struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

// Health reports upstream health and session occupancy.
func (gateway *Gateway) Health() HealthReport {
	health := gateway.upstream.Health()
	report := HealthReport{
		Status:    health.Report(gateway.config.HealthCheck.DegradedAfterFailures),
		Timestamp: gateway.clock.Now(),
		Version:   version.Short(),
		Upstream:  health.Snapshot(),
	}
	if gateway.store != nil {
		report.Sessions = &SessionCapacity{Count: gateway.store.Len(), Max: gateway.store.Capacity()}
	}
	return report
}

// Stats returns lifetime counters.
func (gateway *Gateway) Stats() Stats {
	requests, tokens := gateway.counters.snapshot()
	now := gateway.clock.Now()
	running := uptime(gateway.started, now)
	stats := Stats{
		Uptime:    running,
		Requests:  requests,
		Traffic:   gateway.traffic.snapshot(now, running),
		Tokens:    tokens,
		Upstream:  UpstreamStats{Counters: gateway.upstream.Counters(), Health: gateway.upstream.Health().Snapshot()},
		RateLimit: gateway.limiter.Stats(),
	}
	if gateway.store != nil {
		sessions := gateway.store.Stats()
		stats.Sessions = &sessions
	}
	return stats
}

// Session returns a snapshot of the session for a fingerprint.
func (gateway *Gateway) Session(fingerprint string) (*session.Session, bool) {
	if gateway.store == nil {
		return nil, false
	}
	return gateway.store.Read(fingerprint)
}

// ResetSession forgets the session for a fingerprint. It reports
// whether there was one.
func (gateway *Gateway) ResetSession(fingerprint string) bool {
	if gateway.store == nil {
		return false
	}
	return gateway.store.Delete(fingerprint)
}
