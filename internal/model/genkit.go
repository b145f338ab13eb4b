package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/session"
	"github.com/implementos/agentd/internal/tool"
)

// GenkitAdapter implements Adapter on top of the Genkit generate API.
// Tool declarations are attached once at startup; per-turn requests
// reference them by name. The runtime dispatches tools itself, so
// every generate call returns tool requests instead of executing
// them.
type GenkitAdapter struct {
	g       *genkit.Genkit
	logger  log.Logger
	retry   RetryConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter

	mu    sync.RWMutex
	tools map[string]ai.Tool
}

// GenkitOption configures a GenkitAdapter.
type GenkitOption func(*GenkitAdapter)

// WithRetryConfig overrides the default retry behavior.
func WithRetryConfig(cfg RetryConfig) GenkitOption {
	return func(a *GenkitAdapter) { a.retry = cfg }
}

// WithCircuitBreaker overrides the default circuit breaker.
func WithCircuitBreaker(cb *CircuitBreaker) GenkitOption {
	return func(a *GenkitAdapter) { a.breaker = cb }
}

// WithRateLimiter gates each provider attempt through l.
func WithRateLimiter(l *rate.Limiter) GenkitOption {
	return func(a *GenkitAdapter) { a.limiter = l }
}

// NewGenkitAdapter creates an adapter over an initialized Genkit
// instance.
func NewGenkitAdapter(g *genkit.Genkit, logger log.Logger, opts ...GenkitOption) *GenkitAdapter {
	a := &GenkitAdapter{
		g:       g,
		logger:  logger,
		retry:   DefaultRetryConfig(),
		breaker: NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		tools:   make(map[string]ai.Tool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AttachTools declares specs in the Genkit registry so requests can
// reference them by name. Called once during startup wiring.
func (a *GenkitAdapter) AttachTools(specs []*tool.Spec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range specs {
		if _, ok := a.tools[s.Name]; ok {
			continue
		}
		a.tools[s.Name] = s.Attach(a.g)
	}
}

func (a *GenkitAdapter) resolveTools(decls []ToolDecl) ([]ai.ToolRef, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	refs := make([]ai.ToolRef, 0, len(decls))
	for _, d := range decls {
		t, ok := a.tools[d.Name]
		if !ok {
			return nil, fmt.Errorf("tool %q not attached to model adapter", d.Name)
		}
		refs = append(refs, t)
	}
	return refs, nil
}

// Complete starts one model turn.
func (a *GenkitAdapter) Complete(ctx context.Context, req Request) (*Stream, error) {
	if err := a.breaker.Allow(); err != nil {
		return nil, err
	}
	refs, err := a.resolveTools(req.Tools)
	if err != nil {
		return nil, err
	}
	msgs, err := toProviderMessages(req)
	if err != nil {
		return nil, fmt.Errorf("render messages: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	st := &Stream{events: make(chan Event, 64), cancel: cancel}
	go a.run(cctx, req, msgs, refs, st)
	return st, nil
}

func (a *GenkitAdapter) run(ctx context.Context, req Request, msgs []*ai.Message, refs []ai.ToolRef, st *Stream) {
	defer close(st.events)
	defer st.cancel()

	resp, err := a.generate(ctx, req, msgs, refs, st)
	if err != nil {
		a.breaker.Failure()
		st.emit(ctx, Event{Kind: EventError, Err: err})
		return
	}
	a.breaker.Success()

	if u := resp.Usage; u != nil {
		st.emit(ctx, Event{Kind: EventUsage, Usage: &session.Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		}})
	}

	if trs := resp.ToolRequests(); len(trs) > 0 {
		calls := make([]ToolCall, 0, len(trs))
		for _, tr := range trs {
			raw, err := normalizeArgs(tr.Input)
			if err != nil {
				// Pass the malformed document through so the
				// dispatcher rejects it with a structured
				// invalid-arguments message and the loop continues.
				a.logger.Warn("unrepairable tool arguments",
					"tool", tr.Name, "error", err)
				raw, _ = json.Marshal(fmt.Sprint(tr.Input))
			}
			calls = append(calls, ToolCall{ID: tr.Ref, Name: tr.Name, Arguments: raw})
		}
		st.emit(ctx, Event{Kind: EventToolCalls, ToolCalls: calls})
		return
	}

	st.emit(ctx, Event{Kind: EventFinal, Text: resp.Text()})
}

// generate calls the provider with retry. Transient failures are
// retried with jittered backoff, but only while nothing has been
// streamed yet; retrying a partially streamed turn would duplicate
// output at the consumer.
func (a *GenkitAdapter) generate(ctx context.Context, req Request, msgs []*ai.Message, refs []ai.ToolRef, st *Stream) (*ai.ModelResponse, error) {
	streamed := false
	opts := []ai.GenerateOption{
		ai.WithModelName(req.ModelID),
		ai.WithMessages(msgs...),
		ai.WithConfig(generationConfig(req)),
		ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			if text := chunk.Text(); text != "" {
				streamed = true
				st.emit(ctx, Event{Kind: EventTokenDelta, Delta: text})
			}
			return nil
		}),
	}
	if len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := genkit.Generate(ctx, a.g, opts...)
		if err == nil {
			a.logger.Debug("model turn completed",
				"model", req.ModelID,
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) || streamed || attempt == a.retry.MaxRetries {
			break
		}

		delay := a.retry.backoff(attempt)
		a.logger.Debug("retrying model turn",
			"model", req.ModelID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("generate: %w", lastErr)
}

func generationConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	return cfg
}

// toProviderMessages renders the session transcript in provider
// form. Assistant tool calls become model tool-request parts and tool
// replies tool-response parts, so the provider sees the same pairing
// the history stores.
func toProviderMessages(req Request) ([]*ai.Message, error) {
	msgs := make([]*ai.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, &ai.Message{
			Role:    ai.RoleSystem,
			Content: []*ai.Part{ai.NewTextPart(req.System)},
		})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleSystem:
			msgs = append(msgs, &ai.Message{
				Role:    ai.RoleSystem,
				Content: []*ai.Part{ai.NewTextPart(m.Content)},
			})
		case session.RoleUser:
			msgs = append(msgs, &ai.Message{
				Role:    ai.RoleUser,
				Content: []*ai.Part{ai.NewTextPart(m.Content)},
			})
		case session.RoleAssistant:
			if m.IsToolCall() {
				var input any
				if len(m.Arguments) > 0 {
					if err := json.Unmarshal(m.Arguments, &input); err != nil {
						return nil, fmt.Errorf("decode stored tool-call arguments for %s: %w", m.ToolName, err)
					}
				}
				msgs = append(msgs, &ai.Message{
					Role: ai.RoleModel,
					Content: []*ai.Part{ai.NewToolRequestPart(&ai.ToolRequest{
						Name:  m.ToolName,
						Ref:   m.ToolCallID,
						Input: input,
					})},
				})
				continue
			}
			msgs = append(msgs, &ai.Message{
				Role:    ai.RoleModel,
				Content: []*ai.Part{ai.NewTextPart(m.Content)},
			})
		case session.RoleTool:
			msgs = append(msgs, &ai.Message{
				Role: ai.RoleTool,
				Content: []*ai.Part{ai.NewToolResponsePart(&ai.ToolResponse{
					Name:   m.ToolName,
					Ref:    m.ToolCallID,
					Output: m.Content,
				})},
			})
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	return msgs, nil
}
