// Package router resolves roles to models and dispatches chat calls to
// provider adapters with circuit breaking and fallback.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/config"
	"github.com/bakerst/bakerst/internal/infra"
	"github.com/bakerst/bakerst/internal/observability"
)

const (
	defaultChatTimeout   = 150 * time.Second
	defaultStreamTimeout = 300 * time.Second
)

// oauthMarker identifies Anthropic OAuth tokens.
const oauthMarker = "sk-ant-oat"

// Router resolves a role (or explicit model id) to a provider adapter and
// executes the call inside the provider's circuit breaker. Non-streaming
// calls walk the fallback chain; streaming calls fail fast.
type Router struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	cfg       *config.RouterConfig
	adapters  map[string]adapter
	onAPICall func(APICall)
	useOAuth  bool

	breakers *infra.CircuitBreakerRegistry

	// newAdapter is swapped in tests.
	newAdapter func(key string, pc config.ProviderConfig) (adapter, error)

	chatTimeout   time.Duration
	streamTimeout time.Duration
}

// New creates a Router from a validated config.
func New(cfg *config.RouterConfig, logger *slog.Logger, metrics *observability.Metrics) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		logger:        logger,
		metrics:       metrics,
		cfg:           cfg,
		adapters:      make(map[string]adapter),
		breakers:      infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{}),
		newAdapter:    buildAdapter,
		chatTimeout:   defaultChatTimeout,
		streamTimeout: defaultStreamTimeout,
	}
	r.useOAuth = detectOAuth(cfg)
	return r, nil
}

func buildAdapter(key string, pc config.ProviderConfig) (adapter, error) {
	switch pc.Kind {
	case config.ProviderAnthropicNative, config.ProviderAnthropicCompat:
		oauth := pc.OAuthToken
		if oauth == "" && strings.Contains(pc.APIKey, oauthMarker) {
			oauth = pc.APIKey
		}
		return newAnthropicAdapter(key, pc.APIKey, oauth, pc.BaseURL)
	case config.ProviderOpenAICompat:
		return newOpenAIAdapter(key, pc.APIKey, pc.BaseURL), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", key, pc.Kind)
	}
}

func detectOAuth(cfg *config.RouterConfig) bool {
	for _, pc := range cfg.Providers {
		if pc.Kind != config.ProviderAnthropicNative {
			continue
		}
		if strings.Contains(pc.OAuthToken, oauthMarker) || strings.Contains(pc.APIKey, oauthMarker) {
			return true
		}
	}
	return false
}

// UseOAuth reports whether the default Anthropic provider authenticates with
// an OAuth token. The context builder prepends an identity block when true.
func (r *Router) UseOAuth() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.useOAuth
}

// SetOnAPICall registers an audit callback invoked after every adapter call,
// success or failure.
func (r *Router) SetOnAPICall(cb func(APICall)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAPICall = cb
}

// Updates merges into the live config.
type Updates struct {
	Roles         map[string]string
	FallbackChain []string
}

// UpdateConfig merges roles and/or fallback chain in place.
func (r *Router) UpdateConfig(updates Updates) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := *r.cfg
	if updates.Roles != nil {
		merged := make(map[string]string, len(r.cfg.Roles)+len(updates.Roles))
		for role, id := range r.cfg.Roles {
			merged[role] = id
		}
		for role, id := range updates.Roles {
			merged[role] = id
		}
		next.Roles = merged
	}
	if updates.FallbackChain != nil {
		next.FallbackChain = updates.FallbackChain
	}
	if err := next.Validate(); err != nil {
		return err
	}
	r.cfg = &next
	return nil
}

// ReplaceConfig swaps the whole config, dropping cached adapters so new
// provider settings take effect. Used by the hot-reload watcher.
func (r *Router) ReplaceConfig(cfg *config.RouterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.adapters = make(map[string]adapter)
	r.useOAuth = detectOAuth(cfg)
	return nil
}

// resolveModel picks the model from the override or the role mapping.
func (r *Router) resolveModel(params *ChatParams) (config.ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if params.ModelOverride != "" {
		m, ok := r.cfg.Model(params.ModelOverride)
		if !ok {
			return config.ModelConfig{}, fmt.Errorf("%q: %w", params.ModelOverride, brainerrors.ErrUnknownModel)
		}
		return m, nil
	}

	role := params.Role
	if role == "" {
		role = "agent"
	}
	id, ok := r.cfg.Roles[role]
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("%q: %w", role, brainerrors.ErrUnknownRole)
	}
	m, ok := r.cfg.Model(id)
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("%q: %w", id, brainerrors.ErrUnknownModel)
	}
	return m, nil
}

func (r *Router) fallbackCandidates(primary config.ModelConfig) []config.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := []config.ModelConfig{primary}
	for _, id := range r.cfg.FallbackChain {
		if id == primary.ID {
			continue
		}
		if m, ok := r.cfg.Model(id); ok {
			candidates = append(candidates, m)
		}
	}
	return candidates
}

func (r *Router) getAdapter(providerKey string) (adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[providerKey]
	pc, configured := r.cfg.Providers[providerKey]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if !configured {
		return nil, fmt.Errorf("provider %q is not configured", providerKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[providerKey]; ok {
		return a, nil
	}
	a, err := r.newAdapter(providerKey, pc)
	if err != nil {
		return nil, err
	}
	r.adapters[providerKey] = a
	return a, nil
}

func (r *Router) audit(call APICall) {
	r.mu.RLock()
	cb := r.onAPICall
	r.mu.RUnlock()
	if cb != nil {
		cb(call)
	}
	if r.metrics != nil {
		status := "success"
		if call.Error != "" {
			status = "error"
		}
		r.metrics.RecordRouterCall(call.Provider, call.Model, status,
			float64(call.DurationMs)/1000, call.InputTokens, call.OutputTokens)
	}
}

// Chat executes a non-streaming call, walking the fallback chain on errors.
// If every candidate fails the last error is surfaced.
func (r *Router) Chat(ctx context.Context, params *ChatParams) (*ChatResponse, error) {
	primary, err := r.resolveModel(params)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, model := range r.fallbackCandidates(primary) {
		a, err := r.getAdapter(model.Provider)
		if err != nil {
			lastErr = err
			continue
		}

		breaker := r.breakers.Get(model.Provider)
		if !breaker.Allow() {
			r.logger.Warn("circuit open, skipping model",
				"provider", model.Provider, "model", model.ID)
			lastErr = fmt.Errorf("%s: %w", model.Provider, infra.ErrCircuitOpen)
			continue
		}

		req := r.buildRequest(model, params)
		callCtx, cancel := context.WithTimeout(ctx, r.chatTimeout)
		start := time.Now()
		resp, err := a.Chat(callCtx, req)
		cancel()
		duration := time.Since(start)

		call := APICall{
			Provider:   model.Provider,
			Model:      model.ID,
			DurationMs: duration.Milliseconds(),
		}
		if err != nil {
			breaker.RecordFailure()
			call.Error = err.Error()
			r.audit(call)
			r.logger.Warn("model call failed",
				"provider", model.Provider, "model", model.ID, "error", err)
			lastErr = err
			continue
		}
		breaker.RecordSuccess()

		cleaned, err := r.validateResponse(resp)
		if err != nil {
			call.Error = err.Error()
			r.audit(call)
			return nil, err
		}
		call.InputTokens = cleaned.Usage.InputTokens
		call.OutputTokens = cleaned.Usage.OutputTokens
		r.audit(call)
		return cleaned, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no candidate models")
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// ChatStream executes a streaming call. No fallback: a breaker-open or
// adapter error fails immediately. The returned channel carries zero or more
// text_delta events and exactly one terminal event (message_done or error).
func (r *Router) ChatStream(ctx context.Context, params *ChatParams) (<-chan StreamEvent, error) {
	model, err := r.resolveModel(params)
	if err != nil {
		return nil, err
	}
	a, err := r.getAdapter(model.Provider)
	if err != nil {
		return nil, err
	}

	breaker := r.breakers.Get(model.Provider)
	if !breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", model.Provider, infra.ErrCircuitOpen)
	}

	streamCtx, cancel := context.WithTimeout(ctx, r.streamTimeout)
	inner, err := a.ChatStream(streamCtx, r.buildRequest(model, params))
	if err != nil {
		cancel()
		breaker.RecordFailure()
		r.audit(APICall{Provider: model.Provider, Model: model.ID, Error: err.Error()})
		return nil, err
	}

	out := make(chan StreamEvent)
	start := time.Now()

	go func() {
		defer close(out)
		defer cancel()

		for event := range inner {
			switch {
			case event.Err != nil:
				breaker.RecordFailure()
				r.audit(APICall{
					Provider:   model.Provider,
					Model:      model.ID,
					DurationMs: time.Since(start).Milliseconds(),
					Error:      event.Err.Error(),
				})
				out <- event
				return

			case event.Type == EventMessageDone:
				cleaned, verr := r.validateResponse(event.Response)
				if verr != nil {
					breaker.RecordFailure()
					r.audit(APICall{
						Provider:   model.Provider,
						Model:      model.ID,
						DurationMs: time.Since(start).Milliseconds(),
						Error:      verr.Error(),
					})
					out <- StreamEvent{Err: verr}
					return
				}
				breaker.RecordSuccess()
				r.audit(APICall{
					Provider:     model.Provider,
					Model:        model.ID,
					DurationMs:   time.Since(start).Milliseconds(),
					InputTokens:  cleaned.Usage.InputTokens,
					OutputTokens: cleaned.Usage.OutputTokens,
				})
				out <- StreamEvent{Type: EventMessageDone, Response: cleaned}
				return

			default:
				out <- event
			}
		}

		// Inner stream closed without a terminal event.
		breaker.RecordFailure()
		err := fmt.Errorf("%s: %w", model.Provider, brainerrors.ErrInvalidResponseShape)
		r.audit(APICall{
			Provider:   model.Provider,
			Model:      model.ID,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		out <- StreamEvent{Err: err}
	}()

	return out, nil
}

func (r *Router) buildRequest(model config.ModelConfig, params *ChatParams) *providerRequest {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &providerRequest{
		Model:     model.ModelName,
		System:    params.System,
		Messages:  params.Messages,
		Tools:     params.Tools,
		MaxTokens: maxTokens,
	}
}

// validateResponse enforces the response contract: a non-empty content array
// and usage counters. Unknown block types and blocks missing required fields
// are dropped with a warning.
func (r *Router) validateResponse(resp *ChatResponse) (*ChatResponse, error) {
	if resp == nil || resp.Content == nil {
		return nil, fmt.Errorf("missing content array: %w", brainerrors.ErrInvalidResponseShape)
	}
	if resp.Usage.InputTokens < 0 || resp.Usage.OutputTokens < 0 {
		return nil, fmt.Errorf("missing usage: %w", brainerrors.ErrInvalidResponseShape)
	}

	kept := make([]ContentBlock, 0, len(resp.Content))
	for _, blk := range resp.Content {
		switch blk.Type {
		case BlockText:
			kept = append(kept, blk)
		case BlockToolUse:
			if blk.ID == "" || blk.Name == "" {
				r.logger.Warn("dropping tool_use block missing id or name", "model", resp.Model)
				continue
			}
			kept = append(kept, blk)
		case BlockToolResult:
			if blk.ToolUseID == "" {
				r.logger.Warn("dropping tool_result block missing toolUseId", "model", resp.Model)
				continue
			}
			kept = append(kept, blk)
		default:
			r.logger.Warn("dropping unknown content block type",
				"type", blk.Type, "model", resp.Model)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("empty content array: %w", brainerrors.ErrInvalidResponseShape)
	}

	out := *resp
	out.Content = kept
	return &out, nil
}
