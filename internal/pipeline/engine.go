package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"example.com/community-ingest/internal/ratelimit"
)

// StreamResult collects everything one stream invocation emitted. Child
// streams go back into the work queue; data items go to the data processor.
type StreamResult struct {
	Streams []Stream
	Data    []DataItem
}

// Engine dispatches work to the adapter registry. It is scheduler-agnostic:
// it runs exactly one invocation to completion and hands the emissions back
// to the caller, which owns queueing, retries, and rate-limit requeues.
type Engine struct {
	registry     *Registry
	tokens       TokenProvider
	limits       ratelimit.Cache
	kv           KV
	integrations IntegrationUpdater
	log          *slog.Logger
}

// NewEngine wires the engine with its collaborators.
func NewEngine(registry *Registry, tokens TokenProvider, limits ratelimit.Cache, kv KV, integrations IntegrationUpdater, log *slog.Logger) *Engine {
	return &Engine{
		registry:     registry,
		tokens:       tokens,
		limits:       limits,
		kv:           kv,
		integrations: integrations,
		log:          log,
	}
}

// GenerateStreams asks the integration's adapter for the seed streams of a
// run. A configuration problem comes back as a typed ConfigurationError.
func (e *Engine) GenerateStreams(ctx context.Context, integration Integration, onboarding bool) ([]Stream, error) {
	descriptor, err := e.registry.Lookup(integration.Platform)
	if err != nil {
		return nil, err
	}

	var seeds []Stream
	gctx := &GenerateStreamsContext{
		Context:     ctx,
		Integration: integration,
		Onboarding:  onboarding,
		Log:         e.streamLog(integration, "generate-streams"),
		publishStream: func(s Stream) error {
			seeds = append(seeds, s)
			return nil
		},
		updateSettings: func(raw json.RawMessage) error {
			return e.integrations.UpdateIntegrationSettings(ctx, integration.ID, raw)
		},
	}
	if err := descriptor.GenerateStreams(gctx); err != nil {
		return nil, err
	}
	gctx.Log.Info("seed streams generated", "count", len(seeds))
	return seeds, nil
}

// ProcessStream runs one stream invocation against the owning adapter and
// returns its emissions. Rate-limit signals surface as *ratelimit.Error; the
// caller requeues the same stream unchanged after the signaled delay.
func (e *Engine) ProcessStream(ctx context.Context, integration Integration, stream Stream, onboarding bool) (StreamResult, error) {
	return e.runStream(ctx, integration, stream, onboarding, false)
}

// ProcessWebhookStream runs a webhook-born stream through the adapter's
// webhook processor, which follows the same emission contract as polling.
func (e *Engine) ProcessWebhookStream(ctx context.Context, integration Integration, stream Stream) (StreamResult, error) {
	return e.runStream(ctx, integration, stream, false, true)
}

func (e *Engine) runStream(ctx context.Context, integration Integration, stream Stream, onboarding, webhook bool) (StreamResult, error) {
	descriptor, err := e.registry.Lookup(integration.Platform)
	if err != nil {
		return StreamResult{}, err
	}
	handler := descriptor.ProcessStream
	if webhook {
		handler = descriptor.ProcessWebhookStream
		if handler == nil {
			return StreamResult{}, NewConfigurationError(integration.Platform, "platform has no webhook stream processor")
		}
	}

	token, err := e.tokens.Token(ctx, integration)
	if err != nil {
		return StreamResult{}, fmt.Errorf("resolve credential for integration %s: %w", integration.ID, err)
	}

	var result StreamResult
	sctx := &ProcessStreamContext{
		Context:     ctx,
		Integration: integration,
		Stream:      stream,
		Onboarding:  onboarding,
		Token:       token,
		Log:         e.streamLog(integration, stream.Identifier),
		Cache:       prefixedKV{kv: e.kv, prefix: "int:" + integration.ID + ":"},
		publishStream: func(s Stream) error {
			result.Streams = append(result.Streams, s)
			return nil
		},
		publishData: func(d DataItem) error {
			result.Data = append(result.Data, d)
			return nil
		},
		updateSettings: func(raw json.RawMessage) error {
			return e.integrations.UpdateIntegrationSettings(ctx, integration.ID, raw)
		},
		limiter: func(maxRequests int, window time.Duration, key string) *ratelimit.Limiter {
			counterKey := fmt.Sprintf("%s:%s:%s", integration.Platform, integration.ID, key)
			return ratelimit.NewLimiter(e.limits, maxRequests, window, counterKey)
		},
	}

	if err := handler(sctx); err != nil {
		return StreamResult{}, err
	}
	sctx.Log.Debug("stream processed", "child_streams", len(result.Streams), "data_items", len(result.Data))
	return result, nil
}

// ProcessData normalizes one raw data item into zero or one activities.
func (e *Engine) ProcessData(ctx context.Context, integration Integration, item DataItem) ([]Activity, error) {
	descriptor, err := e.registry.Lookup(integration.Platform)
	if err != nil {
		return nil, err
	}

	var activities []Activity
	dctx := &ProcessDataContext{
		Context:     ctx,
		Integration: integration,
		Item:        item,
		Log:         e.streamLog(integration, "data:"+item.Kind),
		publishActivity: func(a Activity) error {
			activities = append(activities, a)
			return nil
		},
	}
	if err := descriptor.ProcessData(dctx); err != nil {
		return nil, err
	}
	return activities, nil
}

// MemberAttributes exposes the attribute schema of a platform's adapter.
func (e *Engine) MemberAttributes(platform PlatformType) ([]MemberAttribute, error) {
	descriptor, err := e.registry.Lookup(platform)
	if err != nil {
		return nil, err
	}
	return descriptor.MemberAttributes, nil
}

func (e *Engine) streamLog(integration Integration, unit string) *slog.Logger {
	return e.log.With(
		"integration_id", integration.ID,
		"tenant_id", integration.TenantID,
		"platform", integration.Platform,
		"unit", unit,
	)
}

// prefixedKV scopes the shared KV cache to one integration.
type prefixedKV struct {
	kv     KV
	prefix string
}

func (p prefixedKV) Get(ctx context.Context, key string) (string, bool, error) {
	return p.kv.Get(ctx, p.prefix+key)
}

func (p prefixedKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.kv.Set(ctx, p.prefix+key, value, ttl)
}
