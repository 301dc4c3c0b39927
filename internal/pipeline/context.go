package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"example.com/community-ingest/internal/ratelimit"
)

// KV is the small string cache surfaced to stream processors, scoped to one
// integration. Adapters use it to memoize expensive secondary lookups.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// TokenProvider resolves a usable access token for an integration. It is an
// external collaborator; failures must wrap ErrNoCredential.
type TokenProvider interface {
	Token(ctx context.Context, integration Integration) (string, error)
}

// IntegrationUpdater persists integration mutations made mid-run, such as
// discovered channel lists.
type IntegrationUpdater interface {
	UpdateIntegrationSettings(ctx context.Context, integrationID string, settings json.RawMessage) error
}

// GenerateStreamsContext is handed to an adapter's stream generator.
type GenerateStreamsContext struct {
	context.Context

	Integration Integration
	Onboarding  bool
	Log         *slog.Logger

	publishStream  func(Stream) error
	updateSettings func(json.RawMessage) error
}

// PublishStream emits one seed stream with a JSON-encoded payload.
func (c *GenerateStreamsContext) PublishStream(identifier string, payload any) error {
	return c.publishStream(NewStream(identifier, payload))
}

// UpdateSettings persists new integration settings, merged by the store.
func (c *GenerateStreamsContext) UpdateSettings(settings any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return c.updateSettings(raw)
}

// ProcessStreamContext is handed to an adapter's stream processor. All
// traversal state travels in Stream.Payload; the processor keeps no
// cross-invocation memory of its own.
type ProcessStreamContext struct {
	context.Context

	Integration Integration
	Stream      Stream
	Onboarding  bool
	Token       string
	Log         *slog.Logger

	// Cache is scoped to the integration and shared between its streams.
	Cache KV

	publishStream  func(Stream) error
	publishData    func(DataItem) error
	updateSettings func(json.RawMessage) error
	limiter        func(maxRequests int, window time.Duration, key string) *ratelimit.Limiter
}

// PublishStream emits one child stream; it is fed back into the work queue.
func (c *ProcessStreamContext) PublishStream(identifier string, payload any) error {
	return c.publishStream(NewStream(identifier, payload))
}

// PublishData emits one raw data item for later normalization.
func (c *ProcessStreamContext) PublishData(kind string, payload any) error {
	return c.publishData(NewDataItem(kind, payload))
}

// UpdateSettings persists new integration settings discovered mid-stream.
func (c *ProcessStreamContext) UpdateSettings(settings any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return c.updateSettings(raw)
}

// RateLimiter returns the shared limiter for this integration/platform under
// the given counter key.
func (c *ProcessStreamContext) RateLimiter(maxRequests int, window time.Duration, key string) *ratelimit.Limiter {
	return c.limiter(maxRequests, window, key)
}

// UnmarshalPayload decodes the stream payload into v. Absent payloads leave v
// untouched so zero values act as defaults.
func (c *ProcessStreamContext) UnmarshalPayload(v any) error {
	if len(c.Stream.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Stream.Payload, v); err != nil {
		return fmt.Errorf("decode payload of stream %s: %w", c.Stream.Identifier, err)
	}
	return nil
}

// ProcessDataContext is handed to an adapter's data processor.
type ProcessDataContext struct {
	context.Context

	Integration Integration
	Item        DataItem
	Log         *slog.Logger

	publishActivity func(Activity) error
}

// PublishActivity emits one normalized activity with its embedded member.
func (c *ProcessDataContext) PublishActivity(activity Activity) error {
	return c.publishActivity(activity)
}

// UnmarshalPayload decodes the data item payload into v.
func (c *ProcessDataContext) UnmarshalPayload(v any) error {
	if err := json.Unmarshal(c.Item.Payload, v); err != nil {
		return fmt.Errorf("decode payload of data kind %s: %w", c.Item.Kind, err)
	}
	return nil
}
