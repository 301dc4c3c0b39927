// Package store persists integrations, canonical activities, members, and
// webhook deliveries. Two backends implement the same contract: an embedded
// SQLite database for single-node deployments and PostgreSQL for shared ones.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract shared by both backends. It doubles as
// the pipeline's shared counter cache and per-integration KV store, so rate
// limiter state survives process restarts.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertIntegration(ctx context.Context, integration pipeline.Integration) error
	GetIntegration(ctx context.Context, id string) (pipeline.Integration, error)
	ListIntegrations(ctx context.Context) ([]pipeline.Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id string, status pipeline.IntegrationStatus) error
	UpdateIntegrationSettings(ctx context.Context, id string, settings json.RawMessage) error

	// UpsertActivity resolves the embedded member and writes the activity,
	// keyed on (tenant, platform, source id). Returns the activity row id
	// and whether a new row was created rather than updated.
	UpsertActivity(ctx context.Context, tenantID, segmentID string, activity pipeline.Activity) (string, bool, error)
	ListActivities(ctx context.Context, filter ActivityFilter) ([]ActivityRecord, error)
	ListMembers(ctx context.Context, tenantID string, limit int) ([]MemberRecord, error)

	InsertWebhook(ctx context.Context, delivery WebhookDelivery) error
	GetWebhook(ctx context.Context, id string) (WebhookDelivery, error)
	MarkWebhookDone(ctx context.Context, id string, processErr error) error

	// Counter cache: Increment bumps a key, setting its expiry on first
	// touch; Counter reads the current count and remaining TTL.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Counter(ctx context.Context, key string) (int64, time.Duration, error)

	// KV cache used by adapters for memoization.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// ActivityFilter narrows debug listings.
type ActivityFilter struct {
	TenantID string
	Platform pipeline.PlatformType
	Type     string
	Limit    int
}

// ActivityRecord is a stored activity plus its persistence envelope.
type ActivityRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SegmentID string    `json:"segment_id"`
	MemberID  string    `json:"member_id"`
	UpdatedAt time.Time `json:"updated_at"`
	pipeline.Activity
}

// MemberRecord is a stored member with its platform identities.
type MemberRecord struct {
	ID          string                    `json:"id"`
	TenantID    string                    `json:"tenant_id"`
	DisplayName string                    `json:"display_name"`
	Emails      []string                  `json:"emails,omitempty"`
	Attributes  map[string]map[string]any `json:"attributes,omitempty"`
	Identities  []pipeline.MemberIdentity `json:"identities"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Webhook delivery states.
const (
	WebhookStatePending   = "pending"
	WebhookStateProcessed = "processed"
	WebhookStateError     = "error"
)

// WebhookDelivery is one raw inbound webhook, persisted before any
// processing so a crash never loses the payload.
type WebhookDelivery struct {
	ID            string                `json:"id"`
	IntegrationID string                `json:"integration_id"`
	Platform      pipeline.PlatformType `json:"platform"`
	Payload       json.RawMessage       `json:"payload"`
	State         string                `json:"state"`
	Error         string                `json:"error,omitempty"`
	ReceivedAt    time.Time             `json:"received_at"`
}

// Credentials resolves platform tokens from stored integrations. Tokens
// carried on the integration record win; this keeps token storage in one
// place without blocking callers that pass a fresh token inline.
type Credentials struct {
	Store Store
}

func (c Credentials) Token(ctx context.Context, integration pipeline.Integration) (string, error) {
	if integration.Token != "" {
		return integration.Token, nil
	}
	stored, err := c.Store.GetIntegration(ctx, integration.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", pipeline.ErrNoCredential
		}
		return "", err
	}
	if stored.Token == "" {
		return "", pipeline.ErrNoCredential
	}
	return stored.Token, nil
}
