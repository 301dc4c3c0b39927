package worker

import (
	"time"

	"example.com/community-ingest/internal/pipeline"
)

// RunWorkflowInput starts one ingest run for an integration. Onboarding runs
// crawl the full history; incremental runs stop at each adapter's catch-up
// bound.
type RunWorkflowInput struct {
	IntegrationID string `json:"integration_id"`
	Onboarding    bool   `json:"onboarding"`
	Reason        string `json:"reason"`
}

// RunWorkflowResult aggregates one ingest run.
type RunWorkflowResult struct {
	WorkflowID  string    `json:"workflow_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Streams     int       `json:"streams_processed"`
	Created     int       `json:"activities_created"`
	Updated     int       `json:"activities_updated"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// StreamWorkflowInput carries one stream through its workflow. The stream's
// payload holds all traversal state, so a requeued stream re-runs unchanged.
type StreamWorkflowInput struct {
	IntegrationID string          `json:"integration_id"`
	Onboarding    bool            `json:"onboarding"`
	Webhook       bool            `json:"webhook"`
	Stream        pipeline.Stream `json:"stream"`
	// Depth guards against runaway fan-out; child streams inherit Depth+1.
	Depth int `json:"depth"`
}

// StreamWorkflowResult aggregates one stream subtree.
type StreamWorkflowResult struct {
	Streams int `json:"streams_processed"`
	Created int `json:"activities_created"`
	Updated int `json:"activities_updated"`
}

// StreamActivityOutput is what one ProcessStream invocation emitted. A rate
// limited invocation reports the delay instead of failing, so the workflow
// can sleep and re-run the same stream.
type StreamActivityOutput struct {
	Streams     []pipeline.Stream   `json:"streams,omitempty"`
	Data        []pipeline.DataItem `json:"data,omitempty"`
	RateLimited bool                `json:"rate_limited,omitempty"`
	RetryAfter  time.Duration       `json:"retry_after,omitempty"`
}

// DataActivityInput carries one data item to normalization and persistence.
type DataActivityInput struct {
	IntegrationID string            `json:"integration_id"`
	Item          pipeline.DataItem `json:"item"`
}

// DataActivityOutput counts sink effects of one data item.
type DataActivityOutput struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// WebhookWorkflowInput processes one stored webhook delivery.
type WebhookWorkflowInput struct {
	WebhookID string `json:"webhook_id"`
}

// WebhookWorkflowResult reports what a webhook delivery produced.
type WebhookWorkflowResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// StatusActivityInput transitions an integration's lifecycle state.
type StatusActivityInput struct {
	IntegrationID string                     `json:"integration_id"`
	Status        pipeline.IntegrationStatus `json:"status"`
}
