// Package pipeline contains the platform-independent core of the ingestion
// pipeline: the canonical data model (Integration, Stream, DataItem, Activity,
// Member), the adapter contract, and the engine that dispatches work to
// adapters without knowing anything about any particular platform.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlatformType identifies a supported community platform.
type PlatformType string

const (
	PlatformReddit    PlatformType = "reddit"
	PlatformDiscourse PlatformType = "discourse"
	PlatformSlack     PlatformType = "slack"
)

// IntegrationStatus tracks the lifecycle of a tenant's platform connection.
type IntegrationStatus string

const (
	IntegrationStatusPendingAction   IntegrationStatus = "pending-action"
	IntegrationStatusInProgress      IntegrationStatus = "in-progress"
	IntegrationStatusDone            IntegrationStatus = "done"
	IntegrationStatusWaitingApproval IntegrationStatus = "waiting-approval"
	IntegrationStatusError           IntegrationStatus = "error"
)

// Integration is a tenant's configured connection to a platform. The pipeline
// reads and mutates settings and status but never deletes integrations.
type Integration struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	SegmentID  string            `json:"segment_id,omitempty"`
	Platform   PlatformType      `json:"platform"`
	Status     IntegrationStatus `json:"status"`
	Settings   json.RawMessage   `json:"settings"`
	Identifier string            `json:"identifier,omitempty"`
	Token      string            `json:"-"`
}

// Stream is one resumable unit of traversal work. Identifier is a composite
// key "streamType:disambiguator"; Payload carries every piece of state needed
// to resume (cursors, parent ids, batch membership) so processors stay
// stateless across invocations.
type Stream struct {
	Identifier string          `json:"identifier"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Type returns the stream-type portion of the identifier (everything before
// the first colon).
func (s Stream) Type() string {
	if idx := strings.IndexByte(s.Identifier, ':'); idx >= 0 {
		return s.Identifier[:idx]
	}
	return s.Identifier
}

// NewStream builds a stream with a JSON-encoded payload. It panics only on
// unmarshalable payloads, which is a programming error.
func NewStream(identifier string, payload any) Stream {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("pipeline: encode stream payload for %s: %v", identifier, err))
	}
	return Stream{Identifier: identifier, Payload: raw}
}

// DataItem is a raw, platform-shaped record awaiting normalization. Kind is
// the adapter's data-type discriminator; Payload is consumed exactly once by
// the owning adapter's data processor.
type DataItem struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewDataItem builds a data item with a JSON-encoded payload.
func NewDataItem(kind string, payload any) DataItem {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("pipeline: encode data payload of kind %s: %v", kind, err))
	}
	return DataItem{Kind: kind, Payload: raw}
}

// MemberIdentity names a member on one platform. SourceID is the platform's
// stable internal id when known.
type MemberIdentity struct {
	Platform PlatformType `json:"platform"`
	Username string       `json:"username"`
	SourceID string       `json:"source_id,omitempty"`
}

// Member is the canonical identity record embedded in every Activity.
// Identities must be non-empty and unique per platform within the list.
type Member struct {
	Identities  []MemberIdentity          `json:"identities"`
	DisplayName string                    `json:"display_name,omitempty"`
	Emails      []string                  `json:"emails,omitempty"`
	Attributes  map[string]map[string]any `json:"attributes,omitempty"`
}

// Username returns the member's username for the given platform, or "".
func (m Member) Username(platform PlatformType) string {
	for _, id := range m.Identities {
		if id.Platform == platform {
			return id.Username
		}
	}
	return ""
}

// Activity is the canonical engagement record. (Platform, SourceID) is the
// idempotency key: re-ingestion upserts, never duplicates. SourceParentID,
// when set, references another activity's SourceID within the same thread.
type Activity struct {
	SourceID       string         `json:"source_id"`
	SourceParentID string         `json:"source_parent_id,omitempty"`
	Platform       PlatformType   `json:"platform"`
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	Body           string         `json:"body,omitempty"`
	Title          string         `json:"title,omitempty"`
	URL            string         `json:"url,omitempty"`
	Channel        string         `json:"channel,omitempty"`
	Score          int            `json:"score"`
	IsContribution bool           `json:"is_contribution"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Member         Member         `json:"member"`
}

// GridEntry is one row of a platform's static (type -> weight) table.
type GridEntry struct {
	Score          int
	IsContribution bool
}

// MemberAttributeType constrains the values a member attribute can hold.
type MemberAttributeType string

const (
	AttributeTypeString MemberAttributeType = "string"
	AttributeTypeURL    MemberAttributeType = "url"
	AttributeTypeNumber MemberAttributeType = "number"
	AttributeTypeBool   MemberAttributeType = "boolean"
)

// MemberAttribute declares one typed attribute an adapter can produce.
type MemberAttribute struct {
	Name  string              `json:"name"`
	Label string              `json:"label"`
	Type  MemberAttributeType `json:"type"`
	Show  bool                `json:"show"`
}

// Common member attribute names shared across adapters.
const (
	AttrSourceID  = "sourceId"
	AttrURL       = "url"
	AttrAvatarURL = "avatarUrl"
	AttrBio       = "bio"
	AttrLocation  = "location"
	AttrWebsite   = "websiteUrl"
	AttrTimezone  = "timezone"
	AttrJobTitle  = "jobTitle"
	AttrIsBot     = "isBot"
)
