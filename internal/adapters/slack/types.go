package slack

import (
	"time"

	"example.com/community-ingest/internal/pipeline"
)

// Stream type discriminators.
const (
	StreamRoot    = "root"
	StreamChannel = "channel"
	StreamMembers = "members"
	StreamThreads = "threads"
)

// Data kind discriminators.
const (
	DataKindMessage = "message"
	DataKindMember  = "member"
)

// Activity types.
const (
	ActivityTypeMessage       = "message"
	ActivityTypeChannelJoined = "channel_joined"
)

// Grid assigns static weights per activity type.
var Grid = map[string]pipeline.GridEntry{
	ActivityTypeMessage:       {Score: 6, IsContribution: true},
	ActivityTypeChannelJoined: {Score: 3, IsContribution: false},
}

// messageSubtypeChannelJoin marks the synthetic "X has joined the channel"
// message slack injects into channel history.
const messageSubtypeChannelJoin = "channel_join"

const defaultBaseURL = "https://slack.com/api"

// historyPageSize bounds one history or replies request.
const historyPageSize = 200

// memberCacheTTL bounds how long a resolved profile may be reused. Misses are
// cached too so repeat mentions of deleted users stay free.
const memberCacheTTL = 24 * time.Hour

// maxRetrospect bounds incremental catch-up: an already-crawled channel stops
// paging once a history page's oldest message falls outside this window.
// Channels on their first crawl backfill the full history instead.
const maxRetrospect = time.Hour

// memberCacheMiss is the tombstone stored for users slack no longer knows.
const memberCacheMiss = "null"

// Slack sometimes omits Retry-After on 429.
const defaultRetryAfter = 30 * time.Second

// Settings is the per-integration configuration. Channels is written back
// after every discovery pass so later runs can tell new channels from ones
// already crawled.
type Settings struct {
	Channels []ChannelSetting `json:"channels"`
	BaseURL  string           `json:"baseUrl,omitempty"`
}

// ChannelSetting is one discovered channel. New is set while a channel still
// needs its first full crawl.
type ChannelSetting struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	New  bool   `json:"new,omitempty"`
}

// ChannelStreamPayload pages through one channel's history.
type ChannelStreamPayload struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Cursor      string `json:"cursor,omitempty"`
	// New marks a channel's first crawl, which is exempt from maxRetrospect.
	New bool `json:"new,omitempty"`
}

// MembersStreamPayload pages through the workspace member list.
type MembersStreamPayload struct {
	Cursor string `json:"cursor,omitempty"`
}

// ThreadsStreamPayload pages through one thread's replies.
type ThreadsStreamPayload struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	ThreadTS    string `json:"thread_ts"`
	// ParentBody names the thread in channel-style display strings.
	ParentBody string `json:"parent_body,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
	// New mirrors the owning channel's first-crawl flag.
	New bool `json:"new,omitempty"`
}

// MessageData carries one message plus its already-resolved author.
type MessageData struct {
	Message     Message `json:"message"`
	User        User    `json:"user"`
	ChannelID   string  `json:"channel_id"`
	ChannelName string  `json:"channel_name"`
	// ThreadTS is set for replies and names the parent message.
	ThreadTS string `json:"thread_ts,omitempty"`
}

// MemberData carries one workspace member from the onboarding member sweep.
type MemberData struct {
	User User `json:"user"`
}

// Message mirrors the fields we consume from conversations.history.
type Message struct {
	TS       string `json:"ts"`
	Text     string `json:"text"`
	User     string `json:"user"`
	Subtype  string `json:"subtype,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
	// ReplyCount is only set on thread roots.
	ReplyCount int    `json:"reply_count,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
}

// Channel mirrors the fields we consume from conversations.list.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User mirrors the fields we consume from users.info / users.list.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	TZ      string `json:"tz"`
	IsBot   bool   `json:"is_bot"`
	Deleted bool   `json:"deleted"`
	Profile struct {
		RealName string `json:"real_name"`
		Email    string `json:"email"`
		Title    string `json:"title"`
		Image    string `json:"image_192"`
	} `json:"profile"`
}

type responseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

// apiEnvelope carries the fields shared by all slack API responses.
type apiEnvelope struct {
	OK               bool             `json:"ok"`
	Error            string           `json:"error"`
	ResponseMetadata responseMetadata `json:"response_metadata"`
}

type channelsResponse struct {
	apiEnvelope
	Channels []Channel `json:"channels"`
}

type historyResponse struct {
	apiEnvelope
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type membersResponse struct {
	apiEnvelope
	Members []User `json:"members"`
}

type userResponse struct {
	apiEnvelope
	User User `json:"user"`
}
