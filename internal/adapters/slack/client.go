package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/ratelimit"
)

// Client talks to the slack Web API with one workspace token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(settings Settings, token string) *Client {
	base := settings.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    base,
		token:      token,
	}
}

// Channels returns one page of the workspace's public channels.
func (c *Client) Channels(ctx context.Context, cursor string) (*channelsResponse, error) {
	q := url.Values{"limit": {"200"}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out channelsResponse
	if err := c.get(ctx, "conversations.list", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns one page of a channel's message history.
func (c *Client) History(ctx context.Context, channelID, cursor string) (*historyResponse, error) {
	q := url.Values{
		"channel": {channelID},
		"limit":   {strconv.Itoa(historyPageSize)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out historyResponse
	if err := c.get(ctx, "conversations.history", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Replies returns one page of a thread's replies, thread root included.
func (c *Client) Replies(ctx context.Context, channelID, threadTS, cursor string) (*historyResponse, error) {
	q := url.Values{
		"channel": {channelID},
		"ts":      {threadTS},
		"limit":   {strconv.Itoa(historyPageSize)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out historyResponse
	if err := c.get(ctx, "conversations.replies", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Members returns one page of the workspace member list.
func (c *Client) Members(ctx context.Context, cursor string) (*membersResponse, error) {
	q := url.Values{"limit": {"200"}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out membersResponse
	if err := c.get(ctx, "users.list", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// User fetches one member's profile. Returns pipeline.ErrNotFound when the
// account no longer exists.
func (c *Client) User(ctx context.Context, userID string) (*User, error) {
	var out userResponse
	if err := c.get(ctx, "users.info", url.Values{"user": {userID}}, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) get(ctx context.Context, method string, query url.Values, out envelopeCarrier) error {
	u := c.baseURL + "/" + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack request %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ratelimit.NewError(retryAfterOf(resp))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack request %s: unexpected status %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode slack response %s: %w", method, err)
	}

	env := out.envelope()
	if !env.OK {
		switch env.Error {
		case "user_not_found", "users_not_found":
			return pipeline.ErrNotFound
		case "ratelimited", "rate_limited":
			return ratelimit.NewError(defaultRetryAfter)
		case "invalid_auth", "token_revoked", "account_inactive", "missing_scope":
			return pipeline.NewConfigurationError(pipeline.PlatformSlack, "slack rejected the token: %s", env.Error)
		default:
			return fmt.Errorf("slack request %s failed: %s", method, env.Error)
		}
	}
	return nil
}

// envelopeCarrier lets get surface slack's in-body error field regardless of
// the concrete response type.
type envelopeCarrier interface{ envelope() *apiEnvelope }

func (e *apiEnvelope) envelope() *apiEnvelope { return e }

func retryAfterOf(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}
