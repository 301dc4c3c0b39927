package discourse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/ratelimit"
)

// Client talks to one discourse forum. Every call goes through the shared
// request limiter before it touches the network so concurrent streams of the
// same integration stay inside the forum's budget together.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	apiUsername string
	limiter     *ratelimit.Limiter
}

func NewClient(settings Settings, limiter *ratelimit.Limiter) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     strings.TrimRight(settings.ForumHostname, "/"),
		apiKey:      settings.APIKey,
		apiUsername: settings.APIUsername,
		limiter:     limiter,
	}
}

// Categories lists all forum categories.
func (c *Client) Categories(ctx context.Context) (*CategoriesResponse, error) {
	var out CategoriesResponse
	if err := c.get(ctx, "/categories.json", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Topics returns one page of a category's topic listing.
func (c *Client) Topics(ctx context.Context, slug string, categoryID, page int) (*TopicsResponse, error) {
	var out TopicsResponse
	q := url.Values{"page": {strconv.Itoa(page)}}
	if err := c.get(ctx, fmt.Sprintf("/c/%s/%d.json", slug, categoryID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Topic returns a topic's metadata and its full ordered post-id stream.
func (c *Client) Topic(ctx context.Context, topicID int) (*TopicDetailResponse, error) {
	var out TopicDetailResponse
	if err := c.get(ctx, fmt.Sprintf("/t/%d.json", topicID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Posts resolves a batch of post ids of one topic.
func (c *Client) Posts(ctx context.Context, topicID int, postIDs []int) (*PostsByIDsResponse, error) {
	q := url.Values{}
	for _, id := range postIDs {
		q.Add("post_ids[]", strconv.Itoa(id))
	}
	var out PostsByIDsResponse
	if err := c.get(ctx, fmt.Sprintf("/t/%d/posts.json", topicID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// User fetches a forum member's profile. Returns pipeline.ErrNotFound for
// deleted or anonymized accounts.
func (c *Client) User(ctx context.Context, username string) (*UserResponse, error) {
	var out UserResponse
	if err := c.get(ctx, fmt.Sprintf("/u/%s.json", url.PathEscape(username)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Check(ctx); err != nil {
			return err
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Api-Username", c.apiUsername)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discourse request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if c.limiter != nil {
		if err := c.limiter.Increment(ctx); err != nil {
			return err
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode discourse response %s: %w", path, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return pipeline.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ratelimit.NewError(retryAfterOf(resp))
	default:
		return fmt.Errorf("discourse request %s: unexpected status %d", path, resp.StatusCode)
	}
}

func retryAfterOf(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}
