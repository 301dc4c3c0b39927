package reddit

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

// Client issues the reddit API calls the adapter needs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient configures a client against baseURL (the public API when empty).
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Posts fetches one page of a subreddit's newest posts.
func (c *Client) Posts(ctx context.Context, subreddit, after string) (PostsResponse, error) {
	query := make(url.Values)
	query.Set("limit", "100")
	if after != "" {
		query.Set("after", after)
	}
	endpoint := fmt.Sprintf("%s/r/%s/new.json?%s", c.baseURL, url.PathEscape(subreddit), query.Encode())
	var payload PostsResponse
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return PostsResponse{}, fmt.Errorf("fetch posts of r/%s: %w", subreddit, err)
	}
	return payload, nil
}

// Comments fetches the comment tree of one post.
func (c *Client) Comments(ctx context.Context, subreddit, postID string) (CommentsResponse, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json", c.baseURL, url.PathEscape(subreddit), url.PathEscape(postID))
	var payload CommentsResponse
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("fetch comments of post %s: %w", postID, err)
	}
	return payload, nil
}

// MoreComments expands up to 99 collapsed comment ids of a post's tree.
func (c *Client) MoreComments(ctx context.Context, postID string, children []string) (MoreCommentsResponse, error) {
	query := make(url.Values)
	query.Set("api_type", "json")
	query.Set("link_id", "t3_"+postID)
	query.Set("children", strings.Join(children, ","))
	endpoint := fmt.Sprintf("%s/api/morechildren.json?%s", c.baseURL, query.Encode())
	var payload MoreCommentsResponse
	if err := c.get(ctx, endpoint, &payload); err != nil {
		return MoreCommentsResponse{}, fmt.Errorf("expand comments of post %s: %w", postID, err)
	}
	return payload, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "community-ingest/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return pipeline.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ratelimit.NewError(retryAfterOf(resp))
	default:
		return fmt.Errorf("reddit responded with %s", resp.Status)
	}
}

func retryAfterOf(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultRetryAfter
}
