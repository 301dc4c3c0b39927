package reddit

import (
	"encoding/json"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

const defaultBaseURL = "https://oauth.reddit.com"

// Stream type discriminators.
const (
	StreamSubreddit    = "subreddit"
	StreamComments     = "comments"
	StreamMoreComments = "moreComments"
)

// Data kind discriminators.
const (
	DataKindPost    = "post"
	DataKindComment = "comment"
)

// Activity types.
const (
	ActivityTypePost    = "post"
	ActivityTypeComment = "comment"
)

// Grid assigns static weights per activity type.
var Grid = map[string]pipeline.GridEntry{
	ActivityTypePost:    {Score: 8, IsContribution: true},
	ActivityTypeComment: {Score: 6, IsContribution: true},
}

// Incremental runs stop paging once a fetched page's oldest post predates
// this window; onboarding walks the full history.
const maxRetrospect = 2 * time.Hour

// The morechildren endpoint accepts at most 99 ids per call, so comment-tree
// expansions fork in chunks of that size.
const moreChildrenBatch = 99

// How long reddit asks us to back off when it returns 429 without a
// Retry-After header.
const defaultRetryAfter = 60 * time.Second

// Settings is the per-integration configuration. BaseURL is only set for
// API proxies and test fixtures.
type Settings struct {
	Subreddits []string `json:"subreddits"`
	BaseURL    string   `json:"baseUrl,omitempty"`
}

// SubredditStreamPayload pages through a subreddit's new posts. After is the
// fullname cursor of the previous page's last post; empty means first page.
type SubredditStreamPayload struct {
	Channel string `json:"channel"`
	After   string `json:"after,omitempty"`
}

// CommentsStreamPayload fetches the comment tree of one post.
type CommentsStreamPayload struct {
	Channel   string `json:"channel"`
	PostID    string `json:"post_id"`
	PostTitle string `json:"post_title"`
	PostURL   string `json:"post_url"`
}

// MoreCommentsStreamPayload expands a "more" node of a comment tree. The
// parent id is carried so replies keep a resolvable thread structure even
// when the parent itself arrives later.
type MoreCommentsStreamPayload struct {
	Channel        string   `json:"channel"`
	PostID         string   `json:"post_id"`
	PostTitle      string   `json:"post_title"`
	PostURL        string   `json:"post_url"`
	SourceParentID string   `json:"source_parent_id"`
	Children       []string `json:"children"`
}

// PostData is the raw data item emitted per fetched post.
type PostData struct {
	Channel string `json:"channel"`
	Post    Post   `json:"post"`
}

// CommentData is the raw data item emitted per fetched comment.
type CommentData struct {
	Channel        string  `json:"channel"`
	PostID         string  `json:"post_id"`
	PostTitle      string  `json:"post_title"`
	PostURL        string  `json:"post_url"`
	SourceParentID string  `json:"source_parent_id"`
	Comment        Comment `json:"comment"`
}

// Post mirrors the fields we consume from reddit's post JSON.
type Post struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Title          string  `json:"title"`
	Author         string  `json:"author"`
	AuthorFullname string  `json:"author_fullname"`
	Permalink      string  `json:"permalink"`
	URL            string  `json:"url"`
	Thumbnail      string  `json:"thumbnail"`
	SelftextHTML   string  `json:"selftext_html"`
	Created        float64 `json:"created_utc"`
	Ups            int     `json:"ups"`
	Downs          int     `json:"downs"`
	UpvoteRatio    float64 `json:"upvote_ratio"`
}

// Comment mirrors the fields we consume from reddit's comment JSON. Replies
// is either an empty string or a nested listing, so it stays raw until the
// tree walker inspects it.
type Comment struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Author         string          `json:"author"`
	AuthorFullname string          `json:"author_fullname"`
	Permalink      string          `json:"permalink"`
	BodyHTML       string          `json:"body_html"`
	Created        float64         `json:"created_utc"`
	Ups            int             `json:"ups"`
	Downs          int             `json:"downs"`
	Replies        json.RawMessage `json:"replies,omitempty"`
}

// MoreChildren is the "load more comments" tree node.
type MoreChildren struct {
	Children []string `json:"children"`
}

// Thing is reddit's kind-tagged envelope.
type Thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Listing is one page of things.
type Listing struct {
	After    string  `json:"after"`
	Children []Thing `json:"children"`
}

// ListingEnvelope wraps a listing in the kind-tagged envelope.
type ListingEnvelope struct {
	Kind string  `json:"kind"`
	Data Listing `json:"data"`
}

// PostsResponse is the /r/{subreddit}/new listing.
type PostsResponse = ListingEnvelope

// CommentsResponse is the /r/{subreddit}/comments/{id} pair: the post
// listing followed by the top-level comment listing.
type CommentsResponse []ListingEnvelope

// MoreCommentsResponse is the /api/morechildren result.
type MoreCommentsResponse struct {
	JSON struct {
		Data struct {
			Things []Thing `json:"things"`
		} `json:"data"`
	} `json:"json"`
}
