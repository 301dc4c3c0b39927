package discourse

import (
	"time"

	"example.com/community-ingest/internal/pipeline"
)

// Stream type discriminators.
const (
	StreamCategories         = "categories"
	StreamTopicsFromCategory = "topicsFromCategory"
	StreamPostsFromTopic     = "postsFromTopic"
	StreamPostsByIDs         = "postsByIds"
)

// Data kind discriminators.
const (
	DataKindPost                = "post"
	DataKindUserWebhook         = "user_webhook"
	DataKindNotificationWebhook = "notification_webhook"
)

// Webhook event discriminators, taken from the X-Discourse-Event header.
const (
	WebhookEventPostCreated  = "post_created"
	WebhookEventUserCreated  = "user_created"
	WebhookEventNotification = "notification_created"
)

// Activity types.
const (
	ActivityTypeCreateTopic    = "create_topic"
	ActivityTypeMessageInTopic = "message_in_topic"
	ActivityTypeJoin           = "join"
	ActivityTypeLike           = "like"
)

// Grid assigns static weights per activity type.
var Grid = map[string]pipeline.GridEntry{
	ActivityTypeCreateTopic:    {Score: 8, IsContribution: true},
	ActivityTypeMessageInTopic: {Score: 6, IsContribution: true},
	ActivityTypeJoin:           {Score: 3, IsContribution: false},
	ActivityTypeLike:           {Score: 1, IsContribution: false},
}

// botUsernames are forum service accounts whose content is skipped and for
// whom no user lookups are performed.
var botUsernames = map[string]bool{
	"system":   true,
	"discobot": true,
}

// IsBot reports whether a username belongs to a known forum bot.
func IsBot(username string) bool {
	return botUsernames[username]
}

// postIDBatch caps how many post ids one postsByIds stream carries; the
// /t/{id}/posts endpoint rejects longer id lists.
const postIDBatch = 30

// Discourse does not send Retry-After on 429; wait a full limiter window.
const defaultRetryAfter = 60 * time.Second

// Shared request budget for a forum: 60 requests per minute.
const (
	requestBudget = 60
	requestWindow = time.Minute
)

// Settings is the per-integration configuration. All three fields are
// mandatory; ForumHostname doubles as the API base URL.
type Settings struct {
	ForumHostname string `json:"forumHostname"`
	APIKey        string `json:"apiKey"`
	APIUsername   string `json:"apiUsername"`
}

// TopicsStreamPayload pages through one category's topics.
type TopicsStreamPayload struct {
	CategoryID   int    `json:"category_id"`
	CategorySlug string `json:"category_slug"`
	Page         int    `json:"page"`
}

// PostsFromTopicPayload fetches the post-id stream of one topic.
type PostsFromTopicPayload struct {
	TopicID   int    `json:"topic_id"`
	TopicSlug string `json:"topic_slug"`
	Page      int    `json:"page"`
}

// PostsByIDsPayload fetches a bounded batch of posts of one topic.
type PostsByIDsPayload struct {
	TopicID    int    `json:"topic_id"`
	TopicSlug  string `json:"topic_slug"`
	TopicTitle string `json:"topic_title"`
	PostIDs    []int  `json:"post_ids"`
}

// PostData carries one post plus its already-resolved author.
type PostData struct {
	Post       Post         `json:"post"`
	User       UserResponse `json:"user"`
	TopicID    int          `json:"topic_id"`
	TopicSlug  string       `json:"topic_slug"`
	TopicTitle string       `json:"topic_title"`
}

// UserWebhookData carries a freshly signed-up user.
type UserWebhookData struct {
	User FullUser `json:"user"`
}

// NotificationWebhookData carries a like notification plus its actor.
type NotificationWebhookData struct {
	User         UserResponse `json:"user"`
	Notification Notification `json:"notification"`
	Channel      string       `json:"channel"`
}

// WebhookPayload is the raw ingress shape stored for a discourse webhook.
type WebhookPayload struct {
	Event string `json:"event"`
	Post  *struct {
		Post Post `json:"post"`
	} `json:"post,omitempty"`
	User *struct {
		User FullUser `json:"user"`
	} `json:"user,omitempty"`
	Notification *struct {
		Notification Notification `json:"notification"`
	} `json:"notification,omitempty"`
}

// Category is one entry of /categories.json.
type Category struct {
	ID   int    `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// CategoriesResponse mirrors /categories.json.
type CategoriesResponse struct {
	CategoryList struct {
		Categories []Category `json:"categories"`
	} `json:"category_list"`
}

// Topic is one entry of a category topic listing.
type Topic struct {
	ID    int    `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// TopicsResponse mirrors /c/{slug}/{id}.json.
type TopicsResponse struct {
	TopicList struct {
		Topics []Topic `json:"topics"`
	} `json:"topic_list"`
}

// Post mirrors the fields we consume from a discourse post.
type Post struct {
	ID         int       `json:"id"`
	Username   string    `json:"username"`
	Cooked     string    `json:"cooked"`
	PostNumber int       `json:"post_number"`
	TopicID    int       `json:"topic_id"`
	TopicSlug  string    `json:"topic_slug"`
	TopicTitle string    `json:"topic_title"`
	CreatedAt  time.Time `json:"created_at"`
}

// TopicDetailResponse mirrors /t/{id}.json: the topic metadata plus the full
// ordered post-id stream.
type TopicDetailResponse struct {
	ID         int    `json:"id"`
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	PostStream struct {
		Stream []int `json:"stream"`
	} `json:"post_stream"`
}

// PostsByIDsResponse mirrors /t/{id}/posts.json.
type PostsByIDsResponse struct {
	PostStream struct {
		Posts []Post `json:"posts"`
	} `json:"post_stream"`
}

// FullUser mirrors the fields we consume from /u/{username}.json.
type FullUser struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Website        string    `json:"website"`
	Location       string    `json:"location"`
	BioCooked      string    `json:"bio_cooked"`
	AvatarTemplate string    `json:"avatar_template"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserResponse wraps the user endpoint envelope.
type UserResponse struct {
	User FullUser `json:"user"`
}

// Notification mirrors a like notification webhook body.
type Notification struct {
	ID         int64     `json:"id"`
	TopicID    int       `json:"topic_id"`
	Slug       string    `json:"slug"`
	CreatedAt  time.Time `json:"created_at"`
	FancyTitle string    `json:"fancy_title"`
	Data       struct {
		DisplayUsername  string `json:"display_username"`
		OriginalUsername string `json:"original_username"`
	} `json:"data"`
}
