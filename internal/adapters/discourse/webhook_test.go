package discourse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

func webhookStream(t *testing.T, payload WebhookPayload) pipeline.Stream {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode webhook payload: %v", err)
	}
	return pipeline.Stream{Identifier: "webhook:d1", Payload: raw}
}

func postWebhookPayload(post Post) WebhookPayload {
	payload := WebhookPayload{Event: WebhookEventPostCreated}
	payload.Post = &struct {
		Post Post `json:"post"`
	}{Post: post}
	return payload
}

func TestPostWebhookResolvesAuthor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u/alice.json" {
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		writeUser(w, "alice")
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)
	stream := webhookStream(t, postWebhookPayload(Post{
		ID: 11, Username: "alice", Cooked: "<p>hi</p>", PostNumber: 2,
		TopicID: 7, TopicSlug: "welcome", TopicTitle: "Welcome",
	}))

	result, err := engine.ProcessWebhookStream(context.Background(), integration, stream)
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].Kind != DataKindPost {
		t.Fatalf("unexpected emissions: %+v", result.Data)
	}
	var data PostData
	if err := json.Unmarshal(result.Data[0].Payload, &data); err != nil {
		t.Fatalf("decode post data: %v", err)
	}
	if data.User.User.Username != "alice" || data.TopicID != 7 {
		t.Fatalf("webhook data lost context: %+v", data)
	}
}

// Bot-authored posts are dropped before any user lookup, so a burst of bot
// webhooks costs zero API requests.
func TestBotPostWebhookSkipsLookup(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeUser(w, "system")
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)
	stream := webhookStream(t, postWebhookPayload(Post{
		ID: 12, Username: "system", Cooked: "<p>automated</p>", PostNumber: 3, TopicID: 7,
	}))

	result, err := engine.ProcessWebhookStream(context.Background(), integration, stream)
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if len(result.Data) != 0 {
		t.Fatalf("bot webhook emitted %d data items, want 0", len(result.Data))
	}
	if n := requests.Load(); n != 0 {
		t.Fatalf("bot webhook made %d API requests, want 0", n)
	}
}

// user_created webhooks carry the full user body; no API call is needed.
func TestUserWebhook(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("https://forum.example.com")

	payload := WebhookPayload{Event: WebhookEventUserCreated}
	payload.User = &struct {
		User FullUser `json:"user"`
	}{User: FullUser{ID: 9, Username: "newbie", CreatedAt: time.Now()}}

	result, err := engine.ProcessWebhookStream(context.Background(), integration, webhookStream(t, payload))
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].Kind != DataKindUserWebhook {
		t.Fatalf("unexpected emissions: %+v", result.Data)
	}
}

func TestNotificationWebhook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeUser(w, "fan")
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)

	notification := Notification{ID: 99, TopicID: 7, Slug: "welcome", FancyTitle: "Welcome"}
	notification.Data.DisplayUsername = "fan"
	payload := WebhookPayload{Event: WebhookEventNotification}
	payload.Notification = &struct {
		Notification Notification `json:"notification"`
	}{Notification: notification}

	result, err := engine.ProcessWebhookStream(context.Background(), integration, webhookStream(t, payload))
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].Kind != DataKindNotificationWebhook {
		t.Fatalf("unexpected emissions: %+v", result.Data)
	}
	var data NotificationWebhookData
	if err := json.Unmarshal(result.Data[0].Payload, &data); err != nil {
		t.Fatalf("decode notification data: %v", err)
	}
	if data.Channel != "Welcome" {
		t.Fatalf("channel = %q, want the topic title", data.Channel)
	}
}

func TestUnknownWebhookEventIgnored(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("https://forum.example.com")

	result, err := engine.ProcessWebhookStream(context.Background(), integration,
		webhookStream(t, WebhookPayload{Event: "topic_destroyed"}))
	if err != nil {
		t.Fatalf("unknown events must be ignored, got %v", err)
	}
	if len(result.Data) != 0 || len(result.Streams) != 0 {
		t.Fatalf("unknown event emitted work: %+v", result)
	}
}
