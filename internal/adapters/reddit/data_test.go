package reddit

import (
	"context"
	"strings"
	"testing"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

func TestProcessPostData(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("")
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	item := pipeline.NewDataItem(DataKindPost, PostData{
		Channel: "golang",
		Post: Post{
			ID:             "p1",
			Name:           "t3_p1",
			Title:          "Generics in practice",
			Author:         "alice",
			AuthorFullname: "t2_alice",
			Permalink:      "/r/golang/comments/p1",
			SelftextHTML:   "<div><p>some <script>alert(1)</script>text</p></div>",
			Created:        float64(created.Unix()),
			Ups:            12,
		},
	})

	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("got %d activities, want 1", len(activities))
	}
	activity := activities[0]

	if activity.SourceID != "p1" || activity.Type != ActivityTypePost {
		t.Fatalf("unexpected activity identity: %+v", activity)
	}
	if !activity.Timestamp.Equal(created) {
		t.Fatalf("timestamp = %v, want %v", activity.Timestamp, created)
	}
	if strings.Contains(activity.Body, "script") {
		t.Fatalf("body was not sanitized: %q", activity.Body)
	}
	if !strings.Contains(activity.Body, "text") {
		t.Fatalf("body lost its content: %q", activity.Body)
	}
	if activity.URL != publicBaseURL+"/r/golang/comments/p1" {
		t.Fatalf("unexpected url %q", activity.URL)
	}
	if activity.Score != 8 || !activity.IsContribution {
		t.Fatalf("post weight = (%d, %v), want (8, true)", activity.Score, activity.IsContribution)
	}
	if got := activity.Member.Username(pipeline.PlatformReddit); got != "alice" {
		t.Fatalf("member username = %q, want alice", got)
	}
}

// Link posts carry no self text; the shared link becomes the body.
func TestProcessPostDataLinkPost(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("")

	item := pipeline.NewDataItem(DataKindPost, PostData{
		Channel: "golang",
		Post: Post{
			ID:     "p2",
			Author: "alice",
			URL:    "https://go.dev/blog/loopvar",
		},
	})

	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	if !strings.Contains(activities[0].Body, "https://go.dev/blog/loopvar") {
		t.Fatalf("link post body = %q, want the shared link", activities[0].Body)
	}
}

func TestProcessCommentData(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("")

	item := pipeline.NewDataItem(DataKindComment, CommentData{
		Channel:        "golang",
		PostID:         "p1",
		PostTitle:      "Generics in practice",
		SourceParentID: "c0",
		Comment: Comment{
			ID:        "c1",
			Author:    "bob",
			Permalink: "/r/golang/comments/p1/c1",
			BodyHTML:  "<p>nice</p>",
			Created:   float64(time.Now().Unix()),
		},
	})

	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	activity := activities[0]
	if activity.SourceParentID != "c0" {
		t.Fatalf("parent = %q, want c0", activity.SourceParentID)
	}
	if activity.Type != ActivityTypeComment || activity.Score != 6 {
		t.Fatalf("comment weight mismatch: %+v", activity)
	}
	if activity.Attributes["postTitle"] != "Generics in practice" {
		t.Fatalf("post title attribute missing: %+v", activity.Attributes)
	}
}

// Deleted authors get a unique placeholder identity so their activities still
// ingest without colliding on one shared member.
func TestDeletedAuthorPlaceholder(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("")

	item := pipeline.NewDataItem(DataKindComment, CommentData{
		Channel: "golang",
		Comment: Comment{ID: "c1", Author: "[deleted]", BodyHTML: "<p>gone</p>"},
	})

	activities, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	member := activities[0].Member
	if member.DisplayName != "Deleted User" {
		t.Fatalf("display name = %q, want Deleted User", member.DisplayName)
	}
	username := member.Username(pipeline.PlatformReddit)
	if !strings.HasPrefix(username, "deleted-") || len(username) <= len("deleted-") {
		t.Fatalf("placeholder username = %q", username)
	}

	again, err := engine.ProcessData(context.Background(), integration, item)
	if err != nil {
		t.Fatalf("process data: %v", err)
	}
	if again[0].Member.Username(pipeline.PlatformReddit) == username {
		t.Fatalf("placeholder identities must be unique per normalization")
	}
}

func TestProcessDataUnknownKind(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("")

	_, err := engine.ProcessData(context.Background(), integration, pipeline.NewDataItem("mystery", struct{}{}))
	if pipeline.ErrorTypeName(err) != pipeline.ErrTypeUnknownData {
		t.Fatalf("expected unknown data kind error, got %v", err)
	}
}
