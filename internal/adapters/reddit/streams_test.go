package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/ratelimit"
)

type staticTokens struct{}

func (staticTokens) Token(_ context.Context, _ pipeline.Integration) (string, error) {
	return "test-token", nil
}

type noopUpdater struct{}

func (noopUpdater) UpdateIntegrationSettings(_ context.Context, _ string, _ json.RawMessage) error {
	return nil
}

func newTestEngine(t *testing.T) *pipeline.Engine {
	t.Helper()
	registry, err := pipeline.NewRegistry([]pipeline.Descriptor{Descriptor()})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	cache := ratelimit.NewMemoryCache()
	return pipeline.NewEngine(registry, staticTokens{}, cache, cache, noopUpdater{}, slog.New(slog.DiscardHandler))
}

func testIntegration(baseURL string) pipeline.Integration {
	settings, _ := json.Marshal(Settings{Subreddits: []string{"golang"}, BaseURL: baseURL})
	return pipeline.Integration{
		ID:       "int-1",
		TenantID: "tenant-1",
		Platform: pipeline.PlatformReddit,
		Settings: settings,
	}
}

func postThing(t *testing.T, id string, created time.Time) Thing {
	t.Helper()
	raw, err := json.Marshal(Post{
		ID:        id,
		Name:      "t3_" + id,
		Title:     "title of " + id,
		Author:    "alice",
		Permalink: "/r/golang/comments/" + id,
		Created:   float64(created.Unix()),
	})
	if err != nil {
		t.Fatalf("encode post: %v", err)
	}
	return Thing{Kind: "t3", Data: raw}
}

func commentThing(t *testing.T, comment Comment) Thing {
	t.Helper()
	raw, err := json.Marshal(comment)
	if err != nil {
		t.Fatalf("encode comment: %v", err)
	}
	return Thing{Kind: "t1", Data: raw}
}

func streamsOfType(streams []pipeline.Stream, streamType string) []pipeline.Stream {
	var out []pipeline.Stream
	for _, s := range streams {
		if s.Type() == streamType {
			out = append(out, s)
		}
	}
	return out
}

func TestSubredditPagination(t *testing.T) {
	now := time.Now()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/golang/new.json" {
			http.NotFound(w, r)
			return
		}
		var listing Listing
		if r.URL.Query().Get("after") == "" {
			for i := 0; i < 100; i++ {
				listing.Children = append(listing.Children, postThing(t, fmt.Sprintf("p%d", i), now))
			}
			listing.After = "t3_p99"
		} else {
			for i := 100; i < 140; i++ {
				listing.Children = append(listing.Children, postThing(t, fmt.Sprintf("p%d", i), now))
			}
		}
		json.NewEncoder(w).Encode(PostsResponse{Kind: "Listing", Data: listing})
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)
	ctx := context.Background()

	seeds, err := engine.GenerateStreams(ctx, integration, true)
	if err != nil {
		t.Fatalf("generate streams: %v", err)
	}
	if len(seeds) != 1 || seeds[0].Identifier != "subreddit:golang" {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}

	first, err := engine.ProcessStream(ctx, integration, seeds[0], true)
	if err != nil {
		t.Fatalf("process first page: %v", err)
	}
	if len(first.Data) != 100 {
		t.Fatalf("first page emitted %d data items, want 100", len(first.Data))
	}
	pages := streamsOfType(first.Streams, StreamSubreddit)
	if len(pages) != 1 {
		t.Fatalf("first page emitted %d page streams, want 1", len(pages))
	}
	if len(streamsOfType(first.Streams, StreamComments)) != 100 {
		t.Fatalf("first page emitted %d comment streams, want 100", len(streamsOfType(first.Streams, StreamComments)))
	}

	second, err := engine.ProcessStream(ctx, integration, pages[0], true)
	if err != nil {
		t.Fatalf("process second page: %v", err)
	}
	if len(second.Data) != 40 {
		t.Fatalf("second page emitted %d data items, want 40", len(second.Data))
	}
	if len(streamsOfType(second.Streams, StreamSubreddit)) != 0 {
		t.Fatalf("second page must not page further: %+v", second.Streams)
	}
	if len(streamsOfType(second.Streams, StreamComments)) != 40 {
		t.Fatalf("second page emitted %d comment streams, want 40", len(streamsOfType(second.Streams, StreamComments)))
	}
}

// An incremental run stops paging once the oldest post of a page falls behind
// the retrospect window, even when the API still offers a cursor.
func TestSubredditIncrementalStopsAtRetrospect(t *testing.T) {
	stale := time.Now().Add(-3 * time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		listing := Listing{After: "t3_p0"}
		listing.Children = append(listing.Children, postThing(t, "p0", stale))
		json.NewEncoder(w).Encode(PostsResponse{Kind: "Listing", Data: listing})
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)

	result, err := engine.ProcessStream(context.Background(), integration, pipeline.NewStream("subreddit:golang", SubredditStreamPayload{Channel: "golang"}), false)
	if err != nil {
		t.Fatalf("process stream: %v", err)
	}
	if len(result.Data) != 1 {
		t.Fatalf("stale posts are still ingested: got %d data items, want 1", len(result.Data))
	}
	if len(streamsOfType(result.Streams, StreamSubreddit)) != 0 {
		t.Fatalf("incremental run must not page past the retrospect window")
	}
}

func TestCommentTreeWalk(t *testing.T) {
	now := float64(time.Now().Unix())

	// c1 has one reply (c2) and a collapsed "more" node with 150 ids.
	moreIDs := make([]string, 150)
	for i := range moreIDs {
		moreIDs[i] = fmt.Sprintf("m%d", i)
	}
	moreRaw, _ := json.Marshal(MoreChildren{Children: moreIDs})

	c2 := Comment{ID: "c2", Name: "t1_c2", Author: "bob", BodyHTML: "<p>reply</p>", Created: now}
	repliesListing := ListingEnvelope{Kind: "Listing", Data: Listing{Children: []Thing{
		commentThing(t, c2),
		{Kind: "more", Data: moreRaw},
	}}}
	repliesRaw, _ := json.Marshal(repliesListing)
	c1 := Comment{ID: "c1", Name: "t1_c1", Author: "alice", BodyHTML: "<p>top</p>", Created: now, Replies: repliesRaw}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/r/golang/comments/") {
			http.NotFound(w, r)
			return
		}
		response := CommentsResponse{
			{Kind: "Listing", Data: Listing{Children: []Thing{postThing(t, "p1", time.Now())}}},
			{Kind: "Listing", Data: Listing{Children: []Thing{commentThing(t, c1)}}},
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)
	stream := pipeline.NewStream("comments:p1", CommentsStreamPayload{
		Channel: "golang", PostID: "p1", PostTitle: "title", PostURL: "https://example.com/p1",
	})

	result, err := engine.ProcessStream(context.Background(), integration, stream, true)
	if err != nil {
		t.Fatalf("process stream: %v", err)
	}

	if len(result.Data) != 2 {
		t.Fatalf("emitted %d data items, want 2 comments", len(result.Data))
	}
	parents := map[string]string{}
	for _, item := range result.Data {
		var data CommentData
		if err := json.Unmarshal(item.Payload, &data); err != nil {
			t.Fatalf("decode comment data: %v", err)
		}
		parents[data.Comment.ID] = data.SourceParentID
	}
	if parents["c1"] != "p1" {
		t.Fatalf("top-level comment parent = %q, want post id", parents["c1"])
	}
	if parents["c2"] != "c1" {
		t.Fatalf("reply parent = %q, want c1", parents["c2"])
	}

	forks := streamsOfType(result.Streams, StreamMoreComments)
	if len(forks) != 2 {
		t.Fatalf("150 collapsed ids must fork 2 streams, got %d", len(forks))
	}
	var sizes []int
	for _, fork := range forks {
		var payload MoreCommentsStreamPayload
		if err := json.Unmarshal(fork.Payload, &payload); err != nil {
			t.Fatalf("decode fork payload: %v", err)
		}
		if payload.SourceParentID != "c1" {
			t.Fatalf("fork parent = %q, want c1", payload.SourceParentID)
		}
		sizes = append(sizes, len(payload.Children))
	}
	if sizes[0]+sizes[1] != 150 {
		t.Fatalf("fork chunks cover %d ids, want 150", sizes[0]+sizes[1])
	}
	for _, size := range sizes {
		if size > moreChildrenBatch {
			t.Fatalf("fork chunk of %d ids exceeds batch limit %d", size, moreChildrenBatch)
		}
	}
}

func TestMoreCommentsStream(t *testing.T) {
	now := float64(time.Now().Unix())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/morechildren.json" {
			http.NotFound(w, r)
			return
		}
		var response MoreCommentsResponse
		response.JSON.Data.Things = []Thing{
			commentThing(t, Comment{ID: "c9", Name: "t1_c9", Author: "carol", BodyHTML: "<p>late</p>", Created: now}),
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	engine := newTestEngine(t)
	integration := testIntegration(server.URL)
	stream := pipeline.NewStream("moreComments:p1:abc", MoreCommentsStreamPayload{
		Channel: "golang", PostID: "p1", SourceParentID: "c1", Children: []string{"c9"},
	})

	result, err := engine.ProcessStream(context.Background(), integration, stream, true)
	if err != nil {
		t.Fatalf("process stream: %v", err)
	}
	if len(result.Data) != 1 {
		t.Fatalf("emitted %d data items, want 1", len(result.Data))
	}
	var data CommentData
	if err := json.Unmarshal(result.Data[0].Payload, &data); err != nil {
		t.Fatalf("decode comment data: %v", err)
	}
	if data.SourceParentID != "c1" {
		t.Fatalf("expanded comment parent = %q, want the carried parent c1", data.SourceParentID)
	}
}

func TestGenerateStreamsRejectsEmptySettings(t *testing.T) {
	engine := newTestEngine(t)
	integration := testIntegration("")
	integration.Settings = json.RawMessage(`{}`)

	_, err := engine.GenerateStreams(context.Background(), integration, true)
	if pipeline.ErrorTypeName(err) != pipeline.ErrTypeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
