package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"example.com/community-ingest/internal/ratelimit"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(_ context.Context, _ Integration) (string, error) {
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

type settingsRecorder struct {
	updates []json.RawMessage
}

func (r *settingsRecorder) UpdateIntegrationSettings(_ context.Context, _ string, settings json.RawMessage) error {
	r.updates = append(r.updates, settings)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// pagedDescriptor drives a page:N stream chain that terminates after three
// pages, emitting one data item per page.
func pagedDescriptor(platform PlatformType) Descriptor {
	type pagePayload struct {
		Page int `json:"page"`
	}
	return Descriptor{
		Platform: platform,
		GenerateStreams: func(ctx *GenerateStreamsContext) error {
			return ctx.PublishStream("page:0", pagePayload{Page: 0})
		},
		ProcessStream: func(ctx *ProcessStreamContext) error {
			if ctx.Stream.Type() != "page" {
				return &UnknownStreamTypeError{Platform: platform, Identifier: ctx.Stream.Identifier}
			}
			var payload pagePayload
			if err := ctx.UnmarshalPayload(&payload); err != nil {
				return err
			}
			if err := ctx.PublishData("item", map[string]int{"page": payload.Page}); err != nil {
				return err
			}
			if payload.Page < 2 {
				next := pagePayload{Page: payload.Page + 1}
				return ctx.PublishStream(fmt.Sprintf("page:%d", next.Page), next)
			}
			return nil
		},
		ProcessData: func(ctx *ProcessDataContext) error {
			if ctx.Item.Kind != "item" {
				return &UnknownDataTypeError{Platform: platform, Kind: ctx.Item.Kind}
			}
			return ctx.PublishActivity(Activity{
				SourceID: ctx.Item.Kind,
				Platform: platform,
				Type:     "thing",
				Member: Member{Identities: []MemberIdentity{{
					Platform: platform,
					Username: "alice",
				}}},
			})
		},
	}
}

func newTestEngine(t *testing.T, descriptors ...Descriptor) (*Engine, *settingsRecorder) {
	t.Helper()
	registry, err := NewRegistry(descriptors)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	cache := ratelimit.NewMemoryCache()
	recorder := &settingsRecorder{}
	return NewEngine(registry, staticTokens{token: "tok"}, cache, cache, recorder, discardLogger()), recorder
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	d := pagedDescriptor("testplat")
	if _, err := NewRegistry([]Descriptor{d, d}); err == nil {
		t.Fatalf("expected duplicate platform to fail registration")
	}
}

func TestRegistryRejectsIncompleteDescriptor(t *testing.T) {
	d := pagedDescriptor("testplat")
	d.ProcessData = nil
	if _, err := NewRegistry([]Descriptor{d}); err == nil {
		t.Fatalf("expected missing handler to fail registration")
	}
}

func TestEngineUnknownPlatform(t *testing.T) {
	engine, _ := newTestEngine(t, pagedDescriptor("testplat"))
	_, err := engine.GenerateStreams(context.Background(), Integration{ID: "i1", Platform: "nope"}, true)
	var unknown *UnknownPlatformError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPlatformError, got %v", err)
	}
	if ErrorTypeName(err) != ErrTypeUnknownPlatform {
		t.Fatalf("wrong error type name: %q", ErrorTypeName(err))
	}
}

// TestEngineDrainLoop walks a full run the way a queue would: seeds first,
// then every emitted stream until the frontier is empty.
func TestEngineDrainLoop(t *testing.T) {
	engine, _ := newTestEngine(t, pagedDescriptor("testplat"))
	ctx := context.Background()
	integration := Integration{ID: "i1", TenantID: "t1", Platform: "testplat"}

	seeds, err := engine.GenerateStreams(ctx, integration, true)
	if err != nil {
		t.Fatalf("generate streams: %v", err)
	}
	if len(seeds) != 1 || seeds[0].Identifier != "page:0" {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}

	var (
		frontier   = seeds
		streams    int
		activities int
	)
	for len(frontier) > 0 {
		stream := frontier[0]
		frontier = frontier[1:]

		result, err := engine.ProcessStream(ctx, integration, stream, true)
		if err != nil {
			t.Fatalf("process stream %s: %v", stream.Identifier, err)
		}
		streams++
		frontier = append(frontier, result.Streams...)

		for _, item := range result.Data {
			acts, err := engine.ProcessData(ctx, integration, item)
			if err != nil {
				t.Fatalf("process data: %v", err)
			}
			activities += len(acts)
		}
	}

	if streams != 3 {
		t.Fatalf("expected 3 streams processed, got %d", streams)
	}
	if activities != 3 {
		t.Fatalf("expected 3 activities, got %d", activities)
	}
}

func TestEngineUnknownStreamType(t *testing.T) {
	engine, _ := newTestEngine(t, pagedDescriptor("testplat"))
	integration := Integration{ID: "i1", Platform: "testplat"}

	_, err := engine.ProcessStream(context.Background(), integration, NewStream("mystery:1", nil), false)
	var unknown *UnknownStreamTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStreamTypeError, got %v", err)
	}
	if ErrorTypeName(err) != ErrTypeUnknownStream {
		t.Fatalf("wrong error type name: %q", ErrorTypeName(err))
	}
}

func TestEngineWebhookWithoutProcessor(t *testing.T) {
	engine, _ := newTestEngine(t, pagedDescriptor("testplat"))
	integration := Integration{ID: "i1", Platform: "testplat"}

	_, err := engine.ProcessWebhookStream(context.Background(), integration, NewStream("webhook:1", nil))
	var config *ConfigurationError
	if !errors.As(err, &config) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestEngineMissingCredential(t *testing.T) {
	registry, err := NewRegistry([]Descriptor{pagedDescriptor("testplat")})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	cache := ratelimit.NewMemoryCache()
	engine := NewEngine(registry, staticTokens{}, cache, cache, &settingsRecorder{}, discardLogger())

	_, err = engine.ProcessStream(context.Background(), Integration{ID: "i1", Platform: "testplat"}, NewStream("page:0", nil), false)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if ErrorTypeName(err) != ErrTypeNoCredential {
		t.Fatalf("wrong error type name: %q", ErrorTypeName(err))
	}
}

func TestStreamTypeDiscriminator(t *testing.T) {
	cases := map[string]string{
		"page:0":                "page",
		"comments:abc":          "comments",
		"moreComments:abc:uuid": "moreComments",
		"root":                  "root",
	}
	for identifier, want := range cases {
		if got := (Stream{Identifier: identifier}).Type(); got != want {
			t.Fatalf("Type(%q) = %q, want %q", identifier, got, want)
		}
	}
}

func TestErrorTypeNameUnclassified(t *testing.T) {
	if name := ErrorTypeName(errors.New("boom")); name != "" {
		t.Fatalf("unclassified errors must report no type name, got %q", name)
	}
	if name := ErrorTypeName(nil); name != "" {
		t.Fatalf("nil error must report no type name, got %q", name)
	}
}
