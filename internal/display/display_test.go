package display

import (
	"testing"
	"time"

	"example.com/community-ingest/internal/pipeline"
)

func testSettings() Settings {
	return Settings{
		pipeline.PlatformReddit: {
			"post": {
				Display: Properties{
					Default: "posted in subreddit {channel}",
					Short:   "posted",
					Channel: "{channel}",
				},
				IsContribution: true,
			},
			"comment": {
				Display: Properties{
					Default: "commented on {attributes.postTitle|channel}",
					Short:   "commented",
					Channel: "{channel}",
				},
				IsContribution: true,
			},
		},
	}
}

func TestOptionsResolvesTemplates(t *testing.T) {
	activity := map[string]any{
		"platform": "reddit",
		"type":     "post",
		"channel":  "golang",
	}
	got := Options(activity, testSettings(), VariantDefault, VariantShort, VariantChannel)
	if got[VariantDefault] != "posted in subreddit golang" {
		t.Fatalf("default variant: got %q", got[VariantDefault])
	}
	if got[VariantShort] != "posted" {
		t.Fatalf("short variant: got %q", got[VariantShort])
	}
	if got[VariantChannel] != "golang" {
		t.Fatalf("channel variant: got %q", got[VariantChannel])
	}
}

func TestOptionsFallbackChain(t *testing.T) {
	// attributes.postTitle missing, falls back to channel.
	activity := map[string]any{
		"platform":   "reddit",
		"type":       "comment",
		"channel":    "golang",
		"attributes": map[string]any{},
	}
	got := Options(activity, testSettings(), VariantDefault)
	if got[VariantDefault] != "commented on golang" {
		t.Fatalf("fallback chain: got %q", got[VariantDefault])
	}

	// First path wins when present.
	activity["attributes"] = map[string]any{"postTitle": "Generics are here"}
	got = Options(activity, testSettings(), VariantDefault)
	if got[VariantDefault] != "commented on Generics are here" {
		t.Fatalf("primary path: got %q", got[VariantDefault])
	}
}

func TestOptionsUnknownTypeFallsBack(t *testing.T) {
	activity := map[string]any{
		"platform": "reddit",
		"type":     "never-registered",
	}
	got := Options(activity, testSettings(), VariantDefault, VariantShort, VariantChannel)
	if got[VariantDefault] != Unknown.Default {
		t.Fatalf("unknown type default: got %q", got[VariantDefault])
	}
	if got[VariantShort] != Unknown.Short {
		t.Fatalf("unknown type short: got %q", got[VariantShort])
	}
	if got[VariantChannel] != "" {
		t.Fatalf("unknown type channel: got %q", got[VariantChannel])
	}
}

func TestOptionsUnresolvedFieldFallsBack(t *testing.T) {
	// Registered type but the template's field is absent from the activity.
	activity := map[string]any{
		"platform": "reddit",
		"type":     "post",
	}
	got := Options(activity, testSettings(), VariantDefault)
	if got[VariantDefault] != Unknown.Default {
		t.Fatalf("unresolved field should fall back, got %q", got[VariantDefault])
	}
}

func TestOptionsFormatter(t *testing.T) {
	settings := Settings{
		pipeline.PlatformSlack: {
			"channel_joined": {
				Display: Properties{
					Default: "joined channel {channel|self}",
					Formatters: map[string]Formatter{
						"channel|self": func(activity map[string]any, value string) string {
							if value == "" {
								return "the workspace"
							}
							return value
						},
					},
				},
			},
		},
	}

	activity := map[string]any{"platform": "slack", "type": "channel_joined"}
	got := Options(activity, settings, VariantDefault)
	if got[VariantDefault] != "joined channel the workspace" {
		t.Fatalf("formatter on empty value: got %q", got[VariantDefault])
	}

	activity["channel"] = "general"
	got = Options(activity, settings, VariantDefault)
	if got[VariantDefault] != "joined channel general" {
		t.Fatalf("formatter passthrough: got %q", got[VariantDefault])
	}
}

func TestMergeOverlaysCustomSettings(t *testing.T) {
	base := testSettings()
	custom := Settings{
		pipeline.PlatformReddit: {
			"post": {
				Display:        Properties{Default: "custom post"},
				IsContribution: false,
			},
		},
		pipeline.PlatformSlack: {
			"message": {
				Display: Properties{Default: "sent a message"},
			},
		},
	}

	merged := Merge(base, custom)
	if merged[pipeline.PlatformReddit]["post"].Display.Default != "custom post" {
		t.Fatalf("custom entry should win")
	}
	if merged[pipeline.PlatformReddit]["comment"].Display.Short != "commented" {
		t.Fatalf("untouched base entry should survive")
	}
	if _, ok := merged[pipeline.PlatformSlack]["message"]; !ok {
		t.Fatalf("custom-only platform should carry over")
	}
	if base[pipeline.PlatformReddit]["post"].Display.Default != "posted in subreddit {channel}" {
		t.Fatalf("merge must not mutate the base settings")
	}
}

func TestDocRoundTrip(t *testing.T) {
	activity := pipeline.Activity{
		SourceID:  "t3_abc-1",
		Platform:  pipeline.PlatformReddit,
		Type:      "post",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Channel:   "golang",
		Score:     8,
	}
	doc := Doc(activity)
	if doc["platform"] != "reddit" || doc["type"] != "post" || doc["channel"] != "golang" {
		t.Fatalf("doc fields wrong: %+v", doc)
	}
	// No url on the activity, so the channel formatter renders plain text.
	got := Options(doc, Default(), VariantDefault)
	if got[VariantDefault] != "posted in subreddit golang" {
		t.Fatalf("default settings should resolve reddit post, got %q", got[VariantDefault])
	}
}
