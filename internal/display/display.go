// Package display resolves human-readable descriptions for stored activities
// from per-tenant (platform, type) display settings. It is presentation glue
// on top of the canonical data contracts, not part of ingestion correctness.
package display

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"example.com/community-ingest/internal/pipeline"
)

// Variant selects one of the rendered forms of an activity description.
type Variant string

const (
	VariantDefault Variant = "default"
	VariantShort   Variant = "short"
	VariantChannel Variant = "channel"
)

// Formatter rewrites one templated field. It receives the whole activity
// document plus the value resolved from the template path ("" for synthetic
// fields like {self}).
type Formatter func(activity map[string]any, value string) string

// Properties holds the templates of one (platform, type) entry. Templates
// interpolate {dot.path} references against the activity document; a token
// may carry |-separated fallback paths, and Formatters may post-process a
// token by name.
type Properties struct {
	Default    string
	Short      string
	Channel    string
	Formatters map[string]Formatter
}

// TypeSettings couples display templates with the contribution flag.
type TypeSettings struct {
	Display        Properties
	IsContribution bool
}

// Settings maps platform -> activity type -> display settings.
type Settings map[pipeline.PlatformType]map[string]TypeSettings

// Unknown is the generic fallback used for unregistered (platform, type)
// pairs and for templates whose fields fail to resolve.
var Unknown = Properties{
	Default: "Conducted an activity",
	Short:   "conducted an activity",
	Channel: "",
}

// Merge overlays tenant-custom settings on the defaults. Custom entries win
// per (platform, type); platforms only present on one side carry over.
func Merge(base, custom Settings) Settings {
	merged := make(Settings, len(base))
	for platform, types := range base {
		cp := make(map[string]TypeSettings, len(types))
		for t, s := range types {
			cp[t] = s
		}
		merged[platform] = cp
	}
	for platform, types := range custom {
		if _, ok := merged[platform]; !ok {
			merged[platform] = make(map[string]TypeSettings, len(types))
		}
		for t, s := range types {
			merged[platform][t] = s
		}
	}
	return merged
}

// Doc converts an activity into the generic document templates resolve
// against.
func Doc(a pipeline.Activity) map[string]any {
	raw, err := json.Marshal(a)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}

var tokenPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Options resolves the requested variants for an activity. Unregistered
// (platform, type) pairs and unresolvable fields yield the generic fallback
// instead of an error.
func Options(activity map[string]any, settings Settings, variants ...Variant) map[Variant]string {
	platform, _ := activity["platform"].(string)
	activityType, _ := activity["type"].(string)

	props := Unknown
	if types, ok := settings[pipeline.PlatformType(platform)]; ok {
		if entry, ok := types[activityType]; ok {
			props = entry.Display
		}
	}
	return render(activity, props, variants)
}

func render(activity map[string]any, props Properties, variants []Variant) map[Variant]string {
	out := make(map[Variant]string, len(variants))
	for _, variant := range variants {
		template := templateFor(props, variant)
		resolved, ok := interpolate(activity, template, props.Formatters)
		if !ok {
			resolved = templateFor(Unknown, variant)
		}
		out[variant] = resolved
	}
	return out
}

func templateFor(props Properties, variant Variant) string {
	switch variant {
	case VariantShort:
		return props.Short
	case VariantChannel:
		return props.Channel
	default:
		return props.Default
	}
}

func interpolate(activity map[string]any, template string, formatters map[string]Formatter) (string, bool) {
	resolved := true
	result := tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		token := match[1 : len(match)-1]
		value, ok := resolveToken(activity, token, formatters)
		if !ok {
			resolved = false
			return ""
		}
		return value
	})
	return result, resolved
}

func resolveToken(activity map[string]any, token string, formatters map[string]Formatter) (string, bool) {
	value, found := "", false
	for _, path := range strings.Split(token, "|") {
		if v, ok := lookupPath(activity, strings.TrimSpace(path)); ok && v != "" {
			value, found = v, true
			break
		}
	}
	if formatter, ok := formatters[token]; ok {
		// Synthetic tokens such as {self} resolve through their formatter
		// alone; the raw value, when found, is handed in for reuse.
		return formatter(activity, value), true
	}
	return value, found
}

func lookupPath(doc map[string]any, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = node[part]
		if !ok {
			return "", false
		}
	}
	return stringify(current)
}

func stringify(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(value), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", value), true
	}
}
