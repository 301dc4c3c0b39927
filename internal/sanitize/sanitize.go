// Package sanitize cleans rich-text bodies coming from platform APIs before
// they enter canonical activities.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.UGCPolicy()

// HTML decodes HTML entities and strips unsafe markup. Optional platform
// fields are frequently absent, so empty input stays empty.
func HTML(body string) string {
	if body == "" {
		return ""
	}
	return strings.TrimSpace(policy.Sanitize(html.UnescapeString(body)))
}

// Text strips all markup, keeping plain text only.
func Text(body string) string {
	if body == "" {
		return ""
	}
	return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(html.UnescapeString(body)))
}
