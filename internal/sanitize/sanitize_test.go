package sanitize

import (
	"strings"
	"testing"
)

func TestHTMLStripsScripts(t *testing.T) {
	in := `<p>hello</p><script>alert("x")</script>`
	out := HTML(in)
	if strings.Contains(out, "script") || strings.Contains(out, "alert") {
		t.Fatalf("script survived sanitization: %q", out)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("content lost: %q", out)
	}
}

func TestHTMLKeepsBasicMarkup(t *testing.T) {
	out := HTML(`<p>some <strong>bold</strong> text</p>`)
	if !strings.Contains(out, "<strong>bold</strong>") {
		t.Fatalf("safe markup stripped: %q", out)
	}
}

// Reddit delivers body_html entity-encoded; entities decode before policy
// enforcement so the markup inside them is still sanitized.
func TestHTMLUnescapesEntities(t *testing.T) {
	out := HTML(`&lt;p&gt;escaped&lt;/p&gt;`)
	if !strings.Contains(out, "escaped") {
		t.Fatalf("entity-encoded content lost: %q", out)
	}

	out = HTML(`&lt;script&gt;alert(1)&lt;/script&gt;ok`)
	if strings.Contains(out, "script") {
		t.Fatalf("entity-encoded script survived: %q", out)
	}
}

func TestTextStripsAllMarkup(t *testing.T) {
	out := Text(`<p>plain <a href="https://example.com">link</a></p>`)
	if strings.ContainsAny(out, "<>") {
		t.Fatalf("markup survived: %q", out)
	}
	if !strings.Contains(out, "plain") || !strings.Contains(out, "link") {
		t.Fatalf("text content lost: %q", out)
	}
}

func TestEmptyInput(t *testing.T) {
	if HTML("") != "" || Text("") != "" {
		t.Fatalf("empty input must stay empty")
	}
}
