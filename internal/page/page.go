// Package page models the host page the retry helper operates on: its
// rendered text, the active post, and the input controls a prompt can be
// read from or written to. The concrete Surface is usually a connected
// browser userscript (see internal/bridge); tests use in-memory fakes.
package page

import (
	"net/url"
	"strings"
	"time"
)

// InputKind identifies which kind of input control the page renders for the
// prompt. The page swaps these out between redesigns, so all three are
// supported.
type InputKind string

const (
	// InputTextArea is a dedicated multi-line text field.
	InputTextArea InputKind = "textarea"
	// InputRichText is a rich-text contenteditable region.
	InputRichText InputKind = "richtext"
	// InputTextField is a generic single-line text field.
	InputTextField InputKind = "textfield"
)

// Input is one prompt input control currently present on the page.
type Input interface {
	Kind() InputKind
	// Value reads the current text from the control.
	Value() (string, error)
	// SetValue writes text back using the representation-appropriate
	// update mechanism (value assignment plus input events, or
	// contenteditable paragraph replacement).
	SetValue(text string) error
}

// Surface is the page as seen by the core: rendered text for marker
// detection, the active post, prompt inputs, and the submit control.
// Implementations must not panic when elements are missing; the page may be
// mid-navigation.
type Surface interface {
	// Text returns the full rendered text content of the observed root.
	Text() string
	// PostID returns the identifier of the post currently shown, or ""
	// when none is active.
	PostID() string
	// Inputs returns the prompt input controls currently present, in
	// document order. Empty when the page has no input (mid-navigation).
	Inputs() []Input
	// Submit activates the generate/retry control.
	Submit() error
}

// Navigation is a page-navigation notification (URL or post change).
type Navigation struct {
	PostID string    `json:"post_id"`
	URL    string    `json:"url,omitempty"`
	At     time.Time `json:"at"`
}

// ParsePostID extracts the post identifier from a page URL. Supported forms:
//
//	https://grok.com/post/<id>
//	https://grok.com/imagine/<id>
//	https://x.com/i/grok?post=<id>
//
// Returns "" when the URL carries no post identifier.
func ParsePostID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	if id := u.Query().Get("post"); id != "" {
		return id
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "post", "imagine":
			if parts[i+1] != "" {
				return parts[i+1]
			}
		}
	}
	return ""
}
