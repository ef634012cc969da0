// Package prompt reads and writes the generation prompt through whichever
// input control the host page currently renders, normalizing representation
// differences between plain inputs, multi-line fields, and rich-text regions.
package prompt

import (
	"log/slog"
	"strings"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/page"
)

// captureOrder is the first-match-wins priority when several inputs are
// present: the dedicated multi-line field, then the rich-text editable
// region, then a generic text field.
var captureOrder = []page.InputKind{
	page.InputTextArea,
	page.InputRichText,
	page.InputTextField,
}

// Normalize collapses representation differences so the same prompt captured
// from different input kinds compares equal: CRLF to LF, non-breaking spaces
// to spaces, surrounding whitespace trimmed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, " ", " ")
	return strings.TrimSpace(text)
}

// Capture reads the current prompt from the page. The second return is false
// when no supported input is present or the read fails; absence is a normal
// condition while the page is mid-navigation.
func Capture(s page.Surface) (string, bool) {
	if s == nil {
		return "", false
	}
	inputs := s.Inputs()
	for _, kind := range captureOrder {
		for _, in := range inputs {
			if in.Kind() != kind {
				continue
			}
			v, err := in.Value()
			if err != nil {
				slog.Debug("prompt capture read failed", "kind", kind, "error", err)
				continue
			}
			return Normalize(v), true
		}
	}
	return "", false
}

// Restore writes text back into the highest-priority input present and
// reports whether the write succeeded. Never panics on missing elements.
func Restore(s page.Surface, text string) bool {
	if s == nil {
		return false
	}
	inputs := s.Inputs()
	for _, kind := range captureOrder {
		for _, in := range inputs {
			if in.Kind() != kind {
				continue
			}
			if err := in.SetValue(text); err != nil {
				slog.Debug("prompt restore write failed", "kind", kind, "error", err)
				return false
			}
			return true
		}
	}
	return false
}

// Station binds a page surface to the retry session's submitter contract:
// restore the captured prompt, then activate the generation control.
type Station struct {
	surface page.Surface
	logger  *slog.Logger
}

// NewStation creates a Station over the given surface.
func NewStation(surface page.Surface, logger *slog.Logger) *Station {
	if logger == nil {
		logger = slog.Default()
	}
	return &Station{surface: surface, logger: logger}
}

// Restore implements retry.Submitter.
func (st *Station) Restore(text string) bool {
	ok := Restore(st.surface, text)
	if !ok {
		st.logger.Warn("prompt restore failed: no writable input on page")
	}
	return ok
}

// Submit implements retry.Submitter.
func (st *Station) Submit() error {
	return st.surface.Submit()
}
