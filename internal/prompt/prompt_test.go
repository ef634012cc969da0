package prompt

import (
	"errors"
	"testing"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/page"
)

type fakeInput struct {
	kind   page.InputKind
	value  string
	rdErr  error
	wrErr  error
	writes []string
}

func (f *fakeInput) Kind() page.InputKind { return f.kind }

func (f *fakeInput) Value() (string, error) {
	if f.rdErr != nil {
		return "", f.rdErr
	}
	return f.value, nil
}

func (f *fakeInput) SetValue(text string) error {
	if f.wrErr != nil {
		return f.wrErr
	}
	f.writes = append(f.writes, text)
	return nil
}

type fakeSurface struct {
	text   string
	postID string
	inputs []page.Input
	subErr error
}

func (f *fakeSurface) Text() string        { return f.text }
func (f *fakeSurface) PostID() string      { return f.postID }
func (f *fakeSurface) Inputs() []page.Input { return f.inputs }
func (f *fakeSurface) Submit() error       { return f.subErr }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "a cat surfing", want: "a cat surfing"},
		{name: "crlf", in: "line one\r\nline two", want: "line one\nline two"},
		{name: "bare cr", in: "line one\rline two", want: "line one\nline two"},
		{name: "nbsp", in: "a cat", want: "a cat"},
		{name: "surrounding space", in: "  trimmed \n", want: "trimmed"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCapturePriority(t *testing.T) {
	s := &fakeSurface{inputs: []page.Input{
		&fakeInput{kind: page.InputTextField, value: "field"},
		&fakeInput{kind: page.InputRichText, value: "rich"},
		&fakeInput{kind: page.InputTextArea, value: "area"},
	}}

	got, ok := Capture(s)
	if !ok || got != "area" {
		t.Errorf("Capture = (%q, %v), want (area, true)", got, ok)
	}

	// Without the textarea the rich-text region wins.
	s.inputs = s.inputs[:2]
	got, ok = Capture(s)
	if !ok || got != "rich" {
		t.Errorf("Capture = (%q, %v), want (rich, true)", got, ok)
	}

	s.inputs = s.inputs[:1]
	got, ok = Capture(s)
	if !ok || got != "field" {
		t.Errorf("Capture = (%q, %v), want (field, true)", got, ok)
	}
}

func TestCaptureMissingInput(t *testing.T) {
	if got, ok := Capture(&fakeSurface{}); ok || got != "" {
		t.Errorf("Capture on empty page = (%q, %v), want (\"\", false)", got, ok)
	}
	if _, ok := Capture(nil); ok {
		t.Error("Capture(nil) must report absence, not panic")
	}
}

func TestCaptureSkipsUnreadableInput(t *testing.T) {
	s := &fakeSurface{inputs: []page.Input{
		&fakeInput{kind: page.InputTextArea, rdErr: errors.New("detached node")},
		&fakeInput{kind: page.InputTextField, value: "fallback"},
	}}
	got, ok := Capture(s)
	if !ok || got != "fallback" {
		t.Errorf("Capture = (%q, %v), want (fallback, true)", got, ok)
	}
}

func TestRestore(t *testing.T) {
	area := &fakeInput{kind: page.InputTextArea}
	field := &fakeInput{kind: page.InputTextField}
	s := &fakeSurface{inputs: []page.Input{field, area}}

	if !Restore(s, "a cat surfing") {
		t.Fatal("Restore should succeed")
	}
	if len(area.writes) != 1 || area.writes[0] != "a cat surfing" {
		t.Errorf("expected write to the textarea, got %v", area.writes)
	}
	if len(field.writes) != 0 {
		t.Errorf("lower-priority input must not be written, got %v", field.writes)
	}
}

func TestRestoreReportsFailure(t *testing.T) {
	if Restore(&fakeSurface{}, "text") {
		t.Error("Restore with no input present must report failure")
	}
	s := &fakeSurface{inputs: []page.Input{
		&fakeInput{kind: page.InputRichText, wrErr: errors.New("write rejected")},
	}}
	if Restore(s, "text") {
		t.Error("Restore must report a rejected write")
	}
	if Restore(nil, "text") {
		t.Error("Restore(nil) must report failure, not panic")
	}
}

func TestStation(t *testing.T) {
	area := &fakeInput{kind: page.InputTextArea}
	s := &fakeSurface{inputs: []page.Input{area}}
	st := NewStation(s, nil)

	if !st.Restore("prompt") {
		t.Fatal("station restore should succeed")
	}
	if err := st.Submit(); err != nil {
		t.Fatalf("station submit: %v", err)
	}

	s.subErr = errors.New("button missing")
	if err := st.Submit(); err == nil {
		t.Error("station submit should surface the page error")
	}
}
