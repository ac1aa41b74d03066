package whisper

import (
	"errors"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
)

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "auto", false},
		{"en", "en", false},
		{"de-AT", "de", false},
		{"EN-us", "en", false},
		{"yue", "yue", false},
		{"x", "", true},
		{"1a", "", true},
		{"toolong", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeLanguage(c.in)
		if c.wantErr {
			if !errors.Is(err, stt.ErrInvalidLanguage) {
				t.Errorf("NormalizeLanguage(%q): err = %v, want ErrInvalidLanguage", c.in, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("NormalizeLanguage(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}

func TestParseResult_FlatText(t *testing.T) {
	t.Parallel()

	text, err := parseResult([]byte(`{"text":"  hello there  "}`))
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want %q", text, "hello there")
	}
}

func TestParseResult_Segments(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"transcription":[
		{"text":" hello ","offsets":{"from":0,"to":900}},
		{"text":"  ","offsets":{"from":900,"to":1000}},
		{"text":"world","offsets":{"from":1000,"to":1500}}
	]}`)
	text, err := parseResult(raw)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}
}

func TestParseResult_Garbage(t *testing.T) {
	t.Parallel()

	if _, err := parseResult([]byte("not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
