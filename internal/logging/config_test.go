package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"verbose", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q) = %v %v, want %v %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseBool(t *testing.T) {
	if v, ok := parseBool("true"); !v || !ok {
		t.Fatalf("parseBool(true) = %v %v", v, ok)
	}
	if _, ok := parseBool(""); ok {
		t.Fatalf("empty string parsed as bool")
	}
	if _, ok := parseBool("maybe"); ok {
		t.Fatalf("garbage parsed as bool")
	}
}

func TestBuildJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := build("viewsctl-test", Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Info().Str("k", "v").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"app":"viewsctl-test"`) {
		t.Fatalf("app field missing: %s", out)
	}
	if !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("field missing: %s", out)
	}

	buf.Reset()
	logger.Debug().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug not filtered at info level: %s", buf.String())
	}
}
