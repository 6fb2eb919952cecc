package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"warn","time":"x","message":"save failed","path":"data/messages.json","comp":"storage"}` + "\n"))
	want := "[WARN] save failed\n- comp=storage\n- path=data/messages.json"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}

	raw := formatAlert([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghijklmnop", 12, "abcdefghi..."},
		{"abcdef", 3, "abc"},
		{"anything", 0, "anything"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "scheduler"))
	log.Info("armed", String("id", "abc"), Int("pending", 2))

	out := buf.String()
	for _, want := range []string{`"comp":"scheduler"`, `"id":"abc"`, `"pending":2`, `"message":"armed"`, `"caller":"alert_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %q missing %s", out, want)
		}
	}

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	zero.Info("dropped") // must not panic
}
