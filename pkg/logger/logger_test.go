package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warn ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSetOutputWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	Info().Str("task_id", "a/b").Int("attempt", 2).Msg("retrying")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["task_id"] != "a/b" {
		t.Errorf("task_id = %v, want a/b", entry["task_id"])
	}
	if entry["message"] != "retrying" {
		t.Errorf("message = %v, want retrying", entry["message"])
	}
}

func TestWithField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	l := WithField("run_id", "r1")
	l.Warn().Msg("hello")

	if !bytes.Contains(buf.Bytes(), []byte(`"run_id":"r1"`)) {
		t.Errorf("expected run_id field in %q", buf.String())
	}
}
