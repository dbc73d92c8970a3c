package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewRenamesStandardKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Service: "matchingd", Env: "test", Level: "debug"})
	logger.Debug("matched", slog.String("market", "0xaa"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "market"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("expected key %q in %v", key, line)
		}
	}
	if line["severity"] != "DEBUG" || line["message"] != "matched" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("%q: expected %v, got %v", input, want, got)
		}
	}
}

func TestSensitiveKeysAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Service: "matchingd"})
	logger.Info("journal opened",
		slog.String("journal_dsn", "postgres://user:pw@db/events"),
		slog.String("Authorization", "Bearer abc"),
		slog.String("hmac_secret", ""),
		slog.String("market", "0xaa"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["journal_dsn"] != RedactedValue || line["Authorization"] != RedactedValue {
		t.Fatalf("expected credentials to be redacted, got %v", line)
	}
	if line["hmac_secret"] != "" {
		t.Fatalf("expected empty secret to stay empty, got %v", line["hmac_secret"])
	}
	if line["market"] != "0xaa" {
		t.Fatalf("expected market to pass through, got %v", line["market"])
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"hmac_secret", "X-Auth-Token", "dsn"} {
		if !IsSensitive(key) {
			t.Fatalf("expected %q to be sensitive", key)
		}
	}
	for _, key := range []string{"", "service", "market", "budget"} {
		if IsSensitive(key) {
			t.Fatalf("expected %q to pass through", key)
		}
	}
	if MaskValue("") != "" || MaskValue("s3cret") != RedactedValue {
		t.Fatalf("unexpected mask behaviour")
	}
}
