package logutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, loggerConfig{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	Component(logger, "session").Debug("session_created", "session_id", "default")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not json: %q", buf.String())
	}
	if rec["msg"] != "session_created" || rec["component"] != "session" || rec["session_id"] != "default" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewLoggerRejectsUnknownSettings(t *testing.T) {
	if _, err := newLogger(&bytes.Buffer{}, loggerConfig{Format: "xml"}); err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("newLogger(xml) error = %v", err)
	}
	if _, err := newLogger(&bytes.Buffer{}, loggerConfig{Level: "loud"}); err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("newLogger(loud) error = %v", err)
	}
}

func TestParseLevelWarningAlias(t *testing.T) {
	a, errA := parseLevel("warn")
	b, errB := parseLevel(" WARNING ")
	if errA != nil || errB != nil || a != b {
		t.Fatalf("parseLevel(warn) = %v/%v, parseLevel(WARNING) = %v/%v", a, errA, b, errB)
	}
}
