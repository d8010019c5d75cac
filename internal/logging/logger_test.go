package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewTagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "settlement", "test")
	logger.Info("dropped")
	logger.Warn("kept")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["service"] != "settlement" || line["env"] != "test" {
		t.Fatalf("unexpected record %v", line)
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "verbose", "s", "e").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug emitted at default level: %s", buf.String())
	}
}
