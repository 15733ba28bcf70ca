package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"mobility-hub/internal/config"
)

func TestNewLogger_ProdEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.Config{AppEnv: config.EnvProd, LogLevel: slog.LevelInfo}, "mobility-hub")

	logger.Debug("hidden")
	logger.Info("poll done", "records", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["app"] != "mobility-hub" || entry["env"] != "prod" || entry["msg"] != "poll done" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewLogger_DevUsesText(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.Config{AppEnv: config.EnvDev, LogLevel: slog.LevelDebug}, "mobility-hub")

	logger.Debug("visible")
	out := buf.String()
	if !strings.Contains(out, "visible") || strings.HasPrefix(out, "{") {
		t.Fatalf("expected text output, got %q", out)
	}
}
