package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urpc.toml")
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	return path
}

func TestLoadSettingsDefault(t *testing.T) {
	got, err := loadSettings("")
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if diff := cmp.Diff(defaultSettings(), got); diff != "" {
		t.Errorf("Settings (-want, +got):\n%s", diff)
	}
}

func TestLoadSettings(t *testing.T) {
	path := writeConfig(t, `
listen = " 0.0.0.0:9000 "
websocket = true
timeout = "250ms"
log_level = "debug"
rate_limit = 50.5
rate_burst = 10
`)
	got, err := loadSettings(path)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	want := defaultSettings()
	want.Listen = "0.0.0.0:9000"
	want.WebSocket = true
	want.Timeout = 250 * time.Millisecond
	want.LogLevel = zerolog.DebugLevel
	want.RateLimit = 50.5
	want.RateBurst = 10
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Settings (-want, +got):\n%s", diff)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name, text, want string
	}{
		{"Syntax", `listen = `, "load config"},
		{"UnknownKey", `bogus = 1`, "unknown keys"},
		{"Timeout", `timeout = "soon"`, "parse timeout"},
		{"LogLevel", `log_level = "loud"`, "parse log_level"},
		{"RateLimit", `rate_limit = -1.0`, "rate_limit"},
		{"RateBurst", `rate_burst = 0`, "rate_burst"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadSettings(writeConfig(t, tc.text))
			if err == nil {
				t.Fatal("loadSettings: got nil error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("loadSettings: got %v, want %q", err, tc.want)
			}
		})
	}

	if _, err := loadSettings(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("loadSettings of a missing file: got nil error")
	}
}

func TestParseParams(t *testing.T) {
	got := parseParams([]string{`1`, `"two"`, `three`, `[4]`, `{"five":5}`})
	want := []any{1.0, "two", "three", []any{4.0}, map[string]any{"five": 5.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseParams (-want, +got):\n%s", diff)
	}
}
