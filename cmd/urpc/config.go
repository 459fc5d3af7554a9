package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// settings are the effective settings for a command.
type settings struct {
	Listen    string        // serve: address to listen on
	Addr      string        // call, publish: address to dial
	WebSocket bool          // use WebSocket rather than newline-delimited TCP
	Timeout   time.Duration // call timeout, 0 for none
	LogLevel  zerolog.Level
	RateLimit float64 // serve: requests per second, 0 for unlimited
	RateBurst int
}

func defaultSettings() settings {
	return settings{
		Listen:    "localhost:7070",
		Addr:      "localhost:7070",
		Timeout:   10 * time.Second,
		LogLevel:  zerolog.InfoLevel,
		RateBurst: 1,
	}
}

type fileConfig struct {
	Listen    string  `toml:"listen"`
	Addr      string  `toml:"addr"`
	WebSocket bool    `toml:"websocket"`
	Timeout   string  `toml:"timeout"`
	LogLevel  string  `toml:"log_level"`
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// loadSettings returns the default settings updated by the TOML configuration
// at path. If path == "", the defaults are returned.
func loadSettings(path string) (settings, error) {
	cfg := defaultSettings()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return settings{}, fmt.Errorf("load config: %w", err)
	}
	if keys := meta.Undecoded(); len(keys) != 0 {
		return settings{}, fmt.Errorf("load config: unknown keys %v", keys)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("websocket") {
		cfg.WebSocket = raw.WebSocket
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return settings{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return settings{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("rate_limit") {
		if raw.RateLimit < 0 {
			return settings{}, fmt.Errorf("rate_limit must not be negative")
		}
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		if raw.RateBurst < 1 {
			return settings{}, fmt.Errorf("rate_burst must be positive")
		}
		cfg.RateBurst = raw.RateBurst
	}
	return cfg, nil
}
