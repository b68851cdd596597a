package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the bot's whole configuration.
// All durations are Go duration strings (e.g. "500ms", "10s", "10m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Linking  LinkingConfig  `json:"linking,omitempty"`
	Upstream UpstreamConfig `json:"upstream"`
	Web      WebConfig      `json:"web,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
	SendRate    int    `json:"send_rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"` // default "10s"
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // default "info"
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./kazebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LinkingConfig struct {
	// CodeTTL is the linking-code validity window. Default "10m".
	CodeTTL string `json:"code_ttl,omitempty"`
}

// UpstreamConfig controls polling of the content service for library
// updates.
type UpstreamConfig struct {
	BaseURL string `json:"base_url"`
	// Schedule is a cron expression (5-field) for the poll sweep.
	// Default "*/5 * * * *".
	Schedule string `json:"schedule,omitempty"`
	// RequestTimeout bounds one upstream HTTP call. Default "15s".
	RequestTimeout string `json:"request_timeout,omitempty"`
	// DedupWindow is how long seen-event fingerprints are remembered.
	// Default "168h" (one week).
	DedupWindow string `json:"dedup_window,omitempty"`
}

// WebConfig controls the confirmation/metrics HTTP server.
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
}

// Validate rejects configs the app cannot start with. It only checks
// shape; reachability problems surface at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		return errors.New("storage.driver is required")
	}
	if d := strings.ToLower(c.Storage.Driver); d != "sqlite" && d != "sqlite3" && d != "memory" {
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"linking.code_ttl", c.Linking.CodeTTL},
		{"upstream.request_timeout", c.Upstream.RequestTimeout},
		{"upstream.dedup_window", c.Upstream.DedupWindow},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// CodeTTL returns the parsed linking-code TTL (0 means "use the default").
func (c *Config) CodeTTL() time.Duration {
	d, _ := ParseDurationField("linking.code_ttl", c.Linking.CodeTTL)
	return d
}
