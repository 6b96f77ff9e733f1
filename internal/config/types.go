// Package config holds the engine configuration and the tenant registry:
// one YAML (or JSON) file, loaded strictly, hot-reloaded on change.
package config

import (
	"fmt"
	"strings"
	"time"

	"heimdall/internal/event"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`

	// Scheduler controls the reminder tick. All durations are Go duration
	// strings (e.g. "30s", "5m").
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage StorageConfig `json:"storage"`

	Tenants []TenantConfig `json:"tenants"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// WebhookConfig controls the HTTP intake surface. When Secret is empty the
// endpoint answers 503 and processes nothing.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	Secret  string `json:"secret,omitempty"`
}

// SchedulerConfig controls the reminder scan cadence and lookahead horizons.
//
// Defaults (when fields are omitted/zero):
//   - tick: "*/5 * * * *"
//   - event_lookahead_days: 7
//   - holiday_lookahead_days: 30
//   - sprint_fetch_limit: 5
//   - stop_grace: "20s"
type SchedulerConfig struct {
	Tick                 string `json:"tick,omitempty"`
	EventLookaheadDays   int    `json:"event_lookahead_days,omitempty"`
	HolidayLookaheadDays int    `json:"holiday_lookahead_days,omitempty"`
	SprintFetchLimit     int    `json:"sprint_fetch_limit,omitempty"`
	StopGrace            string `json:"stop_grace,omitempty"`
}

// StorageConfig selects the delivery-ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./heimdall.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TenantConfig is one organization: its backend credentials, notification
// channel, and reminder preferences. Owned by this package; read-only to the
// engine.
type TenantConfig struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// DatabaseURL is the tenant's own Postgres backend.
	DatabaseURL string `json:"database_url"`

	// Channel is the tenant's notification channel on the chat platform.
	Channel  int64 `json:"channel"`
	ThreadID int   `json:"thread_id,omitempty"`

	Timezone string `json:"timezone,omitempty"`

	// MentionAll is prepended to holiday and sprint reminders so every
	// member is pinged. Empty disables the ping.
	MentionAll string `json:"mention_all,omitempty"`

	// ReminderTimes maps an entity kind to minute offsets before start.
	ReminderTimes map[string][]int `json:"reminder_times,omitempty"`
}

// Default reminder offsets, in minutes before start.
var defaultReminderTimes = map[event.Kind][]int{
	event.KindMeeting: {1440, 60, 15},
	event.KindSprint:  {1440, 60},
	event.KindHoliday: {10080, 1440},
}

var fallbackReminderTimes = []int{1440, 60}

// ReminderOffsets returns the configured offsets for a kind, falling back to
// the stock defaults when the tenant has not customized that kind.
func (t TenantConfig) ReminderOffsets(kind event.Kind) []int {
	if times, ok := t.ReminderTimes[string(kind)]; ok && len(times) > 0 {
		return times
	}
	if times, ok := defaultReminderTimes[kind]; ok {
		return times
	}
	return fallbackReminderTimes
}

// Location resolves the tenant timezone, defaulting to UTC.
func (t TenantConfig) Location() *time.Location {
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Usable reports whether the engine can deliver for this tenant at all.
func (t TenantConfig) Usable() bool {
	return strings.TrimSpace(t.DatabaseURL) != "" && t.Channel != 0
}

// Validate rejects configs the engine could not run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	seen := map[string]bool{}
	for i, t := range c.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		for kind, times := range t.ReminderTimes {
			for _, m := range times {
				if m <= 0 {
					return fmt.Errorf("tenants[%d]: reminder_times.%s: offsets must be positive minutes", i, kind)
				}
			}
		}
	}
	return nil
}

// Tenant looks up a tenant by id; ok is false when unknown.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
