package config

import (
	"errors"
	"fmt"
	"strings"

	"lobbybot/internal/reminder"
	"lobbybot/internal/session"
	"lobbybot/internal/sticky"
	"lobbybot/internal/storage"
	logx "lobbybot/pkg/logx"
)

// Config is the root of the config file. All durations are Go duration
// strings (e.g. "500ms", "10s", "2h").
type Config struct {
	Platform PlatformConfig `json:"platform"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sessions SessionsConfig `json:"sessions"`
	Sticky   StickyConfig   `json:"sticky"`
	Reminder ReminderConfig `json:"reminder"`
}

// PlatformConfig identifies the bot on the external platform. The actual
// gateway plumbing lives outside this repo.
type PlatformConfig struct {
	// SelfID is the bot's own account id; messages it authors never
	// trigger the sticky scheduler.
	SelfID string `json:"self_id"`
	// DryRun routes all side effects to the logging actuator.
	DryRun bool `json:"dry_run,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SessionsConfig controls the lifecycle manager. Lobbies listed here are
// registered at startup; lobbies registered at runtime live in the store
// only.
type SessionsConfig struct {
	Shards      int           `json:"shards,omitempty"`
	MailboxSize int           `json:"mailbox_size,omitempty"`
	DefaultName string        `json:"default_name,omitempty"`
	Lobbies     []LobbyConfig `json:"lobbies,omitempty"`
}

type LobbyConfig struct {
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	NamePattern string `json:"name_pattern,omitempty"`
	UserLimit   int    `json:"user_limit,omitempty"`
}

type StickyConfig struct {
	DefaultDebounce string `json:"default_debounce,omitempty"`
	FireTimeout     string `json:"fire_timeout,omitempty"`
}

type ReminderConfig struct {
	Tick           string       `json:"tick,omitempty"`
	Capability     string       `json:"capability,omitempty"`
	DefaultRoleID  string       `json:"default_role_id,omitempty"`
	DuplicateGuard string       `json:"duplicate_guard,omitempty"`
	RatePerSec     float64      `json:"rate_per_sec,omitempty"`
	Rules          []RuleConfig `json:"rules,omitempty"`
}

type RuleConfig struct {
	Service   string `json:"service"`
	AccountID string `json:"account_id"`
	Keyword   string `json:"keyword"`
	Window    string `json:"window,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Validate rejects configs the components could not start with. It runs
// both on initial load and before a hot reload commits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := cfg.Logx(); err != nil {
		return err
	}
	if _, err := cfg.StorageConfig(); err != nil {
		return err
	}
	if _, err := cfg.SessionConfig(); err != nil {
		return err
	}
	if _, err := cfg.StickyServiceConfig(); err != nil {
		return err
	}
	if _, err := cfg.ReminderServiceConfig(); err != nil {
		return err
	}
	return nil
}

// Logx converts the logging section.
func (c *Config) Logx() (logx.Config, error) {
	lv := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch lv {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	return logx.Config{
		Level:   lv,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}, nil
}

// StorageConfig converts the storage section.
func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return storage.Config{}, errors.New("storage.path: required for sqlite")
		}
	case "memory", "mem":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return storage.Config{Driver: driver, Path: c.Storage.Path, BusyTimeout: busy}, nil
}

// SessionConfig converts the sessions section.
func (c *Config) SessionConfig() (session.Config, error) {
	for i, l := range c.Sessions.Lobbies {
		if strings.TrimSpace(l.GuildID) == "" || strings.TrimSpace(l.ChannelID) == "" {
			return session.Config{}, fmt.Errorf("sessions.lobbies[%d]: guild_id and channel_id required", i)
		}
	}
	return session.Config{
		Shards:      c.Sessions.Shards,
		MailboxSize: c.Sessions.MailboxSize,
		DefaultName: c.Sessions.DefaultName,
	}, nil
}

// StickyServiceConfig converts the sticky section.
func (c *Config) StickyServiceConfig() (sticky.Config, error) {
	debounce, err := ParseDurationField("sticky.default_debounce", c.Sticky.DefaultDebounce)
	if err != nil {
		return sticky.Config{}, err
	}
	timeout, err := ParseDurationField("sticky.fire_timeout", c.Sticky.FireTimeout)
	if err != nil {
		return sticky.Config{}, err
	}
	return sticky.Config{DefaultDebounce: debounce, FireTimeout: timeout}, nil
}

// ReminderServiceConfig converts the reminder section.
func (c *Config) ReminderServiceConfig() (reminder.Config, error) {
	tick, err := ParseDurationField("reminder.tick", c.Reminder.Tick)
	if err != nil {
		return reminder.Config{}, err
	}
	guard, err := ParseDurationField("reminder.duplicate_guard", c.Reminder.DuplicateGuard)
	if err != nil {
		return reminder.Config{}, err
	}
	out := reminder.Config{
		Tick:           tick,
		Capability:     c.Reminder.Capability,
		DefaultRoleID:  c.Reminder.DefaultRoleID,
		DuplicateGuard: guard,
		RatePerSec:     c.Reminder.RatePerSec,
	}
	for i, r := range c.Reminder.Rules {
		if strings.TrimSpace(r.Service) == "" || strings.TrimSpace(r.AccountID) == "" {
			return reminder.Config{}, fmt.Errorf("reminder.rules[%d]: service and account_id required", i)
		}
		window, err := ParseDurationField(fmt.Sprintf("reminder.rules[%d].window", i), r.Window)
		if err != nil {
			return reminder.Config{}, err
		}
		out.Rules = append(out.Rules, reminder.Rule{
			Service:   r.Service,
			AccountID: r.AccountID,
			Keyword:   r.Keyword,
			Window:    window,
			Message:   r.Message,
		})
	}
	return out, nil
}

// Lobbies converts the startup lobby list.
func (c *Config) Lobbies() []storage.Lobby {
	out := make([]storage.Lobby, 0, len(c.Sessions.Lobbies))
	for _, l := range c.Sessions.Lobbies {
		out = append(out, storage.Lobby{
			GuildID:     l.GuildID,
			ChannelID:   l.ChannelID,
			NamePattern: l.NamePattern,
			UserLimit:   l.UserLimit,
		})
	}
	return out
}
