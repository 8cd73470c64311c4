package config

import (
	"fmt"
	"strings"
	"time"

	// app.timezone must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// Service is the secret store service name for this app.
const Service = "dinner"

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Remote   RemoteConfig
	App      AppConfig
	Invite   InviteConfig
	History  HistoryConfig
	Reminder ReminderConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// RemoteConfig points at the hosted backend. An empty URL runs locally only.
type RemoteConfig struct {
	URL     string
	AnonKey string
	Timeout string
}

type AppConfig struct {
	URL      string
	Timezone string
}

type InviteConfig struct {
	MaxRetries int
	TTLHours   int
}

type HistoryConfig struct {
	Days int
}

type ReminderConfig struct {
	PollInterval string
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100},
		Log:      LogConfig{Level: "info"},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Remote:   RemoteConfig{Timeout: "15s"},
		App:      AppConfig{URL: "http://localhost:3000", Timezone: "Asia/Hong_Kong"},
		Invite:   InviteConfig{MaxRetries: 3},
		History:  HistoryConfig{Days: 30},
		Reminder: ReminderConfig{PollInterval: "5s"},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: hk.dinner.app) and secrets
// live in the login Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/dinner/config.json
// and secrets live in $XDG_DATA_HOME/dinner/secrets.json.
//
// Environment variables (DINNER_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.AnonKey == "" {
		if key, err := kc.Get(Service, anonKeyAccount); err == nil && key != "" {
			cfg.Remote.AnonKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Remote.URL != "" && c.Remote.AnonKey == "" {
		return fmt.Errorf("missing required config: remote anon key for %s. "+
			"Set it via environment variable DINNER_REMOTE_ANON_KEY%s", c.Remote.URL, anonKeyHint())
	}
	if _, err := c.RemoteTimeout(); err != nil {
		return err
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	return nil
}

// RemoteEnabled reports whether a remote backend is configured.
func (c Config) RemoteEnabled() bool {
	return c.Remote.URL != ""
}

func (c Config) RemoteTimeout() (time.Duration, error) {
	return parseDuration("remote.timeout", c.Remote.Timeout)
}

func (c Config) PollInterval() (time.Duration, error) {
	return parseDuration("reminder.poll_interval", c.Reminder.PollInterval)
}

// Location resolves app.timezone; "today" is computed in it.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid app.timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// InviteTTL is how long new invite codes stay valid; zero means forever.
func (c Config) InviteTTL() time.Duration {
	if c.Invite.TTLHours <= 0 {
		return 0
	}
	return time.Duration(c.Invite.TTLHours) * time.Hour
}
