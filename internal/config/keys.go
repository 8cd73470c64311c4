package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DINNER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "DINNER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DINNER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.url", typ: kString, env: "DINNER_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.URL },
	},
	{
		key: "remote.anon_key", typ: kString, env: "DINNER_REMOTE_ANON_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.AnonKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.AnonKey },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "DINNER_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "app.url", typ: kString, env: "DINNER_APP_URL",
		apply:   func(cfg *Config, v any) { cfg.App.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.App.URL },
	},
	{
		key: "app.timezone", typ: kString, env: "DINNER_APP_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.App.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.App.Timezone },
	},
	{
		key: "invite.max_retries", typ: kInt, env: "DINNER_INVITE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Invite.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Invite.MaxRetries },
	},
	{
		key: "invite.ttl_hours", typ: kInt, env: "DINNER_INVITE_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Invite.TTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Invite.TTLHours },
	},
	{
		key: "history.days", typ: kInt, env: "DINNER_HISTORY_DAYS",
		apply:   func(cfg *Config, v any) { cfg.History.Days = v.(int) },
		extract: func(cfg Config) any { return cfg.History.Days },
	},
	{
		key: "reminder.poll_interval", typ: kDuration, env: "DINNER_REMINDER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reminder.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.PollInterval },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := getDuration(b, s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString, kDuration:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
