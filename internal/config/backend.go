package config

import (
	"fmt"
	"time"
)

// ConfigBackend is where non-secret dinner settings persist between runs:
// UserDefaults (domain hk.dinner.app) on macOS, a JSON file elsewhere.
// Secrets such as remote.anon_key never reach it; they go to the Keychain.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// getDuration reads a duration key such as remote.timeout. Durations are
// stored as Go duration strings ("15s", "500ms").
func getDuration(b ConfigBackend, key string) (string, bool, error) {
	v, ok, err := b.GetString(key)
	if err != nil || !ok {
		return "", ok, err
	}
	if _, err := parseDuration(key, v); err != nil {
		return "", true, err
	}
	return v, true, nil
}

// setDuration validates v before it is written, so a typo in
// `dinner config set reminder.poll_interval` fails at once rather than on
// the next server start.
func setDuration(b ConfigBackend, key, v string) error {
	if _, err := parseDuration(key, v); err != nil {
		return err
	}
	return b.SetString(key, v)
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
