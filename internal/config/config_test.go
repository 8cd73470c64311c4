package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is an in-memory Keychain.
type mockKeychain struct {
	items map[string]string
	err   error
}

func newMockKeychain() *mockKeychain {
	return &mockKeychain{items: make(map[string]string)}
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.items[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.err != nil {
		return m.err
	}
	m.items[service+"/"+account] = value
	return nil
}

func (m *mockKeychain) Delete(service, account string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.items, service+"/"+account)
	return nil
}

// newTestBackend returns a file backend rooted in a temp dir, optionally
// seeded with JSON content.
func newTestBackend(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newTestBackend(t, ""), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.App.Timezone != "Asia/Hong_Kong" {
		t.Errorf("App.Timezone = %q", cfg.App.Timezone)
	}
	if cfg.Invite.MaxRetries != 3 || cfg.History.Days != 30 {
		t.Errorf("Invite.MaxRetries = %d, History.Days = %d", cfg.Invite.MaxRetries, cfg.History.Days)
	}
	if cfg.RemoteEnabled() {
		t.Error("remote should be disabled by default")
	}
	if d, _ := cfg.RemoteTimeout(); d != 15*time.Second {
		t.Errorf("RemoteTimeout = %v, want 15s", d)
	}
	if cfg.InviteTTL() != 0 {
		t.Errorf("InviteTTL = %v, want 0", cfg.InviteTTL())
	}
}

// TestFileBackend verifies that values are read from the JSON file.
func TestFileBackend(t *testing.T) {
	clearEnv(t)
	b := newTestBackend(t, `{
  "server.port": 5000,
  "storage.data_dir": "/tmp/dinner-test",
  "remote.url": "https://example.supabase.co",
  "invite.ttl_hours": "72",
  "app.url": "https://晚餐.香港"
}`)

	kc := newMockKeychain()
	kc.items["dinner/remote_anon_key"] = "keychain-anon"

	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/dinner-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Remote.AnonKey != "keychain-anon" {
		t.Errorf("Remote.AnonKey = %q, want keychain value", cfg.Remote.AnonKey)
	}
	if cfg.InviteTTL() != 72*time.Hour {
		t.Errorf("InviteTTL = %v, want 72h", cfg.InviteTTL())
	}
	if cfg.App.URL != "https://晚餐.香港" {
		t.Errorf("App.URL = %q", cfg.App.URL)
	}
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newTestBackend(t, `{"server.port": 5000, "log.level": "info"}`)

	t.Setenv("DINNER_SERVER_PORT", "6000")
	t.Setenv("DINNER_LOG_LEVEL", "debug")
	t.Setenv("DINNER_REMOTE_URL", "https://example.supabase.co")
	t.Setenv("DINNER_REMOTE_ANON_KEY", "env-anon")

	cfg, err := loadWith(b, newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Remote.AnonKey != "env-anon" {
		t.Errorf("Remote.AnonKey = %q, want env-anon", cfg.Remote.AnonKey)
	}
}

// TestBadEnvIntKeepsDefault verifies an unparsable integer override is ignored.
func TestBadEnvIntKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("DINNER_HISTORY_DAYS", "many")

	cfg, err := loadWith(newTestBackend(t, ""), newMockKeychain())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.History.Days != 30 {
		t.Errorf("History.Days = %d, want default 30", cfg.History.Days)
	}
}

// TestMissingAnonKey verifies a clear error when a remote is configured without its key.
func TestMissingAnonKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("DINNER_REMOTE_URL", "https://example.supabase.co")

	_, err := loadWith(newTestBackend(t, ""), newMockKeychain())
	if err == nil {
		t.Fatal("expected error for missing anon key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		env, value, want string
	}{
		{"DINNER_REMOTE_TIMEOUT", "soon", "remote.timeout"},
		{"DINNER_REMINDER_POLL_INTERVAL", "-1s", "reminder.poll_interval"},
		{"DINNER_APP_TIMEZONE", "Mars/Olympus", "app.timezone"},
		{"DINNER_LOG_LEVEL", "loud", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)
			_, err := loadWith(newTestBackend(t, ""), newMockKeychain())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := newTestBackend(t, "")
	kc := newMockKeychain()

	if err := setKey(b, kc, "history.days", "14"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if v, ok, _ := b.GetInt("history.days"); !ok || v != 14 {
		t.Errorf("history.days = %d (ok=%v), want 14", v, ok)
	}

	if err := setKey(b, kc, "history.days", "two weeks"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, kc, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	if err := setKey(b, kc, "remote.anon_key", "secret-anon"); err != nil {
		t.Fatalf("setKey secret: %v", err)
	}
	if kc.items["dinner/remote_anon_key"] != "secret-anon" {
		t.Errorf("secret not stored in keychain: %v", kc.items)
	}
	if _, ok, _ := b.GetString("remote.anon_key"); ok {
		t.Error("secret must not be written to the config file")
	}

	// The file survives a reload.
	reloaded := &fileBackend{path: b.path, data: make(map[string]any)}
	reloaded.load()
	if v, ok, _ := reloaded.GetInt("history.days"); !ok || v != 14 {
		t.Errorf("reloaded history.days = %d (ok=%v)", v, ok)
	}
}

func TestSetKey_Durations(t *testing.T) {
	b := newTestBackend(t, "")
	kc := newMockKeychain()

	if err := setKey(b, kc, "reminder.poll_interval", "2s"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if v, ok, _ := b.GetString("reminder.poll_interval"); !ok || v != "2s" {
		t.Errorf("reminder.poll_interval = %q (ok=%v), want 2s", v, ok)
	}
	for _, bad := range []string{"soon", "0s", "-5s"} {
		err := setKey(b, kc, "remote.timeout", bad)
		if err == nil || !strings.Contains(err.Error(), "remote.timeout") {
			t.Errorf("setKey(remote.timeout, %q) err = %v, want it rejected", bad, err)
		}
	}
	if _, ok, _ := b.GetString("remote.timeout"); ok {
		t.Error("rejected duration must not be written")
	}
}

func TestLoad_BadDurationInFile(t *testing.T) {
	clearEnv(t)
	b := newTestBackend(t, `{"remote.timeout":"forever"}`)
	_, err := loadWith(b, newMockKeychain())
	if err == nil || !strings.Contains(err.Error(), "remote.timeout") {
		t.Errorf("err = %v, want mention of remote.timeout", err)
	}
}

func TestSetKey_EmptyAnonKeyGoesLocal(t *testing.T) {
	clearEnv(t)
	b := newTestBackend(t, "")
	kc := newMockKeychain()

	if err := setKey(b, kc, "remote.url", "https://example.supabase.co"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, kc, "remote.anon_key", "anon"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	cfg, err := loadWith(b, kc)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if !cfg.RemoteEnabled() || cfg.Remote.AnonKey != "anon" {
		t.Errorf("remote = %+v, want configured", cfg.Remote)
	}

	if err := setKey(b, kc, "remote.anon_key", ""); err != nil {
		t.Fatalf("clearing anon key: %v", err)
	}
	if _, ok := kc.items["dinner/remote_anon_key"]; ok {
		t.Error("anon key should be deleted")
	}
	if err := setKey(b, kc, "remote.url", ""); err != nil {
		t.Fatalf("clearing remote.url: %v", err)
	}
	cfg, err = loadWith(b, kc)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.RemoteEnabled() {
		t.Errorf("remote = %+v, want local only", cfg.Remote)
	}
}

func TestShowAll_OmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Remote.AnonKey = "do-not-print"
	for _, k := range ShowAll(cfg) {
		if k.Key == "remote.anon_key" || k.Value == "do-not-print" {
			t.Errorf("secret shown: %+v", k)
		}
	}
	found := false
	for _, k := range ValidKeys() {
		if k == "remote.anon_key" {
			found = true
		}
	}
	if !found {
		t.Error("remote.anon_key should be settable")
	}
}

func TestGetAPIToken_GeneratesOnce(t *testing.T) {
	kc := newMockKeychain()

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first != second {
		t.Error("token should be stable across calls")
	}
}

func TestGetAPIToken_StoreFailure(t *testing.T) {
	kc := newMockKeychain()
	kc.err = errors.New("locked")
	if _, err := GetAPIToken(kc); err == nil {
		t.Error("expected error when the token cannot be stored")
	}
}
