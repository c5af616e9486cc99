package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1000, cfg.Relay.DedupWindow)
	assert.Equal(t, "/", cfg.Relay.CommandPrefix)
	assert.Equal(t, 100, cfg.Relay.QueueSize)
	assert.Equal(t, 2, cfg.Connection.BackoffBaseSecs)
	assert.Equal(t, 300, cfg.Connection.BackoffMaxSecs)
	assert.Equal(t, 10, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, "0 9 * * *", cfg.Digest.Schedule)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Relay.DedupWindow)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"account": {"username": "alice", "password": "secret"},
		"telegram": {"token": "tok", "chat_id": -100123},
		"relay": {"dedup_window": 50, "command_prefix": "!"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Account.Username)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	assert.Equal(t, 50, cfg.Relay.DedupWindow)
	assert.Equal(t, "!", cfg.Relay.CommandPrefix)
	// untouched sections keep their defaults
	assert.Equal(t, 300, cfg.Connection.BackoffMaxSecs)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"account": {"username": "alice"}}`), 0o600))

	t.Setenv("DMRELAY_ACCOUNT_USERNAME", "bob")
	t.Setenv("DMRELAY_TELEGRAM_CHAT_ID", "-42")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Account.Username)
	assert.Equal(t, int64(-42), cfg.Telegram.ChatID)
}

func TestSaveConfigRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Account.Username = "carol"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", loaded.Account.Username)
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Account.Username = "alice"
	valid.Account.APIBase = "https://api.example.com"
	valid.Account.StreamURL = "wss://stream.example.com"
	valid.Telegram.Token = "tok"
	valid.Telegram.ChatID = -100123
	require.NoError(t, valid.Validate())

	missingUser := *valid
	missingUser.Account.Username = ""
	assert.Error(t, missingUser.Validate())

	badWindow := *valid
	badWindow.Relay.DedupWindow = 0
	assert.Error(t, badWindow.Validate())

	badCron := *valid
	badCron.Digest.Enabled = true
	badCron.Digest.Schedule = "not a cron"
	assert.Error(t, badCron.Validate())

	goodCron := *valid
	goodCron.Digest.Enabled = true
	goodCron.Digest.Schedule = "*/5 * * * *"
	assert.NoError(t, goodCron.Validate())
}

func TestStatePathExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "~/.dmrelay"

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".dmrelay", "relay.db"), cfg.StatePath("relay.db"))
}
