package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Account    AccountConfig    `json:"account"`
	Telegram   TelegramConfig   `json:"telegram"`
	Relay      RelayConfig      `json:"relay"`
	Connection ConnectionConfig `json:"connection"`
	Digest     DigestConfig     `json:"digest"`
	StateDir   string           `env:"DMRELAY_STATE_DIR" json:"state_dir"`
}

// AccountConfig holds the source-network identity and login material.
type AccountConfig struct {
	Username        string `env:"DMRELAY_ACCOUNT_USERNAME"          json:"username"`
	Password        string `env:"DMRELAY_ACCOUNT_PASSWORD"          json:"password"`
	ForceFreshLogin bool   `env:"DMRELAY_ACCOUNT_FORCE_FRESH_LOGIN" json:"force_fresh_login"`
	// TwoFactorCode is a static verification code; TwoFactorSecret is a
	// shared TOTP secret. When both are set the static code wins.
	TwoFactorCode   string `env:"DMRELAY_ACCOUNT_TWO_FACTOR_CODE"   json:"two_factor_code,omitempty"`
	TwoFactorSecret string `env:"DMRELAY_ACCOUNT_TWO_FACTOR_SECRET" json:"two_factor_secret,omitempty"`
	APIBase         string `env:"DMRELAY_ACCOUNT_API_BASE"          json:"api_base"`
	StreamURL       string `env:"DMRELAY_ACCOUNT_STREAM_URL"        json:"stream_url"`
	Proxy           string `env:"DMRELAY_ACCOUNT_PROXY"             json:"proxy,omitempty"`
}

type TelegramConfig struct {
	Token          string   `env:"DMRELAY_TELEGRAM_TOKEN"            json:"token"`
	ChatID         int64    `env:"DMRELAY_TELEGRAM_CHAT_ID"          json:"chat_id"`
	ControlTopicID int      `env:"DMRELAY_TELEGRAM_CONTROL_TOPIC_ID" json:"control_topic_id,omitempty"`
	AllowFrom      []string `env:"DMRELAY_TELEGRAM_ALLOW_FROM"       json:"allow_from,omitempty"`
}

type RelayConfig struct {
	DedupWindow   int    `env:"DMRELAY_RELAY_DEDUP_WINDOW"   json:"dedup_window"`
	CommandPrefix string `env:"DMRELAY_RELAY_COMMAND_PREFIX" json:"command_prefix"`
	QueueSize     int    `env:"DMRELAY_RELAY_QUEUE_SIZE"     json:"queue_size"`
}

// ConnectionConfig tunes the realtime reconnect loop and the presence
// simulation. Durations are in seconds unless noted.
type ConnectionConfig struct {
	BackoffBaseSecs      int `env:"DMRELAY_CONNECTION_BACKOFF_BASE_SECS" json:"backoff_base_secs"`
	BackoffMaxSecs       int `env:"DMRELAY_CONNECTION_BACKOFF_MAX_SECS"  json:"backoff_max_secs"`
	MaxReconnectAttempts int `env:"DMRELAY_CONNECTION_MAX_RECONNECTS"    json:"max_reconnect_attempts"`
	HeartbeatMins        int `env:"DMRELAY_CONNECTION_HEARTBEAT_MINS"    json:"heartbeat_mins"`
	ForegroundMinMins    int `json:"foreground_min_mins"`
	ForegroundMaxMins    int `json:"foreground_max_mins"`
	BackgroundMinMins    int `json:"background_min_mins"`
	BackgroundMaxMins    int `json:"background_max_mins"`
	LoginCooldownSecs    int `env:"DMRELAY_CONNECTION_LOGIN_COOLDOWN_SECS" json:"login_cooldown_secs"`
}

type DigestConfig struct {
	Enabled  bool   `env:"DMRELAY_DIGEST_ENABLED"  json:"enabled"`
	Schedule string `env:"DMRELAY_DIGEST_SCHEDULE" json:"schedule,omitempty"`
	TopUsers int    `env:"DMRELAY_DIGEST_TOP_USERS" json:"top_users"`
}

func DefaultConfig() *Config {
	return &Config{
		StateDir: "~/.dmrelay",
		Relay: RelayConfig{
			DedupWindow:   1000,
			CommandPrefix: "/",
			QueueSize:     100,
		},
		Connection: ConnectionConfig{
			BackoffBaseSecs:      2,
			BackoffMaxSecs:       300,
			MaxReconnectAttempts: 10,
			HeartbeatMins:        5,
			ForegroundMinMins:    2,
			ForegroundMaxMins:    4,
			BackgroundMinMins:    12,
			BackgroundMaxMins:    25,
			LoginCooldownSecs:    5,
		},
		Digest: DigestConfig{
			Schedule: "0 9 * * *",
			TopUsers: 5,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields the relay cannot start without. Called by the
// run command, not by LoadConfig, so `dmrelay init` can write a template
// with blanks.
func (c *Config) Validate() error {
	if c.Account.Username == "" {
		return errors.New("account.username is required")
	}
	if c.Account.APIBase == "" {
		return errors.New("account.api_base is required")
	}
	if c.Account.StreamURL == "" {
		return errors.New("account.stream_url is required")
	}
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is required")
	}
	if c.Relay.DedupWindow <= 0 {
		return fmt.Errorf("relay.dedup_window must be positive, got %d", c.Relay.DedupWindow)
	}
	// An empty schedule disables the digest even when enabled.
	if c.Digest.Enabled && c.Digest.Schedule != "" {
		if !gronx.New().IsValid(c.Digest.Schedule) {
			return fmt.Errorf("digest.schedule %q is not a valid cron expression", c.Digest.Schedule)
		}
	}
	return nil
}

// StatePath resolves a file name inside the (home-expanded) state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(expandHome(c.StateDir), name)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
