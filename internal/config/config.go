// Package config loads and validates sentineld's on-disk configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds the reasoning client's outbound LLM endpoint settings.
type LLMConfig struct {
	APIURL             string  `yaml:"api_url"`
	Model              string  `yaml:"model"`
	APIKey             string  `yaml:"api_key"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	DailyBudgetUSD     float64 `yaml:"daily_budget_usd"`
	MaxCallsPerHour    int     `yaml:"max_calls_per_hour"`
	MaxConcurrentCalls int     `yaml:"max_concurrent_calls"`
}

// Config is sentineld's full configuration surface.
type Config struct {
	StateDir                 string    `yaml:"state_dir"`
	LogFiles                 []string  `yaml:"log_files"`
	NetworkTag               string    `yaml:"network_tag"`
	BatchIntervalSeconds     int       `yaml:"batch_interval_seconds"`
	Sensitivity              int       `yaml:"sensitivity"`
	InternalSubnet           string    `yaml:"internal_subnet"`
	IgnoredPorts             []string  `yaml:"ignored_ports"`
	IgnoredIPs               []string  `yaml:"ignored_ips"`
	ManualTrustedPorts       []int     `yaml:"manual_trusted_ports"`
	LLM                      LLMConfig `yaml:"llm"`
	PTYSocket                string    `yaml:"pty_socket"`
	PTYSessionTimeoutSeconds int       `yaml:"pty_session_timeout_seconds"`
	RetentionDays            int       `yaml:"retention_days"`
	DashboardAPIKey          string    `yaml:"dashboard_api_key"`
}

// DefaultIgnoredPorts is the base noise-gate port set, carried from the
// reference implementation's IGNORED_PORTS_DEFAULT plus its discovery-noise
// additions (mDNS, LLMNR, SSDP, NetBIOS, DHCP, Plex, Dropbox LAN sync).
var DefaultIgnoredPorts = []string{
	"80", "443", "22", "53", "3389", "5432", "6379",
	"5353", "5355", "1900", "137", "138", "67", "68",
	"32410", "32412", "32414", "17500",
}

// DefaultIgnoredIPs matches the reference implementation's IGNORED_IPS.
var DefaultIgnoredIPs = []string{"127.0.0.1", "0.0.0.0"}

// DefaultManualTrustedPorts matches the reference implementation's
// MANUAL_TRUSTED_PORTS.
var DefaultManualTrustedPorts = []int{22, 80, 443, 1234, 3389, 8080, 9000, 24800, 1716, 27036, 27060}

// DefaultNoisePatterns is the fixed noise-gate substring list.
var DefaultNoisePatterns = []string{
	"apparmor=",
	"audit:",
	"IN=lo",
	"DST=224.0.0.251",
	"DST=255.255.255.255",
	"systemd-logind",
	"CRON",
}

// DefaultConfig returns a Config populated with the reference defaults.
func DefaultConfig() Config {
	return Config{
		StateDir:             "/var/lib/agentic-c-eda",
		LogFiles:             []string{"/var/log/syslog", "/var/log/auth.log"},
		NetworkTag:           "[Agent]",
		BatchIntervalSeconds: 5,
		Sensitivity:          5,
		InternalSubnet:       "10.0.0.",
		IgnoredPorts:         append([]string{}, DefaultIgnoredPorts...),
		IgnoredIPs:           append([]string{}, DefaultIgnoredIPs...),
		ManualTrustedPorts:   append([]int{}, DefaultManualTrustedPorts...),
		LLM: LLMConfig{
			APIURL:             "http://localhost:1234/v1/chat/completions",
			Model:              "qwen/qwen3-4b-2507",
			TimeoutSeconds:     10,
			DailyBudgetUSD:     10.00,
			MaxCallsPerHour:    60,
			MaxConcurrentCalls: 3,
		},
		PTYSocket:                "/run/agentic-c-eda/pty.sock",
		PTYSessionTimeoutSeconds: 300,
		RetentionDays:            7,
	}
}

// LoadConfig reads path as YAML over the defaults, applies environment
// overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.BatchIntervalSeconds < 1 {
		cfg.BatchIntervalSeconds = 1
	}
	if cfg.BatchIntervalSeconds > 3600 {
		cfg.BatchIntervalSeconds = 3600
	}
	if cfg.PTYSessionTimeoutSeconds <= 0 {
		cfg.PTYSessionTimeoutSeconds = 300
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state_dir must not be empty")
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_DB_PATH"); v != "" {
		cfg.StateDir = filepath.Dir(v)
	}
	if v := os.Getenv("AGENT_PTY_SOCKET"); v != "" {
		cfg.PTYSocket = v
	}
	if v := os.Getenv("SENTINEL_API_KEY"); v != "" {
		cfg.DashboardAPIKey = v
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = v
		}
	}
	if v := os.Getenv("SENTINEL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		_ = v // reserved for future structured-logging level switch
	}
}

// DBPath returns the path to the event store file, honoring AGENT_DB_PATH
// verbatim when set, falling back to StateDir/agentic-c-eda.db.
func (c *Config) DBPath() string {
	if v := os.Getenv("AGENT_DB_PATH"); v != "" {
		return v
	}
	return filepath.Join(c.StateDir, "agentic-c-eda.db")
}

// SigningKeyPath returns the path to the flag-signing Ed25519 key.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(c.StateDir, "keys", "flag_signing.key")
}

// ParseBoolEnv parses a boolean environment variable, tolerating case
// variation and falling back to defaultVal when unset or unparseable.
func ParseBoolEnv(v string, defaultVal bool) bool {
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return defaultVal
	}
	return b
}
