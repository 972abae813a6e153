package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the connection settings for the remote gateway.
type GatewayConfig struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:18789/ws.
	URL string `yaml:"url"`

	// Token is the gateway auth token. Prefer token_env over storing the
	// literal value in config.yaml.
	Token string `yaml:"token"`

	// TokenEnv names an environment variable to read the token from.
	TokenEnv string `yaml:"token_env"`

	// ClientID identifies this deck to the gateway during the handshake.
	ClientID string `yaml:"client_id"`
}

// DispatchConfig tunes the task dispatch loop.
type DispatchConfig struct {
	PollSeconds int `yaml:"poll_seconds"`

	// Model optionally pins the model requested on chat.send. Empty lets the
	// gateway choose.
	Model string `yaml:"model"`
}

// ScheduleConfig defines one maintenance schedule entry.
type ScheduleConfig struct {
	Name   string `yaml:"name"`
	Cron   string `yaml:"cron"`
	Action string `yaml:"action"` // reconcile or prune
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default <home>/clawdeck.db location.
	DBPath string `yaml:"db_path"`

	Gateway   GatewayConfig    `yaml:"gateway"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`

	// Retention policy (days). 0 keeps rows forever.
	RetentionEventsDays   int `yaml:"retention_events_days"`
	RetentionSessionsDays int `yaml:"retention_sessions_days"`

	NeedsGenesis bool `yaml:"-"`
}

// GatewayToken resolves the effective gateway token. Environment overrides
// win: CLAWDECK_GATEWAY_TOKEN first, then the variable named by token_env,
// then the literal token field.
func (c Config) GatewayToken() string {
	if v := os.Getenv("CLAWDECK_GATEWAY_TOKEN"); v != "" {
		return v
	}
	if c.Gateway.TokenEnv != "" {
		if v := os.Getenv(c.Gateway.TokenEnv); v != "" {
			return v
		}
	}
	return c.Gateway.Token
}

// EffectiveDBPath returns the configured db path or the default under home.
func (c Config) EffectiveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "clawdeck.db")
}

// Fingerprint returns a stable hash of the active config, safe to log.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "url=%s|client=%s|log=%s|poll=%d|schedules=%d",
		c.Gateway.URL, c.Gateway.ClientID, c.LogLevel, c.Dispatch.PollSeconds, len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			URL:      "ws://127.0.0.1:18789/ws",
			TokenEnv: "CLAWDECK_GATEWAY_TOKEN",
			ClientID: "clawdeck",
		},
		Dispatch: DispatchConfig{
			PollSeconds: 5,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
		RetentionEventsDays:   90,
		RetentionSessionsDays: 30,
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawdeck")
}

// Load reads config.yaml from the clawdeck home, applies environment
// overrides, and validates the raw document against the embedded schema.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawdeck home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := ValidateYAML(data); err != nil {
			return cfg, fmt.Errorf("validate config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.ClientID == "" {
		cfg.Gateway.ClientID = "clawdeck"
	}
	if cfg.Dispatch.PollSeconds <= 0 {
		cfg.Dispatch.PollSeconds = 5
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.SampleRatio <= 0 || cfg.Telemetry.SampleRatio > 1 {
		cfg.Telemetry.SampleRatio = 1.0
	}
	for i := range cfg.Schedules {
		cfg.Schedules[i].Action = strings.ToLower(strings.TrimSpace(cfg.Schedules[i].Action))
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWDECK_GATEWAY_URL"); raw != "" {
		cfg.Gateway.URL = raw
	}
	if raw := os.Getenv("CLAWDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWDECK_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWDECK_DISPATCH_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.PollSeconds = v
		}
	}
}

// WriteDefault writes a starter config.yaml if none exists yet.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	starter := `# clawdeck configuration
log_level: info

gateway:
  url: ws://127.0.0.1:18789/ws
  # Read the auth token from this environment variable. Avoid storing the
  # literal token here.
  token_env: CLAWDECK_GATEWAY_TOKEN
  client_id: clawdeck

dispatch:
  poll_seconds: 5

schedules:
  - name: reconcile
    cron: "* * * * *"
    action: reconcile
  - name: nightly-prune
    cron: "0 3 * * *"
    action: prune

retention_events_days: 90
retention_sessions_days: 30

telemetry:
  enabled: false
  exporter: none
`
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create clawdeck home: %w", err)
	}
	return os.WriteFile(path, []byte(starter), 0o644)
}
