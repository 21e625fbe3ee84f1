package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr          = "0.0.0.0:5140"
	DefaultBot               = "dummy"
	DefaultMaxMessageBytes   = 1 << 20
	DefaultRetentionDays     = 30
	DefaultRetentionSchedule = "17 3 * * *"
)

// JournalConfig controls the SQLite journal of connections and sessions.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <home>/turfbot.db.
	Path string `yaml:"path"`
	// RetentionDays drops journal rows older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
	// RetentionSchedule is a standard 5-field cron expression.
	RetentionSchedule string `yaml:"retention_schedule"`
}

// TelemetryConfig mirrors otel.Config so this package stays free of the
// OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// Bot names the catalog entry served on every connection.
	Bot string `yaml:"bot"`

	// AllowOrigins lists Origin patterns accepted for browser websocket
	// connections. Empty accepts same-host origins only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxMessageBytes caps one inbound websocket message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// envOverrides is decoded with envdecode. Booleans stay strings so an unset
// variable can be told apart from "false".
type envOverrides struct {
	BindAddr       string `env:"TURFBOT_BIND_ADDR"`
	LogLevel       string `env:"TURFBOT_LOG_LEVEL"`
	Bot            string `env:"TURFBOT_BOT"`
	JournalEnabled string `env:"TURFBOT_JOURNAL_ENABLED"`
	OTelEnabled    string `env:"TURFBOT_OTEL_ENABLED"`
	OTelExporter   string `env:"TURFBOT_OTEL_EXPORTER"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape the listener.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|bot=%s|origins=%v|max=%d|journal=%t:%d|otel=%t:%s",
		c.BindAddr, c.LogLevel, c.Bot, c.AllowOrigins, c.MaxMessageBytes,
		c.Journal.Enabled, c.Journal.RetentionDays, c.Telemetry.Enabled, c.Telemetry.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// JournalPath resolves the journal database location.
func (c Config) JournalPath() string {
	if c.Journal.Path == "" {
		return filepath.Join(c.HomeDir, "turfbot.db")
	}
	if filepath.IsAbs(c.Journal.Path) {
		return c.Journal.Path
	}
	return filepath.Join(c.HomeDir, c.Journal.Path)
}

// SetPort replaces the port of BindAddr, keeping its host.
func (c *Config) SetPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return fmt.Errorf("bind_addr %q: %w", c.BindAddr, err)
	}
	c.BindAddr = net.JoinHostPort(host, strconv.Itoa(port))
	return nil
}

func defaultConfig() Config {
	return Config{
		BindAddr:        DefaultBindAddr,
		LogLevel:        "info",
		Bot:             DefaultBot,
		MaxMessageBytes: DefaultMaxMessageBytes,
		Journal: JournalConfig{
			Enabled:           true,
			RetentionDays:     DefaultRetentionDays,
			RetentionSchedule: DefaultRetentionSchedule,
		},
		Telemetry: TelemetryConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// HomeDir returns $TURFBOT_HOME, or ~/.turfbot.
func HomeDir() string {
	if override := os.Getenv("TURFBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turfbot")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml (a missing file means defaults),
// applies TURFBOT_* environment overrides and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turfbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}
	if env.BindAddr != "" {
		cfg.BindAddr = env.BindAddr
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.Bot != "" {
		cfg.Bot = env.Bot
	}
	if env.OTelExporter != "" {
		cfg.Telemetry.Exporter = env.OTelExporter
	}
	for _, b := range []struct {
		name, raw string
		dst       *bool
	}{
		{"TURFBOT_JOURNAL_ENABLED", env.JournalEnabled, &cfg.Journal.Enabled},
		{"TURFBOT_OTEL_ENABLED", env.OTelEnabled, &cfg.Telemetry.Enabled},
	} {
		if b.raw == "" {
			continue
		}
		v, err := strconv.ParseBool(b.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		*b.dst = v
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Bot) == "" {
		cfg.Bot = DefaultBot
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Journal.RetentionDays < 0 {
		cfg.Journal.RetentionDays = 0
	}
	if strings.TrimSpace(cfg.Journal.RetentionSchedule) == "" {
		cfg.Journal.RetentionSchedule = DefaultRetentionSchedule
	}
}

func validate(cfg Config) error {
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return fmt.Errorf("bind_addr %q: %w", cfg.BindAddr, err)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	if _, err := cron.ParseStandard(cfg.Journal.RetentionSchedule); err != nil {
		return fmt.Errorf("journal.retention_schedule %q: %w", cfg.Journal.RetentionSchedule, err)
	}
	return nil
}
