package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid marks configuration that cannot be used to start the gateway.
var ErrConfigInvalid = errors.New("config invalid")

// Driver communication modes.
const (
	ModeSubprocess = "cli"   // one agent process per turn
	ModeStdio      = "stdio" // persistent process, ACP over stdin/stdout
	ModeSocket     = "acp"   // persistent process, ACP over a local websocket
)

// DriverConfig describes how the external agent is launched and spoken to.
type DriverConfig struct {
	Mode                    string   `yaml:"mode"`
	AgentPath               string   `yaml:"agent_path"`
	Model                   string   `yaml:"model"`
	AutoConfirm             bool     `yaml:"auto_confirm"`
	ShowReasoning           bool     `yaml:"show_reasoning"`
	MaxTurns                int      `yaml:"max_turns"`
	TimeoutSeconds          int      `yaml:"timeout_seconds"`
	HandshakeTimeoutSeconds int      `yaml:"handshake_timeout_seconds"`
	GraceSeconds            int      `yaml:"grace_seconds"`
	Workspace               string   `yaml:"workspace"`
	ExtraArgs               []string `yaml:"extra_args"`
	SystemPrompt            string   `yaml:"system_prompt"`
	Host                    string   `yaml:"host"`
	Port                    int      `yaml:"port"`
}

// ChannelConfig is shared by every chat platform adapter.
type ChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// AllowFrom lists sender ids allowed to talk to the agent. Empty allows everyone.
	AllowFrom []string `yaml:"allow_from"`
}

type ChannelsConfig struct {
	Telegram ChannelConfig `yaml:"telegram"`
}

// ByName returns the per-channel settings keyed by channel name.
func (c ChannelsConfig) ByName() map[string]ChannelConfig {
	return map[string]ChannelConfig{
		"telegram": c.Telegram,
	}
}

type GatewayConfig struct {
	WorkerCount              int    `yaml:"worker_count"`
	QueueDepth               int    `yaml:"queue_depth"`
	DrainTimeoutSeconds      int    `yaml:"drain_timeout_seconds"`
	Streaming                bool   `yaml:"streaming"`
	AdminAddr                string `yaml:"admin_addr"`
	AdminToken               string `yaml:"admin_token"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	// RecordMessages keeps a per-chat daily log of every message under
	// <workspace>/channel.
	RecordMessages bool `yaml:"record_messages"`
	// AttachFiles sends workspace files named in a reply along with it.
	AttachFiles bool `yaml:"attach_files"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir   string          `yaml:"-"`
	LogLevel  string          `yaml:"log_level"`
	Driver    DriverConfig    `yaml:"driver"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// AGENTS holds the workspace AGENTS.md, injected as the agent system prompt
	// when no explicit system_prompt is configured.
	AGENTS string `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath is the sqlite file holding sessions and cron jobs.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "gorelay.db")
}

// Fingerprint returns a stable hash of the settings that require a restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "mode=%s|agent=%s|model=%s|workers=%d|queue=%d|timeout=%d|host=%s|port=%d|log=%s",
		c.Driver.Mode, c.Driver.AgentPath, c.Driver.Model, c.Gateway.WorkerCount,
		c.Gateway.QueueDepth, c.Driver.TimeoutSeconds, c.Driver.Host, c.Driver.Port, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Driver: DriverConfig{
			Mode:                    ModeStdio,
			AgentPath:               "iflow",
			Model:                   "minimax-m2.5",
			AutoConfirm:             true,
			MaxTurns:                40,
			TimeoutSeconds:          300,
			HandshakeTimeoutSeconds: 30,
			GraceSeconds:            30,
			Host:                    "localhost",
			Port:                    8090,
		},
		Gateway: GatewayConfig{
			WorkerCount:              4,
			QueueDepth:               64,
			DrainTimeoutSeconds:      10,
			Streaming:                true,
			AdminAddr:                "127.0.0.1:18790",
			HeartbeatIntervalMinutes: 30,
			RecordMessages:           true,
			AttachFiles:              true,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "gorelay",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GORELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gorelay")
}

// Load reads config.yaml from the gateway home, applies environment overrides
// and defaults, and validates the result. A missing config.yaml is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gorelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse config.yaml: %v", ErrConfigInvalid, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	loadTextFiles(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	d := &cfg.Driver
	d.Mode = strings.ToLower(strings.TrimSpace(d.Mode))
	if d.Mode == "" {
		d.Mode = ModeStdio
	}
	if strings.TrimSpace(d.AgentPath) == "" {
		d.AgentPath = "iflow"
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 300
	}
	if d.HandshakeTimeoutSeconds <= 0 {
		d.HandshakeTimeoutSeconds = 30
	}
	if d.GraceSeconds <= 0 {
		d.GraceSeconds = 30
	}
	if d.MaxTurns < 0 {
		d.MaxTurns = 0
	}
	if d.Host == "" {
		d.Host = "localhost"
	}
	d.Workspace = expandHome(d.Workspace)
	if d.Workspace == "" {
		d.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}

	g := &cfg.Gateway
	if g.WorkerCount <= 0 {
		g.WorkerCount = 4
	}
	if g.QueueDepth <= 0 {
		g.QueueDepth = 64
	}
	if g.DrainTimeoutSeconds <= 0 {
		g.DrainTimeoutSeconds = 10
	}
	if g.HeartbeatIntervalMinutes < 0 {
		g.HeartbeatIntervalMinutes = 0
	}

	// Sender ids may be written as "id|username"; keep entries trimmed.
	tg := &cfg.Channels.Telegram
	tg.AllowFrom = trimAll(tg.AllowFrom)
}

func validate(cfg Config) error {
	switch cfg.Driver.Mode {
	case ModeSubprocess, ModeStdio, ModeSocket:
	default:
		return fmt.Errorf("%w: driver.mode %q (want cli, stdio or acp)", ErrConfigInvalid, cfg.Driver.Mode)
	}
	if cfg.Driver.Mode == ModeSocket && (cfg.Driver.Port <= 0 || cfg.Driver.Port > 65535) {
		return fmt.Errorf("%w: driver.port %d out of range", ErrConfigInvalid, cfg.Driver.Port)
	}
	for name, ch := range cfg.Channels.ByName() {
		if ch.Enabled && strings.TrimSpace(ch.Token) == "" {
			return fmt.Errorf("%w: channels.%s enabled without token", ErrConfigInvalid, name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GORELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GORELAY_DRIVER_MODE"); raw != "" {
		cfg.Driver.Mode = raw
	}
	if raw := os.Getenv("GORELAY_AGENT_PATH"); raw != "" {
		cfg.Driver.AgentPath = raw
	}
	if raw := os.Getenv("GORELAY_MODEL"); raw != "" {
		cfg.Driver.Model = raw
	}
	if raw := os.Getenv("GORELAY_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.WorkerCount = v
		}
	}
	if raw := os.Getenv("GORELAY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Driver.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GORELAY_ADMIN_TOKEN"); raw != "" {
		cfg.Gateway.AdminToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	if b, err := os.ReadFile(filepath.Join(cfg.Driver.Workspace, "AGENTS.md")); err == nil {
		cfg.AGENTS = string(b)
	}
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
