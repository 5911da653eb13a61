// Package config handles maxd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from --config) is checked first, then ./maxd.yaml,
// ~/.maxd/config.yaml and /etc/maxd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"maxd.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".maxd", "config.yaml"))
	}
	paths = append(paths, "/etc/maxd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist; otherwise the search paths are tried in order.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all maxd configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Context   ContextConfig   `yaml:"context"`
	Store     StoreConfig     `yaml:"store"`
	Memory    MemoryConfig    `yaml:"memory"`
	Workspace string          `yaml:"workspace"`
	DataDir   string          `yaml:"data_dir"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Email     EmailConfig     `yaml:"email"`
	Skills    SkillsConfig    `yaml:"skills"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// AgentConfig selects the model provider and bounds the loop.
type AgentConfig struct {
	Provider string `yaml:"provider"` // "openai" or any OpenAI-compatible endpoint
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	APIBase  string `yaml:"api_base"`
	// MaxSteps caps model calls per turn (default 15).
	MaxSteps int `yaml:"max_steps"`
	// MaxSessions caps resident sessions before LRU eviction.
	MaxSessions int `yaml:"max_sessions"`
}

// ApprovalConfig governs the confirmation gate.
type ApprovalConfig struct {
	// Mode is "strict" (everything confirmed) or "permissive"
	// (reversible actions auto-approved).
	Mode string `yaml:"mode"`
	// TimeoutSeconds is how long a pending approval waits before it
	// expires (default 300).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the approval timeout as a duration.
func (a ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ContextConfig sizes the context window.
type ContextConfig struct {
	Budget int `yaml:"budget"`
	// SummaryReserve is the weight held back for compaction summaries
	// (default budget/8).
	SummaryReserve int `yaml:"summary_reserve"`
	// InteractiveOverhead is the headroom pinning must preserve
	// (default budget/10).
	InteractiveOverhead int `yaml:"interactive_overhead"`
}

// StoreConfig selects the session/audit database.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// MemoryConfig locates the long-term memory database.
type MemoryConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig tunes per-session run queuing.
type SchedulerConfig struct {
	QueueMode    string `yaml:"queue_mode"`  // "queue", "followup", "interrupt"
	DropPolicy   string `yaml:"drop_policy"` // "old" or "new"
	RateLimitRPM int    `yaml:"rate_limit_rpm"`
	MainWorkers  int    `yaml:"main_workers"`
	// DebounceMs is the quiet window used to merge rapid consecutive
	// messages from the same sender into one turn. 0 disables merging.
	DebounceMs int `yaml:"debounce_ms"`
}

// ChannelsConfig enables transports.
type ChannelsConfig struct {
	CLI      bool           `yaml:"cli"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// TelegramConfig holds the Telegram transport settings.
type TelegramConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Token             string  `yaml:"token"`
	AllowedUserIDs    []int64 `yaml:"allowed_user_ids"`
	GroupHistoryLimit int     `yaml:"group_history_limit"`
}

// DiscordConfig holds the Discord transport settings.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// ChannelID locks the bot to one channel. Empty answers everywhere
	// the bot can read.
	ChannelID      string   `yaml:"channel_id"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

// EmailConfig holds outbound SMTP settings. Host empty disables the
// email_send capability.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// SkillsConfig locates SKILL.md pack directories.
type SkillsConfig struct {
	GlobalDir  string `yaml:"global_dir"`
	BuiltinDir string `yaml:"builtin_dir"`
	// Watch enables hot reload of pack directories.
	Watch bool `yaml:"watch"`
}

// HeartbeatConfig drives unprompted agent wakeups.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cron is a standard 5-field cron expression.
	Cron string `yaml:"cron"`
	// Prompt is the instruction delivered on each beat.
	Prompt string `yaml:"prompt"`
	// Session receives heartbeat turns (default "cli:heartbeat").
	Session string `yaml:"session"`
	// Target routes alerts: "last", "none", or a channel name.
	Target string `yaml:"target"`
	// To is an explicit chat id for alerts.
	To          string             `yaml:"to"`
	ActiveHours *ActiveHoursConfig `yaml:"active_hours"`
}

// ActiveHoursConfig confines heartbeats to a daily window.
type ActiveHoursConfig struct {
	Start    string `yaml:"start"` // "08:00"
	End      string `yaml:"end"`   // "22:00"
	Timezone string `yaml:"timezone"`
}

// TracingConfig enables OTLP trace export when an endpoint is set.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// Protocol is "grpc" (default) or "http".
	Protocol    string `yaml:"protocol"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig tunes slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "text" or "json"
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing, so secrets can stay out
// of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories
// as needed. The file is written 0600 since it may hold tokens.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Agent: AgentConfig{
			Provider: "openai",
			Model:    "gpt-4o",
		},
		Channels: ChannelsConfig{CLI: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".maxd")
		} else {
			c.DataDir = ".maxd"
		}
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 15
	}
	if c.Agent.MaxSessions <= 0 {
		c.Agent.MaxSessions = 128
	}
	if c.Approval.Mode == "" {
		c.Approval.Mode = "strict"
	}
	if c.Approval.TimeoutSeconds <= 0 {
		c.Approval.TimeoutSeconds = 300
	}
	if c.Context.Budget <= 0 {
		c.Context.Budget = 120000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.DataDir, "maxd.db")
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.DataDir, "memory.db")
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	if c.Scheduler.QueueMode == "" {
		c.Scheduler.QueueMode = "queue"
	}
	if c.Scheduler.DropPolicy == "" {
		c.Scheduler.DropPolicy = "old"
	}
	if c.Scheduler.MainWorkers <= 0 {
		c.Scheduler.MainWorkers = 4
	}
	if c.Scheduler.DebounceMs == 0 {
		c.Scheduler.DebounceMs = 800
	} else if c.Scheduler.DebounceMs < 0 {
		c.Scheduler.DebounceMs = 0
	}
	if c.Skills.GlobalDir == "" {
		c.Skills.GlobalDir = filepath.Join(c.DataDir, "skills")
	}
	if c.Email.Host != "" && c.Email.Port == 0 {
		c.Email.Port = 587
	}
	if c.Heartbeat.Cron == "" {
		c.Heartbeat.Cron = "0 * * * *"
	}
	if c.Heartbeat.Session == "" {
		c.Heartbeat.Session = "cli:heartbeat"
	}
	if c.Channels.Telegram.GroupHistoryLimit <= 0 {
		c.Channels.Telegram.GroupHistoryLimit = 50
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Approval.Mode {
	case "strict", "permissive":
	default:
		return fmt.Errorf("approval.mode %q invalid (want strict or permissive)", c.Approval.Mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver %q invalid (want sqlite or postgres)", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}

	switch c.Scheduler.QueueMode {
	case "queue", "followup", "interrupt":
	default:
		return fmt.Errorf("scheduler.queue_mode %q invalid", c.Scheduler.QueueMode)
	}
	switch c.Scheduler.DropPolicy {
	case "old", "new":
	default:
		return fmt.Errorf("scheduler.drop_policy %q invalid", c.Scheduler.DropPolicy)
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required when discord is enabled")
	}
	if !c.Channels.CLI && !c.Channels.Telegram.Enabled && !c.Channels.Discord.Enabled {
		return fmt.Errorf("no channel enabled")
	}

	if c.Email.Host != "" {
		if c.Email.From == "" {
			return fmt.Errorf("email.from is required when email.host is set")
		}
		if c.Email.Port < 1 || c.Email.Port > 65535 {
			return fmt.Errorf("email.port %d out of range (1-65535)", c.Email.Port)
		}
	}

	if c.Context.SummaryReserve < 0 || c.Context.SummaryReserve >= c.Context.Budget {
		return fmt.Errorf("context.summary_reserve must be below context.budget")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q invalid", c.Log.Level)
	}

	return nil
}
