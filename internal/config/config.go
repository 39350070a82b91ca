// Package config loads and validates config.yaml from the roost home
// directory and maps it onto the component configs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-roost/internal/modelcat"
	"github.com/basket/go-roost/internal/otel"
	"github.com/basket/go-roost/internal/session"
)

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentEntry defines a named agent.
type AgentEntry struct {
	AgentID     string `yaml:"agent_id"`
	DisplayName string `yaml:"display_name"`
	Persona     string `yaml:"persona"`
	PersonaFile string `yaml:"persona_file"`

	// Per-agent directive defaults; empty fields inherit the globals.
	Model     string `yaml:"model"`
	Thinking  string `yaml:"thinking"`
	Verbose   string `yaml:"verbose"`
	Reasoning string `yaml:"reasoning"`
	Elevated  string `yaml:"elevated"`
	QueueMode string `yaml:"queue_mode"`
}

// SessionConfig drives key resolution and the reset policy tables.
type SessionConfig struct {
	Scope          string `yaml:"scope"` // per-sender, global, per-thread
	MainAlias      string `yaml:"main_alias"`
	ThreadSessions bool   `yaml:"thread_sessions"`

	IdleMinutes           int            `yaml:"idle_minutes"`
	IdleByChannelMinutes  map[string]int `yaml:"idle_by_channel_minutes"`
	IdleByChatTypeMinutes map[string]int `yaml:"idle_by_chat_type_minutes"`
	ThreadIdleMinutes     int            `yaml:"thread_idle_minutes"`

	ResetTriggers []string `yaml:"reset_triggers"`

	ForkLimit              int  `yaml:"fork_limit"`
	ForkIncludeToolResults bool `yaml:"fork_include_tool_results"`
}

// ModelEntry is one catalog row.
type ModelEntry struct {
	Provider      string   `yaml:"provider"`
	Name          string   `yaml:"name"`
	Aliases       []string `yaml:"aliases"`
	ContextWindow int      `yaml:"context_window"`
	MaxThinking   string   `yaml:"max_thinking"` // highest supported thinking tier
}

// ModelsConfig is the catalog plus its policy knobs.
type ModelsConfig struct {
	Default string       `yaml:"default"`
	Allow   []string     `yaml:"allow"` // empty allows everything
	Catalog []ModelEntry `yaml:"catalog"`
}

// DefaultsConfig holds the global directive defaults.
type DefaultsConfig struct {
	Model     string `yaml:"model"`
	Thinking  string `yaml:"thinking"`
	Verbose   string `yaml:"verbose"`
	Reasoning string `yaml:"reasoning"`
	Elevated  string `yaml:"elevated"`
	QueueMode string `yaml:"queue_mode"`
}

// QueueConfig holds the run queue defaults applied when a session carries no
// overrides.
type QueueConfig struct {
	Cap               int    `yaml:"cap"`
	Drop              string `yaml:"drop"` // "oldest" or "newest"
	RunTimeoutSeconds int    `yaml:"run_timeout_seconds"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"`
}

type CLIConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	CLI      CLIConfig      `yaml:"cli"`
}

type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"`
}

type JanitorConfig struct {
	SweepAfterHours int    `yaml:"sweep_after_hours"` // 0 disables sweeping
	SweepSchedule   string `yaml:"sweep_schedule"`
	CompactKeep     int    `yaml:"compact_keep"` // 0 disables compaction
	CompactSchedule string `yaml:"compact_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// Provider is the default LLM provider when a model carries no prefix.
	Provider  string                    `yaml:"provider"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Agents   []AgentEntry   `yaml:"agents"`
	Session  SessionConfig  `yaml:"session"`
	Models   ModelsConfig   `yaml:"models"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Queue    QueueConfig    `yaml:"queue"`
	Channels ChannelsConfig `yaml:"channels"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	OTel     otel.Config    `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// HomeDir returns the roost home directory, honoring the ROOST_HOME override.
func HomeDir() string {
	if override := os.Getenv("ROOST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".roost")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the roost home, applies env overrides, and
// fills defaults. A missing file is not an error: the defaults run, and
// NeedsGenesis is set so the caller can offer first-run setup.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create roost home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadPersonaFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Provider: "openai",
		Session: SessionConfig{
			Scope:          "per-sender",
			ThreadSessions: true,
			IdleMinutes:    30,
			ForkLimit:      20,
		},
		Queue: QueueConfig{
			Cap:               8,
			Drop:              "oldest",
			RunTimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Channels: ChannelsConfig{
			Webhook: WebhookConfig{Addr: "127.0.0.1:18710"},
			CLI:     CLIConfig{Enabled: true},
		},
		Gateway: GatewayConfig{Enabled: true, Addr: "127.0.0.1:18700"},
		Janitor: JanitorConfig{
			SweepSchedule:   "0 * * * *",
			CompactSchedule: "0 4 * * *",
		},
	}
}

// applyEnvOverrides lets env vars win over file values for secrets.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROOST_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("ROOST_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("ROOST_WEBHOOK_TOKEN"); v != "" {
		cfg.Channels.Webhook.Token = v
	}
	if v := os.Getenv("ROOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// loadPersonaFiles resolves persona_file entries relative to the home dir.
func loadPersonaFiles(cfg *Config) {
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Persona != "" || a.PersonaFile == "" {
			continue
		}
		path := a.PersonaFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue // persona stays empty, runtime uses its default
		}
		a.Persona = string(data)
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Session.Scope == "" {
		cfg.Session.Scope = "per-sender"
	}
	if cfg.Session.IdleMinutes <= 0 {
		cfg.Session.IdleMinutes = 30
	}
	if cfg.Session.ForkLimit <= 0 {
		cfg.Session.ForkLimit = 20
	}
	if len(cfg.Session.ResetTriggers) == 0 {
		cfg.Session.ResetTriggers = session.DefaultResetTriggers
	}
	if cfg.Queue.RunTimeoutSeconds <= 0 {
		cfg.Queue.RunTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Queue.Drop == "" {
		cfg.Queue.Drop = "oldest"
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:18700"
	}
	if cfg.Channels.Webhook.Addr == "" {
		cfg.Channels.Webhook.Addr = "127.0.0.1:18710"
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = []AgentEntry{{AgentID: "roost", DisplayName: "Roost"}}
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].AgentID == "" {
			cfg.Agents[i].AgentID = fmt.Sprintf("agent-%d", i+1)
		}
	}
	if len(cfg.Models.Catalog) == 0 {
		cfg.Models.Catalog = defaultCatalog()
	}
	if cfg.Models.Default == "" {
		first := cfg.Models.Catalog[0]
		cfg.Models.Default = first.Provider + "/" + first.Name
	}
}

// defaultCatalog covers the providers the runtime can host out of the box.
func defaultCatalog() []ModelEntry {
	return []ModelEntry{
		{Provider: "openai", Name: "gpt-5", ContextWindow: 400000, MaxThinking: "high"},
		{Provider: "openai", Name: "gpt-5-mini", Aliases: []string{"mini"}, ContextWindow: 400000, MaxThinking: "medium"},
		{Provider: "anthropic", Name: "claude-sonnet-4-5", Aliases: []string{"sonnet"}, ContextWindow: 200000, MaxThinking: "high"},
		{Provider: "anthropic", Name: "claude-haiku-4-5", Aliases: []string{"haiku"}, ContextWindow: 200000, MaxThinking: "medium"},
		{Provider: "google", Name: "gemini-2.5-pro", ContextWindow: 1000000, MaxThinking: "high"},
		{Provider: "google", Name: "gemini-2.5-flash", Aliases: []string{"flash"}, ContextWindow: 1000000, MaxThinking: "low"},
	}
}

// ProviderAPIKey returns the key for a provider, env vars first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// APIKeys collects the configured provider keys for the runtime.
func (c Config) APIKeys() map[string]string {
	out := make(map[string]string)
	for _, p := range []string{"google", "anthropic", "openai", "openrouter"} {
		if k := c.ProviderAPIKey(p); k != "" {
			out[p] = k
		}
	}
	return out
}

// SessionManagerConfig maps the session section onto the lifecycle manager.
func (c Config) SessionManagerConfig() session.ManagerConfig {
	s := c.Session
	reset := session.ResetConfig{
		Default:  session.ResetPolicy{IdleThreshold: time.Duration(s.IdleMinutes) * time.Minute},
		Triggers: s.ResetTriggers,
	}
	if len(s.IdleByChannelMinutes) > 0 {
		reset.ByChannel = make(map[string]session.ResetPolicy, len(s.IdleByChannelMinutes))
		for ch, mins := range s.IdleByChannelMinutes {
			reset.ByChannel[ch] = session.ResetPolicy{IdleThreshold: time.Duration(mins) * time.Minute}
		}
	}
	if len(s.IdleByChatTypeMinutes) > 0 {
		reset.ByChatType = make(map[string]session.ResetPolicy, len(s.IdleByChatTypeMinutes))
		for ct, mins := range s.IdleByChatTypeMinutes {
			reset.ByChatType[ct] = session.ResetPolicy{IdleThreshold: time.Duration(mins) * time.Minute}
		}
	}
	if s.ThreadIdleMinutes > 0 {
		reset.Thread = &session.ResetPolicy{IdleThreshold: time.Duration(s.ThreadIdleMinutes) * time.Minute}
	}
	return session.ManagerConfig{
		DataDir: c.HomeDir,
		Keys: session.KeyConfig{
			Scope:          session.Scope(s.Scope),
			MainAlias:      s.MainAlias,
			ThreadSessions: s.ThreadSessions,
		},
		Reset: reset,
		Fork: session.ForkConfig{
			Limit:              s.ForkLimit,
			IncludeToolResults: s.ForkIncludeToolResults,
		},
	}
}

// CatalogModels maps the models section onto catalog entries.
func (c Config) CatalogModels() []modelcat.Model {
	out := make([]modelcat.Model, 0, len(c.Models.Catalog))
	for _, e := range c.Models.Catalog {
		out = append(out, modelcat.Model{
			Provider:        e.Provider,
			Name:            e.Name,
			Aliases:         e.Aliases,
			ContextWindow:   e.ContextWindow,
			MaxThinkingTier: e.MaxThinking,
		})
	}
	return out
}

// RunTimeout returns the queue run timeout as a duration.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Queue.RunTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the parts of the config whose change
// requires a reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|provider=%s|scope=%s|triggers=%v|default=%s|allow=%v|queue=%+v",
		c.LogLevel, c.Provider, c.Session.Scope, c.Session.ResetTriggers,
		c.Models.Default, c.Models.Allow, c.Queue)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
