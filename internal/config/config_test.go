package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-roost/internal/session"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Error("expected NeedsGenesis for a missing config.yaml")
	}
	if cfg.LogLevel != "info" || cfg.Session.Scope != "per-sender" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].AgentID != "roost" {
		t.Errorf("default agent missing: %+v", cfg.Agents)
	}
	if len(cfg.Models.Catalog) == 0 || cfg.Models.Default == "" {
		t.Errorf("default catalog missing: %+v", cfg.Models)
	}
	if got := cfg.Session.ResetTriggers; len(got) != 2 || got[0] != "/new" {
		t.Errorf("default reset triggers: %v", got)
	}
}

func TestLoadFrom_ParsesFullConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
log_level: debug
provider: anthropic
agents:
  - agent_id: helper
    display_name: Helper
    model: anthropic/claude-haiku-4-5
    queue_mode: collect
session:
  scope: per-thread
  main_alias: home
  idle_minutes: 60
  idle_by_chat_type_minutes:
    group: 15
  thread_idle_minutes: 10
  reset_triggers: ["/fresh"]
  fork_limit: 5
models:
  default: anthropic/claude-sonnet-4-5
  allow: [anthropic/claude-sonnet-4-5, anthropic/claude-haiku-4-5]
  catalog:
    - provider: anthropic
      name: claude-sonnet-4-5
      aliases: [sonnet]
      context_window: 200000
      max_thinking: high
    - provider: anthropic
      name: claude-haiku-4-5
      context_window: 200000
      max_thinking: medium
queue:
  cap: 3
  drop: newest
  run_timeout_seconds: 120
channels:
  telegram:
    enabled: true
    token: tg-token
    allowed_ids: [100, 200]
gateway:
  addr: 127.0.0.1:9999
  token: admin-token
janitor:
  sweep_after_hours: 72
  compact_keep: 400
`)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Error("NeedsGenesis should be false when the file exists")
	}
	if cfg.LogLevel != "debug" || cfg.Provider != "anthropic" {
		t.Errorf("top level: %+v", cfg)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].QueueMode != "collect" {
		t.Errorf("agents: %+v", cfg.Agents)
	}
	if cfg.Queue.Cap != 3 || cfg.Queue.Drop != "newest" || cfg.RunTimeout() != 2*time.Minute {
		t.Errorf("queue: %+v", cfg.Queue)
	}
	if !cfg.Channels.Telegram.Enabled || len(cfg.Channels.Telegram.AllowedIDs) != 2 {
		t.Errorf("telegram: %+v", cfg.Channels.Telegram)
	}
	if cfg.Janitor.SweepAfterHours != 72 || cfg.Janitor.SweepSchedule != "0 * * * *" {
		t.Errorf("janitor: %+v", cfg.Janitor)
	}

	mc := cfg.SessionManagerConfig()
	if mc.Keys.Scope != session.ScopePerThread || mc.Keys.MainAlias != "home" {
		t.Errorf("key config: %+v", mc.Keys)
	}
	if mc.Reset.Default.IdleThreshold != time.Hour {
		t.Errorf("idle threshold: %v", mc.Reset.Default.IdleThreshold)
	}
	if got := mc.Reset.ByChatType["group"].IdleThreshold; got != 15*time.Minute {
		t.Errorf("group idle: %v", got)
	}
	if mc.Reset.Thread == nil || mc.Reset.Thread.IdleThreshold != 10*time.Minute {
		t.Errorf("thread idle: %+v", mc.Reset.Thread)
	}
	if len(mc.Reset.Triggers) != 1 || mc.Reset.Triggers[0] != "/fresh" {
		t.Errorf("triggers: %v", mc.Reset.Triggers)
	}
	if mc.Fork.Limit != 5 {
		t.Errorf("fork limit: %d", mc.Fork.Limit)
	}

	models := cfg.CatalogModels()
	if len(models) != 2 || models[0].MaxThinkingTier != "high" || models[0].Aliases[0] != "sonnet" {
		t.Errorf("catalog mapping: %+v", models)
	}
}

func TestLoadFrom_EnvOverridesWinForSecrets(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
channels:
  telegram:
    token: from-file
gateway:
  token: file-token
`)
	t.Setenv("ROOST_TELEGRAM_TOKEN", "from-env")
	t.Setenv("ROOST_GATEWAY_TOKEN", "env-token")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Channels.Telegram.Token != "from-env" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Errorf("gateway token = %q", cfg.Gateway.Token)
	}
}

func TestLoadFrom_PersonaFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "persona.md"), []byte("You are terse."), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	writeConfig(t, dir, `
agents:
  - agent_id: roost
    persona_file: persona.md
`)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Agents[0].Persona != "You are terse." {
		t.Errorf("persona = %q", cfg.Agents[0].Persona)
	}
}

func TestFingerprint_TracksReloadableFields(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Session.ResetTriggers = []string{"/other"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed triggers must change the fingerprint")
	}
}
