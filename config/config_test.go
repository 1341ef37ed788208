package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chat.Mode != "polling" {
		t.Errorf("expected default chat mode polling, got %s", cfg.Chat.Mode)
	}
	if cfg.Chat.MessagesPerMinute != 10 {
		t.Errorf("expected 10 messages per minute, got %d", cfg.Chat.MessagesPerMinute)
	}
	if cfg.Orchestrator.GlobalMaxAgents != 10 {
		t.Errorf("expected global max agents 10, got %d", cfg.Orchestrator.GlobalMaxAgents)
	}
	if cfg.Orchestrator.ApprovalTimeout != 5*time.Minute {
		t.Errorf("expected approval timeout 5m, got %s", cfg.Orchestrator.ApprovalTimeout)
	}
	if cfg.Failure.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Failure.MaxRetries)
	}
	if cfg.Grouping.Threshold != 0.6 {
		t.Errorf("expected grouping threshold 0.6, got %f", cfg.Grouping.Threshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad chat mode",
			modify:  func(c *Config) { c.Chat.Mode = "carrier-pigeon" },
			wantErr: true,
		},
		{
			name:    "webhook mode without url",
			modify:  func(c *Config) { c.Chat.Mode = "webhook" },
			wantErr: true,
		},
		{
			name: "webhook mode with url",
			modify: func(c *Config) {
				c.Chat.Mode = "webhook"
				c.Chat.WebhookURL = "https://example.com"
			},
			wantErr: false,
		},
		{
			name:    "zero max agents",
			modify:  func(c *Config) { c.Orchestrator.GlobalMaxAgents = 0 },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			modify:  func(c *Config) { c.Failure.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "threshold above one",
			modify:  func(c *Config) { c.Grouping.Threshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "min group size of one",
			modify:  func(c *Config) { c.Grouping.MinGroupSize = 1 },
			wantErr: true,
		},
		{
			name: "max group smaller than min",
			modify: func(c *Config) {
				c.Grouping.MinGroupSize = 5
				c.Grouping.MaxGroupSize = 3
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")

	content := `
project:
  id: acme
database:
  dsn: postgres://localhost/foreman
orchestrator:
  global_max_agents: 4
failure:
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Project.ID != "acme" {
		t.Errorf("expected project acme, got %s", cfg.Project.ID)
	}
	if cfg.Database.DSN != "postgres://localhost/foreman" {
		t.Errorf("unexpected dsn %s", cfg.Database.DSN)
	}
	if cfg.Orchestrator.GlobalMaxAgents != 4 {
		t.Errorf("expected 4 agents, got %d", cfg.Orchestrator.GlobalMaxAgents)
	}
	if cfg.Failure.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.Failure.MaxRetries)
	}
	// untouched sections keep defaults
	if cfg.Chat.Mode != "polling" {
		t.Errorf("expected polling default, got %s", cfg.Chat.Mode)
	}
	if cfg.Grouping.Threshold != 0.6 {
		t.Errorf("expected threshold default 0.6, got %f", cfg.Grouping.Threshold)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	other := &Config{}
	other.Database.DSN = "postgres://db/x"
	other.Chat.AdminChatID = 42
	other.Orchestrator.GlobalMaxAgents = 2
	other.Grouping.Threshold = 0.8

	base.Merge(other)

	if base.Database.DSN != "postgres://db/x" {
		t.Errorf("expected merged dsn, got %s", base.Database.DSN)
	}
	if base.Chat.AdminChatID != 42 {
		t.Errorf("expected admin chat 42, got %d", base.Chat.AdminChatID)
	}
	if base.Orchestrator.GlobalMaxAgents != 2 {
		t.Errorf("expected 2 agents, got %d", base.Orchestrator.GlobalMaxAgents)
	}
	if base.Grouping.Threshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %f", base.Grouping.Threshold)
	}
	// zero values in other must not clobber defaults
	if base.Chat.MessagesPerMinute != 10 {
		t.Errorf("expected messages per minute 10, got %d", base.Chat.MessagesPerMinute)
	}
	if base.Failure.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", base.Failure.MaxRetries)
	}
}

func TestMergeNil(t *testing.T) {
	base := DefaultConfig()
	base.Merge(nil) // must not panic
	if base.Chat.Mode != "polling" {
		t.Errorf("config changed after nil merge")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("TELEGRAM_ADMIN_CHAT_ID", "12345")
	t.Setenv("PRIMARY_USER_ID", "777")
	t.Setenv("FOREMAN_GLOBAL_MAX_AGENTS", "6")
	t.Setenv("FOREMAN_APPROVAL_TIMEOUT", "90s")

	cfg := DefaultConfig()
	loader := NewLoader(nil)
	loader.ApplyEnv(cfg)

	if cfg.Database.DSN != "postgres://env/db" {
		t.Errorf("expected env dsn, got %s", cfg.Database.DSN)
	}
	if cfg.Chat.AdminChatID != 12345 {
		t.Errorf("expected admin chat 12345, got %d", cfg.Chat.AdminChatID)
	}
	if cfg.Chat.PrimaryUserID != 777 {
		t.Errorf("expected primary user 777, got %d", cfg.Chat.PrimaryUserID)
	}
	if cfg.Orchestrator.GlobalMaxAgents != 6 {
		t.Errorf("expected 6 agents, got %d", cfg.Orchestrator.GlobalMaxAgents)
	}
	if cfg.Orchestrator.ApprovalTimeout != 90*time.Second {
		t.Errorf("expected 90s approval timeout, got %s", cfg.Orchestrator.ApprovalTimeout)
	}
}

func TestApplyEnvMalformed(t *testing.T) {
	t.Setenv("TELEGRAM_ADMIN_CHAT_ID", "not-a-number")

	cfg := DefaultConfig()
	loader := NewLoader(nil)
	loader.ApplyEnv(cfg)

	if cfg.Chat.AdminChatID != 0 {
		t.Errorf("malformed env should be ignored, got %d", cfg.Chat.AdminChatID)
	}
}

func TestGroupingOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts := cfg.Grouping.Options()

	if opts.Weights.File != 0.25 {
		t.Errorf("expected file weight 0.25, got %f", opts.Weights.File)
	}
	if opts.Weights.Dependency != 0.30 {
		t.Errorf("expected dependency weight 0.30, got %f", opts.Weights.Dependency)
	}
	if opts.Threshold != 0.6 {
		t.Errorf("expected threshold 0.6, got %f", opts.Threshold)
	}
	if opts.Expiry != 7*24*time.Hour {
		t.Errorf("expected 7d expiry, got %s", opts.Expiry)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.yaml")

	cfg := DefaultConfig()
	cfg.Project.ID = "roundtrip"
	cfg.Chat.AdminChatID = 99

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Project.ID != "roundtrip" {
		t.Errorf("expected project roundtrip, got %s", loaded.Project.ID)
	}
	if loaded.Chat.AdminChatID != 99 {
		t.Errorf("expected admin chat 99, got %d", loaded.Chat.AdminChatID)
	}
}
