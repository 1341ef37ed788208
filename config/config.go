// Package config provides configuration loading and management for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foremanworks/foreman/grouping"
)

// Config represents the complete foreman configuration.
type Config struct {
	Project      ProjectConfig      `yaml:"project"`
	Database     DatabaseConfig     `yaml:"database"`
	NATS         NATSConfig         `yaml:"nats"`
	Chat         ChatConfig         `yaml:"chat"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Failure      FailureConfig      `yaml:"failure"`
	Grouping     GroupingConfig     `yaml:"grouping"`
	Worker       WorkerConfig       `yaml:"worker"`
	Listen       ListenConfig       `yaml:"listen"`
}

// ProjectConfig identifies which project's tasks this instance manages.
type ProjectConfig struct {
	ID string `yaml:"id"`
}

// DatabaseConfig configures the Postgres store. An empty DSN selects the
// in-memory store, for development.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the escalation hand-off broker. Empty URL disables
// the bridge.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// ChatConfig configures the Telegram dispatcher. Credentials come from
// TELEGRAM_BOT_<TYPE> environment variables, never from this file.
type ChatConfig struct {
	// Mode is "webhook" or "polling".
	Mode string `yaml:"mode"`
	// WebhookURL is the public base URL in webhook mode.
	WebhookURL string `yaml:"webhook_url"`
	// AdminChatID receives system notifications.
	AdminChatID int64 `yaml:"admin_chat_id"`
	// PrimaryUserID, when set, restricts commands to one user.
	PrimaryUserID int64 `yaml:"primary_user_id"`
	// MessagesPerMinute caps sends per chat in a minute window.
	MessagesPerMinute int `yaml:"messages_per_minute"`
	// HealthInterval is the bot health-check period.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// OrchestratorConfig bounds the worker pool and its timers.
type OrchestratorConfig struct {
	GlobalMaxAgents  int           `yaml:"global_max_agents"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	AgentStuckAfter  time.Duration `yaml:"agent_stuck_after"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

// FailureConfig tunes retry behaviour.
type FailureConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// GroupingConfig tunes the suggestion engine. Weights should sum to ~1.0.
type GroupingConfig struct {
	FileWeight       float64       `yaml:"file_weight"`
	DependencyWeight float64       `yaml:"dependency_weight"`
	SemanticWeight   float64       `yaml:"semantic_weight"`
	CategoryWeight   float64       `yaml:"category_weight"`
	ComponentWeight  float64       `yaml:"component_weight"`
	Threshold        float64       `yaml:"threshold"`
	MinGroupSize     int           `yaml:"min_group_size"`
	MaxGroupSize     int           `yaml:"max_group_size"`
	SuggestionExpiry time.Duration `yaml:"suggestion_expiry"`
}

// Options converts the section to engine options.
func (g GroupingConfig) Options() grouping.Options {
	return grouping.Options{
		Weights: grouping.Weights{
			File:       g.FileWeight,
			Dependency: g.DependencyWeight,
			Semantic:   g.SemanticWeight,
			Category:   g.CategoryWeight,
			Component:  g.ComponentWeight,
		},
		Threshold:    g.Threshold,
		MinGroupSize: g.MinGroupSize,
		MaxGroupSize: g.MaxGroupSize,
		Expiry:       g.SuggestionExpiry,
	}
}

// WorkerConfig names the external worker program.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ListenConfig binds the HTTP surface (webhook routes, metrics).
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	gw := grouping.DefaultWeights()
	return &Config{
		Project:  ProjectConfig{ID: "default"},
		Database: DatabaseConfig{DSN: ""},
		NATS:     NATSConfig{URL: ""},
		Chat: ChatConfig{
			Mode:              "polling",
			MessagesPerMinute: 10,
			HealthInterval:    5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			GlobalMaxAgents:  10,
			ApprovalTimeout:  5 * time.Minute,
			AgentStuckAfter:  2 * time.Minute,
			WatchdogInterval: 30 * time.Second,
		},
		Failure: FailureConfig{MaxRetries: 3},
		Grouping: GroupingConfig{
			FileWeight:       gw.File,
			DependencyWeight: gw.Dependency,
			SemanticWeight:   gw.Semantic,
			CategoryWeight:   gw.Category,
			ComponentWeight:  gw.Component,
			Threshold:        0.6,
			MinGroupSize:     2,
			MaxGroupSize:     20,
			SuggestionExpiry: 7 * 24 * time.Hour,
		},
		Worker: WorkerConfig{Command: "foreman-worker"},
		Listen: ListenConfig{Addr: ":8080"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Chat.Mode != "webhook" && c.Chat.Mode != "polling" {
		return fmt.Errorf("chat.mode must be webhook or polling, got %q", c.Chat.Mode)
	}
	if c.Chat.Mode == "webhook" && c.Chat.WebhookURL == "" {
		return fmt.Errorf("chat.webhook_url is required in webhook mode")
	}
	if c.Orchestrator.GlobalMaxAgents < 1 {
		return fmt.Errorf("orchestrator.global_max_agents must be at least 1")
	}
	if c.Failure.MaxRetries < 0 {
		return fmt.Errorf("failure.max_retries cannot be negative")
	}
	if c.Grouping.Threshold <= 0 || c.Grouping.Threshold > 1 {
		return fmt.Errorf("grouping.threshold must be in (0,1]")
	}
	if c.Grouping.MinGroupSize < 2 {
		return fmt.Errorf("grouping.min_group_size must be at least 2")
	}
	if c.Grouping.MaxGroupSize < c.Grouping.MinGroupSize {
		return fmt.Errorf("grouping.max_group_size must be >= min_group_size")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file layered on defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one; other's non-zero values win.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Project.ID != "" {
		c.Project.ID = other.Project.ID
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Chat.Mode != "" {
		c.Chat.Mode = other.Chat.Mode
	}
	if other.Chat.WebhookURL != "" {
		c.Chat.WebhookURL = other.Chat.WebhookURL
	}
	if other.Chat.AdminChatID != 0 {
		c.Chat.AdminChatID = other.Chat.AdminChatID
	}
	if other.Chat.PrimaryUserID != 0 {
		c.Chat.PrimaryUserID = other.Chat.PrimaryUserID
	}
	if other.Chat.MessagesPerMinute != 0 {
		c.Chat.MessagesPerMinute = other.Chat.MessagesPerMinute
	}
	if other.Chat.HealthInterval != 0 {
		c.Chat.HealthInterval = other.Chat.HealthInterval
	}
	if other.Orchestrator.GlobalMaxAgents != 0 {
		c.Orchestrator.GlobalMaxAgents = other.Orchestrator.GlobalMaxAgents
	}
	if other.Orchestrator.ApprovalTimeout != 0 {
		c.Orchestrator.ApprovalTimeout = other.Orchestrator.ApprovalTimeout
	}
	if other.Orchestrator.AgentStuckAfter != 0 {
		c.Orchestrator.AgentStuckAfter = other.Orchestrator.AgentStuckAfter
	}
	if other.Orchestrator.WatchdogInterval != 0 {
		c.Orchestrator.WatchdogInterval = other.Orchestrator.WatchdogInterval
	}
	if other.Failure.MaxRetries != 0 {
		c.Failure.MaxRetries = other.Failure.MaxRetries
	}
	mergeGrouping(&c.Grouping, &other.Grouping)
	if other.Worker.Command != "" {
		c.Worker.Command = other.Worker.Command
	}
	if len(other.Worker.Args) > 0 {
		c.Worker.Args = other.Worker.Args
	}
	if other.Listen.Addr != "" {
		c.Listen.Addr = other.Listen.Addr
	}
}

func mergeGrouping(dst, src *GroupingConfig) {
	if src.FileWeight != 0 {
		dst.FileWeight = src.FileWeight
	}
	if src.DependencyWeight != 0 {
		dst.DependencyWeight = src.DependencyWeight
	}
	if src.SemanticWeight != 0 {
		dst.SemanticWeight = src.SemanticWeight
	}
	if src.CategoryWeight != 0 {
		dst.CategoryWeight = src.CategoryWeight
	}
	if src.ComponentWeight != 0 {
		dst.ComponentWeight = src.ComponentWeight
	}
	if src.Threshold != 0 {
		dst.Threshold = src.Threshold
	}
	if src.MinGroupSize != 0 {
		dst.MinGroupSize = src.MinGroupSize
	}
	if src.MaxGroupSize != 0 {
		dst.MaxGroupSize = src.MaxGroupSize
	}
	if src.SuggestionExpiry != 0 {
		dst.SuggestionExpiry = src.SuggestionExpiry
	}
}
