package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "foreman.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/foreman"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/foreman/config.yaml)
// 3. Project config (foreman.yaml in current or parent directories)
// 4. Environment variables (.env honored if present)
func (l *Loader) Load() (*Config, error) {
	// .env supplies env vars without clobbering the real environment
	if err := godotenv.Load(); err == nil {
		l.logger.Debug("Loaded .env file")
	}

	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.ApplyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv overrides config fields from environment variables. Env wins over
// every file layer.
func (l *Loader) ApplyEnv(config *Config) {
	if v := os.Getenv("FOREMAN_PROJECT_ID"); v != "" {
		config.Project.ID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv("TELEGRAM_MODE"); v != "" {
		config.Chat.Mode = v
	}
	if v := os.Getenv("TELEGRAM_WEBHOOK_URL"); v != "" {
		config.Chat.WebhookURL = v
	}
	if v := envInt64(l.logger, "TELEGRAM_ADMIN_CHAT_ID"); v != 0 {
		config.Chat.AdminChatID = v
	}
	if v := envInt64(l.logger, "PRIMARY_USER_ID"); v != 0 {
		config.Chat.PrimaryUserID = v
	}
	if v := envInt(l.logger, "FOREMAN_MESSAGES_PER_MINUTE"); v != 0 {
		config.Chat.MessagesPerMinute = v
	}
	if v := envInt(l.logger, "FOREMAN_GLOBAL_MAX_AGENTS"); v != 0 {
		config.Orchestrator.GlobalMaxAgents = v
	}
	if v := envDuration(l.logger, "FOREMAN_APPROVAL_TIMEOUT"); v != 0 {
		config.Orchestrator.ApprovalTimeout = v
	}
	if v := envInt(l.logger, "FOREMAN_MAX_RETRIES"); v != 0 {
		config.Failure.MaxRetries = v
	}
	if v := os.Getenv("FOREMAN_WORKER_COMMAND"); v != "" {
		config.Worker.Command = v
	}
	if v := os.Getenv("FOREMAN_LISTEN_ADDR"); v != "" {
		config.Listen.Addr = v
	}
}

func envInt64(logger *slog.Logger, key string) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("Ignoring malformed env var", slog.String("key", key), slog.String("value", raw))
		return 0
	}
	return v
}

func envInt(logger *slog.Logger, key string) int {
	return int(envInt64(logger, key))
}

func envDuration(logger *slog.Logger, key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("Ignoring malformed env var", slog.String("key", key), slog.String("value", raw))
		return 0
	}
	return v
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for foreman.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
