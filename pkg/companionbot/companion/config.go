// Package companion – config.go loads the YAML configuration file and
// fills defaults for anything unset. Secrets never live here; they come
// from the keychain or environment.
package companion

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// WorkspaceDir is the persona/memory/session root. Defaults to
	// ~/.companionbot.
	WorkspaceDir string `yaml:"workspace_dir"`

	// BotName shows up in the runtime prompt section.
	BotName string `yaml:"bot_name"`

	// Timezone applies to scheduled jobs and the prompt clock
	// (IANA name, e.g. "Asia/Seoul"). Empty = host local time.
	Timezone string `yaml:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ChatID is the owner chat for proactive messages (heartbeat,
	// briefings). 0 disables proactive delivery.
	ChatID int64 `yaml:"chat_id"`

	// EmbeddingsURL points at an OpenAI-compatible /embeddings endpoint.
	// Empty = hash-based fallback embedder.
	EmbeddingsURL   string `yaml:"embeddings_url"`
	EmbeddingsModel string `yaml:"embeddings_model"`

	Session   SessionStoreConfig `yaml:"session"`
	LLM       LLMConfig          `yaml:"llm"`
	Agents    AgentManagerConfig `yaml:"agents"`
	Heartbeat HeartbeatConfig    `yaml:"heartbeat"`
}

// DefaultConfig returns the standard configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		WorkspaceDir: dir,
		BotName:      "companion",
		LogLevel:     "info",
		Session:      DefaultSessionStoreConfig(),
		LLM:          DefaultLLMConfig(),
		Agents:       DefaultAgentManagerConfig(),
		Heartbeat:    DefaultHeartbeatConfig(),
	}
}

// DefaultWorkspaceDir returns ~/.companionbot.
func DefaultWorkspaceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".companionbot"
	}
	return filepath.Join(home, ".companionbot")
}

// LoadConfig reads config.yaml from the workspace dir, layering it over
// the defaults. A missing file yields pure defaults.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig(dir)
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = dir
	}
	return cfg, nil
}

// SlogLevel maps the config string onto a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
