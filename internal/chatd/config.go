// Package chatd implements the mapdraft chat server — per-document chat
// rooms that multiplex WebSocket sessions onto a single serialized room
// coordinator, stream model output token by token, and delegate tool calls
// (geocoding, map lookups) back to the connected clients.
package chatd

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the chat server, loaded from
// environment variables.
type Config struct {
	// Server
	Port int    // HTTP + WS listen port (default: 8090)
	Host string // Bind address (default: "0.0.0.0")

	// Model backend
	Backend          string // "openai" (any OpenAI-compatible endpoint) or "anthropic"
	Model            string // Model name passed to the backend
	OpenAIBaseURL    string // Base URL for the OpenAI-compatible backend
	OpenAIAPIKey     string // Optional for local backends
	AnthropicAPIKey  string // Required when Backend is "anthropic"
	AnthropicBaseURL string // Optional override for the Anthropic endpoint

	// SystemPrompt seeds every room's conversation. Empty uses the built-in
	// travel-planning prompt.
	SystemPrompt string

	// Generation
	ToolTimeout   time.Duration // Max wait for a client tool_result (default: 10s)
	MaxToolRounds int           // Model turns per user message before giving up (default: 5)

	// Rooms
	RoomInboxSize int           // Buffered events per room actor (default: 256)
	IdleTimeout   time.Duration // Read deadline per WebSocket connection (default: 5m)

	LogLevel string // "debug", "info", "warn", "error" (default: "info")
}

// LoadConfig reads configuration from MAPDRAFT_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:             envInt("MAPDRAFT_PORT", 8090),
		Host:             envStr("MAPDRAFT_HOST", "0.0.0.0"),
		Backend:          envStr("MAPDRAFT_BACKEND", "openai"),
		Model:            os.Getenv("MAPDRAFT_MODEL"),
		OpenAIBaseURL:    envStr("MAPDRAFT_OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIAPIKey:     os.Getenv("MAPDRAFT_OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("MAPDRAFT_ANTHROPIC_API_KEY"),
		AnthropicBaseURL: os.Getenv("MAPDRAFT_ANTHROPIC_BASE_URL"),
		SystemPrompt:     os.Getenv("MAPDRAFT_SYSTEM_PROMPT"),
		ToolTimeout:      envDuration("MAPDRAFT_TOOL_TIMEOUT", 10*time.Second),
		MaxToolRounds:    envInt("MAPDRAFT_MAX_TOOL_ROUNDS", 5),
		RoomInboxSize:    envInt("MAPDRAFT_ROOM_INBOX_SIZE", 256),
		IdleTimeout:      envDuration("MAPDRAFT_IDLE_TIMEOUT", 5*time.Minute),
		LogLevel:         envStr("MAPDRAFT_LOG_LEVEL", "info"),
	}

	switch cfg.Backend {
	case "openai":
		// Local OpenAI-compatible backends run without a key.
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("MAPDRAFT_ANTHROPIC_API_KEY is required when MAPDRAFT_BACKEND=anthropic")
		}
	default:
		return nil, fmt.Errorf("unknown MAPDRAFT_BACKEND %q (want \"openai\" or \"anthropic\")", cfg.Backend)
	}

	if cfg.ToolTimeout <= 0 {
		return nil, fmt.Errorf("MAPDRAFT_TOOL_TIMEOUT must be positive")
	}
	if cfg.MaxToolRounds < 1 {
		return nil, fmt.Errorf("MAPDRAFT_MAX_TOOL_ROUNDS must be at least 1")
	}

	return cfg, nil
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "10s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
