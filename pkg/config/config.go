package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Workspace string         `json:"workspace" env:"KOEDY_WORKSPACE"`
	Provider  ProviderConfig `json:"provider"`
	Memory    MemoryConfig   `json:"memory"`
	Context   ContextConfig  `json:"context"`
	Notes     NotesConfig    `json:"notes"`
	Pricing   PricingConfig  `json:"pricing"`
	Spend     SpendConfig    `json:"spend"`
	Access    AccessConfig   `json:"access"`
	Channels  ChannelsConfig `json:"channels"`
	mu        sync.RWMutex
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"KOEDY_PROVIDER_API_KEY"`
	APIBase string `json:"api_base" env:"KOEDY_PROVIDER_API_BASE"`
	Model   string `json:"model" env:"KOEDY_PROVIDER_MODEL"`

	// Max output tokens and extended-thinking budgets per call type.
	MessageMaxTokens       int `json:"message_max_tokens" env:"KOEDY_PROVIDER_MESSAGE_MAX_TOKENS"`
	MessageThinkingBudget  int `json:"message_thinking_budget" env:"KOEDY_PROVIDER_MESSAGE_THINKING_BUDGET"`
	SummaryMaxTokens       int `json:"summary_max_tokens" env:"KOEDY_PROVIDER_SUMMARY_MAX_TOKENS"`
	SummaryThinkingBudget  int `json:"summary_thinking_budget" env:"KOEDY_PROVIDER_SUMMARY_THINKING_BUDGET"`
	CompressMaxTokens      int `json:"compress_max_tokens" env:"KOEDY_PROVIDER_COMPRESS_MAX_TOKENS"`
	CompressThinkingBudget int `json:"compress_thinking_budget" env:"KOEDY_PROVIDER_COMPRESS_THINKING_BUDGET"`
}

type MemoryConfig struct {
	// TriggerMessages is the raw-message count that starts a compaction
	// round. Two messages per turn, so 100 messages = 50 turns.
	TriggerMessages int `json:"trigger_messages" env:"KOEDY_MEMORY_TRIGGER_MESSAGES"`
	// BatchTurns is how many turns each summary covers; the pipeline
	// selects 2x this many messages per round.
	BatchTurns int `json:"batch_turns" env:"KOEDY_MEMORY_BATCH_TURNS"`
	// RecentSummaryLimit bounds the summaries stitched into context and
	// fed back to the summarizer for thread continuity.
	RecentSummaryLimit int `json:"recent_summary_limit" env:"KOEDY_MEMORY_RECENT_SUMMARY_LIMIT"`
	// MaxNonArchived is the retention bound; summaries beyond it compress
	// into ancient history.
	MaxNonArchived int `json:"max_non_archived" env:"KOEDY_MEMORY_MAX_NON_ARCHIVED"`
}

type ContextConfig struct {
	// Depth is the recent-turn window; 2x this many messages go to the model.
	Depth int `json:"depth" env:"KOEDY_CONTEXT_DEPTH"`
	// PrefixTurnNumbers / PrefixTimestamps prepend turn indices and
	// timestamps to user messages so the model can reason about elapsed
	// time and turn numbering.
	PrefixTurnNumbers bool `json:"prefix_turn_numbers" env:"KOEDY_CONTEXT_PREFIX_TURN_NUMBERS"`
	PrefixTimestamps  bool `json:"prefix_timestamps" env:"KOEDY_CONTEXT_PREFIX_TIMESTAMPS"`
	// SystemPromptFile holds the base persona prompt; empty means the
	// built-in default.
	SystemPromptFile string `json:"system_prompt_file" env:"KOEDY_CONTEXT_SYSTEM_PROMPT_FILE"`
}

type NotesConfig struct {
	ActiveMaxChars    int `json:"active_max_chars" env:"KOEDY_NOTES_ACTIVE_MAX_CHARS"`
	OngoingMaxChars   int `json:"ongoing_max_chars" env:"KOEDY_NOTES_ONGOING_MAX_CHARS"`
	PermanentMaxChars int `json:"permanent_max_chars" env:"KOEDY_NOTES_PERMANENT_MAX_CHARS"`
}

type PricingConfig struct {
	// Dollars per token.
	InputCostPerToken  float64 `json:"input_cost_per_token" env:"KOEDY_PRICING_INPUT_COST_PER_TOKEN"`
	OutputCostPerToken float64 `json:"output_cost_per_token" env:"KOEDY_PRICING_OUTPUT_COST_PER_TOKEN"`
}

type SpendConfig struct {
	// DefaultLimit is the per-user dollar cap; PerUser overrides it.
	DefaultLimit float64            `json:"default_limit" env:"KOEDY_SPEND_DEFAULT_LIMIT"`
	PerUser      map[string]float64 `json:"per_user"`
}

type AccessConfig struct {
	// Codes maps access code -> user id.
	Codes map[string]string `json:"codes"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token string `json:"token" env:"KOEDY_CHANNELS_DISCORD_TOKEN"`
	// AllowFrom maps Discord user ids -> koedy user ids; empty denies all.
	AllowFrom map[string]string `json:"allow_from"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.koedy/workspace",
		Provider: ProviderConfig{
			APIBase:                "https://api.anthropic.com",
			Model:                  "claude-opus-4",
			MessageMaxTokens:       16000,
			MessageThinkingBudget:  10000,
			SummaryMaxTokens:       5000,
			SummaryThinkingBudget:  3500,
			CompressMaxTokens:      2000,
			CompressThinkingBudget: 2000,
		},
		Memory: MemoryConfig{
			TriggerMessages:    100,
			BatchTurns:         25,
			RecentSummaryLimit: 2,
			MaxNonArchived:     2,
		},
		Context: ContextConfig{
			Depth:             30,
			PrefixTurnNumbers: true,
			PrefixTimestamps:  true,
		},
		Notes: NotesConfig{
			ActiveMaxChars:    2500,
			OngoingMaxChars:   5000,
			PermanentMaxChars: 10000,
		},
		Pricing: PricingConfig{
			InputCostPerToken:  5.00 / 1_000_000,
			OutputCostPerToken: 25.00 / 1_000_000,
		},
		Spend: SpendConfig{
			DefaultLimit: 25.0,
			PerUser:      map[string]float64{},
		},
		Access: AccessConfig{
			Codes: map[string]string{},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: map[string]string{},
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// SpendLimitFor returns the dollar cap for a user, falling back to the
// configured default.
func (c *Config) SpendLimitFor(userID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit, ok := c.Spend.PerUser[userID]; ok {
		return limit
	}
	return c.Spend.DefaultLimit
}

// ResolveAccessCode maps an access code to its user id.
func (c *Config) ResolveAccessCode(code string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	userID, ok := c.Access.Codes[strings.TrimSpace(code)]
	return userID, ok
}

// BaseSystemPrompt loads the persona prompt file, or returns the built-in
// default when none is configured.
func (c *Config) BaseSystemPrompt() (string, error) {
	c.mu.RLock()
	path := c.Context.SystemPromptFile
	c.mu.RUnlock()

	if path == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return "", fmt.Errorf("read system prompt file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

const defaultSystemPrompt = `You are Koedy, a personal companion assistant. You get to know the user over time: the more they share, the better you understand them. Be warm, direct, and concrete. Prioritize who the user is over what they asked about.`

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
