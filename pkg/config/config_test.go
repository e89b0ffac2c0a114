package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Memory.TriggerMessages != 100 {
		t.Fatalf("unexpected trigger: %d", cfg.Memory.TriggerMessages)
	}
	if cfg.Memory.BatchTurns != 25 {
		t.Fatalf("unexpected batch turns: %d", cfg.Memory.BatchTurns)
	}
	if cfg.Notes.PermanentMaxChars != 10000 {
		t.Fatalf("unexpected permanent cap: %d", cfg.Notes.PermanentMaxChars)
	}
	if cfg.Provider.MessageMaxTokens != 16000 || cfg.Provider.MessageThinkingBudget != 10000 {
		t.Fatalf("unexpected message budgets: %#v", cfg.Provider)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"workspace": "/tmp/koedy-test",
		"memory": {"trigger_messages": 40, "batch_turns": 10},
		"spend": {"default_limit": 5.0, "per_user": {"alice": 50.0}},
		"access": {"codes": {"swordfish": "alice"}}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Memory.TriggerMessages != 40 || cfg.Memory.BatchTurns != 10 {
		t.Fatalf("file values not applied: %#v", cfg.Memory)
	}
	// Untouched fields keep defaults.
	if cfg.Memory.MaxNonArchived != 2 {
		t.Fatalf("default lost on partial override: %d", cfg.Memory.MaxNonArchived)
	}

	if got := cfg.SpendLimitFor("alice"); got != 50.0 {
		t.Fatalf("per-user limit not applied: %v", got)
	}
	if got := cfg.SpendLimitFor("bob"); got != 5.0 {
		t.Fatalf("default limit not applied: %v", got)
	}

	userID, ok := cfg.ResolveAccessCode("swordfish")
	if !ok || userID != "alice" {
		t.Fatalf("access code not resolved: %q ok=%v", userID, ok)
	}
	if _, ok := cfg.ResolveAccessCode("wrong"); ok {
		t.Fatal("unknown code resolved")
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"memory": {"trigger_messages": 40}}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("KOEDY_MEMORY_TRIGGER_MESSAGES", "60")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Memory.TriggerMessages != 60 {
		t.Fatalf("env override not applied: %d", cfg.Memory.TriggerMessages)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Provider.Model = "test-model"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.Provider.Model != "test-model" {
		t.Fatalf("round trip lost model: %q", loaded.Provider.Model)
	}
}

func TestBaseSystemPrompt(t *testing.T) {
	cfg := DefaultConfig()

	prompt, err := cfg.BaseSystemPrompt()
	if err != nil {
		t.Fatalf("default prompt: %v", err)
	}
	if prompt == "" {
		t.Fatal("default prompt empty")
	}

	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("You are a test persona.\n"), 0600); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	cfg.Context.SystemPromptFile = path

	prompt, err = cfg.BaseSystemPrompt()
	if err != nil {
		t.Fatalf("file prompt: %v", err)
	}
	if prompt != "You are a test persona." {
		t.Fatalf("unexpected prompt: %q", prompt)
	}

	cfg.Context.SystemPromptFile = filepath.Join(t.TempDir(), "missing.md")
	if _, err := cfg.BaseSystemPrompt(); err == nil {
		t.Fatal("expected error for missing prompt file")
	}
}
