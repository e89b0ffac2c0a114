package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/memory"
	"github.com/koedyhq/koedy/pkg/providers"
)

type scriptedProvider struct {
	calls int
	reply func(req providers.CompletionRequest) (*providers.LLMResponse, error)
}

func (s *scriptedProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.LLMResponse, error) {
	s.calls++
	if s.reply != nil {
		return s.reply(req)
	}
	return &providers.LLMResponse{
		Text:     "hi there",
		Thinking: "they said hello",
		Usage:    providers.UsageInfo{InputTokens: 100, OutputTokens: 20},
	}, nil
}

func newTestAgent(t *testing.T, provider providers.Completer) (*Agent, memory.Store) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Context.PrefixTimestamps = false
	return New(store, provider, cfg), store
}

func TestAgent_HandleTurnPersistsBothSides(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{}
	ag, store := newTestAgent(t, provider)

	reply, err := ag.HandleTurn(ctx, "u1", "hello")
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("unexpected reply: %q", reply)
	}

	msgs, err := store.ListMessages(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Role != memory.RoleUser || msgs[0].Content != "hello" {
		t.Fatalf("user message wrong: %#v", msgs[0])
	}
	if msgs[1].Role != memory.RoleAssistant || msgs[1].Content != "hi there" {
		t.Fatalf("assistant message wrong: %#v", msgs[1])
	}
	if msgs[1].Thinking != "they said hello" {
		t.Fatalf("thinking not persisted: %#v", msgs[1])
	}

	turn, err := store.TurnCounter(ctx, "u1")
	if err != nil {
		t.Fatalf("turn counter: %v", err)
	}
	if turn != 1 {
		t.Fatalf("expected turn 1, got %d", turn)
	}

	totals, err := store.TotalUsage(ctx, "u1")
	if err != nil {
		t.Fatalf("total usage: %v", err)
	}
	if totals.InputTokens != 100 || totals.OutputTokens != 20 {
		t.Fatalf("usage not recorded: %#v", totals)
	}
}

func TestAgent_NoteTagsStrippedAndApplied(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{
		reply: func(req providers.CompletionRequest) (*providers.LLMResponse, error) {
			return &providers.LLMResponse{
				Text:  "Glad to hear it! [ONGOING NOTE: job search in progress]",
				Usage: providers.UsageInfo{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
	ag, store := newTestAgent(t, provider)

	reply, err := ag.HandleTurn(ctx, "u1", "I had an interview today")
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if strings.Contains(reply, "ONGOING NOTE") {
		t.Fatalf("tag leaked into reply: %q", reply)
	}

	note, err := store.GetNote(ctx, "u1", memory.NoteOngoing)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note == nil || note.Content != "job search in progress" {
		t.Fatalf("note not applied: %#v", note)
	}

	msgs, err := store.ListMessages(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if strings.Contains(msgs[1].Content, "ONGOING NOTE") {
		t.Fatalf("tag persisted in message history: %q", msgs[1].Content)
	}
}

func TestAgent_FailedCallRollsBackTurn(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{
		reply: func(req providers.CompletionRequest) (*providers.LLMResponse, error) {
			return nil, fmt.Errorf("upstream down")
		},
	}
	ag, store := newTestAgent(t, provider)

	reply, err := ag.HandleTurn(ctx, "u1", "are you there?")
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if reply == "" {
		t.Fatal("expected fallback reply")
	}

	count, err := store.MessageCount(ctx, "u1")
	if err != nil {
		t.Fatalf("message count: %v", err)
	}
	if count != 0 {
		t.Fatalf("user message not rolled back: %d remain", count)
	}

	turn, err := store.TurnCounter(ctx, "u1")
	if err != nil {
		t.Fatalf("turn counter: %v", err)
	}
	if turn != 0 {
		t.Fatalf("turn counter not restored: %d", turn)
	}

	// A retry lands on the same turn number.
	provider.reply = nil
	if _, err := ag.HandleTurn(ctx, "u1", "are you there?"); err != nil {
		t.Fatalf("retry turn: %v", err)
	}
	turn, err = store.TurnCounter(ctx, "u1")
	if err != nil {
		t.Fatalf("turn counter: %v", err)
	}
	if turn != 1 {
		t.Fatalf("retry should be turn 1, got %d", turn)
	}
}

func TestAgent_SpendLimitShortCircuits(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{}

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	cfg := config.DefaultConfig()
	cfg.Spend.DefaultLimit = 0.01
	ag := New(store, provider, cfg)

	if err := store.LogUsage(ctx, memory.UsageEntry{UserID: "u1", CallType: memory.CallMessage, TotalCost: 0.02}); err != nil {
		t.Fatalf("log usage: %v", err)
	}

	reply, err := ag.HandleTurn(ctx, "u1", "hello?")
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if reply != spendLimitReply {
		t.Fatalf("expected spend limit reply, got %q", reply)
	}
	if provider.calls != 0 {
		t.Fatalf("model called despite spend limit: %d calls", provider.calls)
	}

	// Other users are unaffected.
	if _, err := ag.HandleTurn(ctx, "u2", "hello?"); err != nil {
		t.Fatalf("handle turn for u2: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly one model call, got %d", provider.calls)
	}
}

func TestAgent_SystemPromptCarriesMemory(t *testing.T) {
	ctx := context.Background()

	var seenSystem string
	provider := &scriptedProvider{
		reply: func(req providers.CompletionRequest) (*providers.LLMResponse, error) {
			seenSystem = req.System
			return &providers.LLMResponse{Text: "ok", Usage: providers.UsageInfo{InputTokens: 1, OutputTokens: 1}}, nil
		},
	}
	ag, store := newTestAgent(t, provider)

	if _, err := store.AddSummary(ctx, "u1", 1, 25, "they love hiking"); err != nil {
		t.Fatalf("add summary: %v", err)
	}
	if err := store.SetNote(ctx, "u1", memory.NotePermanent, "ran their first marathon"); err != nil {
		t.Fatalf("set note: %v", err)
	}

	if _, err := ag.HandleTurn(ctx, "u1", "any plans?"); err != nil {
		t.Fatalf("handle turn: %v", err)
	}

	if !strings.Contains(seenSystem, "they love hiking") {
		t.Fatal("summary missing from system prompt")
	}
	if !strings.Contains(seenSystem, "ran their first marathon") {
		t.Fatal("permanent note missing from system prompt")
	}
	if !strings.Contains(seenSystem, "NOTE SYSTEM") {
		t.Fatal("note protocol missing from system prompt")
	}
}
