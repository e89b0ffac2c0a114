package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/koedyhq/koedy/pkg/bus"
	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/logger"
	"github.com/koedyhq/koedy/pkg/memory"
	"github.com/koedyhq/koedy/pkg/providers"
)

// spendLimitReply is returned verbatim when a user's lifetime spend has
// reached their cap. No model call is made for the turn.
const spendLimitReply = "I've reached my usage limit for now. Please check in with my operator to raise it."

// failureReply is returned when the main model call fails after the turn
// state was rolled back.
const failureReply = "I hit a snag generating a response just now. Please send that again."

// Agent drives one conversational turn end to end: counter, persistence,
// compaction, context assembly, the model call, and note extraction.
type Agent struct {
	store     memory.Store
	provider  providers.Completer
	pipeline  *memory.Pipeline
	assembler *memory.Assembler
	extractor *memory.NoteExtractor
	ledger    *memory.Ledger
	cfg       *config.Config

	// Per-user turn serialization; turns for distinct users may interleave.
	userMu map[string]*sync.Mutex
	mapMu  sync.Mutex
}

func New(store memory.Store, provider providers.Completer, cfg *config.Config) *Agent {
	ledger := memory.NewLedger(store, cfg.Pricing)
	return &Agent{
		store:     store,
		provider:  provider,
		pipeline:  memory.NewPipeline(store, provider, ledger, cfg),
		assembler: memory.NewAssembler(store, cfg),
		extractor: memory.NewNoteExtractor(store, cfg.Notes),
		ledger:    ledger,
		cfg:       cfg,
		userMu:    make(map[string]*sync.Mutex),
	}
}

func (a *Agent) lockUser(userID string) *sync.Mutex {
	a.mapMu.Lock()
	mu, ok := a.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		a.userMu[userID] = mu
	}
	a.mapMu.Unlock()
	mu.Lock()
	return mu
}

// HandleTurn processes one user utterance and returns the visible reply.
// The returned error covers only failures that left no reply at all;
// model-call failures roll the turn back and return a fallback reply.
func (a *Agent) HandleTurn(ctx context.Context, userID, content string) (string, error) {
	mu := a.lockUser(userID)
	defer mu.Unlock()

	trace := uuid.NewString()

	turn, err := a.store.IncrementTurnCounter(ctx, userID)
	if err != nil {
		return "", err
	}

	msgID, err := a.store.AddMessage(ctx, memory.Message{
		UserID:  userID,
		Role:    memory.RoleUser,
		Content: content,
	})
	if err != nil {
		return "", err
	}

	logger.DebugCF("agent", "turn started", map[string]any{
		"trace": trace,
		"user":  userID,
		"turn":  turn,
	})

	limit := a.cfg.SpendLimitFor(userID)
	over, totals, err := a.ledger.OverLimit(ctx, userID, limit)
	if err != nil {
		logger.WarnCF("agent", "spend check failed", map[string]any{"trace": trace, "error": err.Error()})
	}
	if over {
		logger.WarnCF("agent", "spend limit reached", map[string]any{
			"trace": trace,
			"user":  userID,
			"spent": totals.TotalCost,
			"limit": limit,
		})
		if _, err := a.store.AddMessage(ctx, memory.Message{
			UserID:  userID,
			Role:    memory.RoleAssistant,
			Content: spendLimitReply,
		}); err != nil {
			logger.WarnCF("agent", "limit reply persist failed", map[string]any{"trace": trace, "error": err.Error()})
		}
		return spendLimitReply, nil
	}

	// Compaction failures never surface to the user; the raw window just
	// stays long until a later turn succeeds.
	if _, err := a.pipeline.Run(ctx, userID); err != nil {
		logger.WarnCF("agent", "compaction failed", map[string]any{
			"trace": trace,
			"user":  userID,
			"error": err.Error(),
		})
	}

	system, window, err := a.assembler.Assemble(ctx, userID)
	if err != nil {
		a.rollbackTurn(ctx, userID, msgID, turn, trace)
		return failureReply, nil
	}

	resp, err := a.provider.Complete(ctx, providers.CompletionRequest{
		System:         system,
		Messages:       window,
		MaxTokens:      a.cfg.Provider.MessageMaxTokens,
		ThinkingBudget: a.cfg.Provider.MessageThinkingBudget,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		if err != nil {
			logger.ErrorCF("agent", "model call failed", map[string]any{
				"trace": trace,
				"user":  userID,
				"error": err.Error(),
			})
		} else {
			logger.ErrorCF("agent", "model call returned no text", map[string]any{
				"trace": trace,
				"user":  userID,
			})
		}
		a.rollbackTurn(ctx, userID, msgID, turn, trace)
		return failureReply, nil
	}

	if err := a.ledger.Record(ctx, userID, memory.CallMessage, resp.Usage); err != nil {
		logger.WarnCF("agent", "usage logging failed", map[string]any{"trace": trace, "error": err.Error()})
	}

	reply := a.extractor.Extract(ctx, userID, resp.Text)
	if reply == "" {
		// The whole reply was notes. Keep the turn but show nothing odd.
		reply = "Noted."
	}

	if _, err := a.store.AddMessage(ctx, memory.Message{
		UserID:   userID,
		Role:     memory.RoleAssistant,
		Content:  reply,
		Thinking: resp.Thinking,
	}); err != nil {
		logger.WarnCF("agent", "reply persist failed", map[string]any{"trace": trace, "error": err.Error()})
	}

	logger.DebugCF("agent", "turn complete", map[string]any{
		"trace":  trace,
		"user":   userID,
		"turn":   turn,
		"input":  resp.Usage.InputTokens,
		"output": resp.Usage.OutputTokens,
	})
	return reply, nil
}

// rollbackTurn undoes the persisted user message and the counter increment
// so a retried utterance lands on the same turn number.
func (a *Agent) rollbackTurn(ctx context.Context, userID string, msgID int64, turn int, trace string) {
	if err := a.store.DeleteMessages(ctx, []int64{msgID}); err != nil {
		logger.WarnCF("agent", "rollback message delete failed", map[string]any{"trace": trace, "error": err.Error()})
	}
	if err := a.store.SetTurnCounter(ctx, userID, turn-1); err != nil {
		logger.WarnCF("agent", "rollback counter restore failed", map[string]any{"trace": trace, "error": err.Error()})
	}
}

// Run consumes inbound bus messages until the context ends. Each turn runs
// in its own goroutine; per-user locking keeps same-user turns ordered.
func (a *Agent) Run(ctx context.Context, messageBus *bus.MessageBus) {
	logger.InfoC("agent", "Agent loop started")

	var wg sync.WaitGroup
	for {
		msg, ok := messageBus.ConsumeInbound(ctx)
		if !ok {
			break
		}

		wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer wg.Done()
			reply, err := a.HandleTurn(ctx, msg.UserID, msg.Content)
			if err != nil {
				logger.ErrorCF("agent", "turn failed", map[string]any{
					"user":  msg.UserID,
					"error": err.Error(),
				})
				return
			}
			messageBus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: reply,
			})
		}(msg)
	}

	wg.Wait()
	logger.InfoC("agent", "Agent loop stopped")
}
