package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/logger"
	"github.com/koedyhq/koedy/pkg/providers"
)

// Pipeline runs the tiered compaction: raw messages roll up into summaries,
// and stale summaries compress down into ancient history. One round per
// Run call; rounds are cheap no-ops below the trigger threshold.
type Pipeline struct {
	store    Store
	provider providers.Completer
	ledger   *Ledger
	cfg      *config.Config
}

func NewPipeline(store Store, provider providers.Completer, ledger *Ledger, cfg *config.Config) *Pipeline {
	return &Pipeline{store: store, provider: provider, ledger: ledger, cfg: cfg}
}

// Run executes at most one compaction round for the user. It reports whether
// a summary was produced. Errors abort the round with no raw messages lost;
// callers treat them as advisory and retry on a later turn.
func (p *Pipeline) Run(ctx context.Context, userID string) (bool, error) {
	count, err := p.store.MessageCount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("message count: %w", err)
	}
	if count < p.cfg.Memory.TriggerMessages {
		return false, nil
	}

	batchSize := p.cfg.Memory.BatchTurns * 2
	batch, err := p.store.OldestMessages(ctx, userID, batchSize)
	if err != nil {
		return false, fmt.Errorf("load batch: %w", err)
	}
	if len(batch) < batchSize {
		return false, nil
	}

	// Turn ranges stay contiguous: each round picks up exactly where the
	// last persisted summary ended, independent of live counter state.
	turnsDone, err := p.store.TotalTurnsSummarized(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("turns summarized: %w", err)
	}
	turnStart := turnsDone + 1
	turnEnd := turnsDone + p.cfg.Memory.BatchTurns

	prev, err := p.store.RecentSummaries(ctx, userID, p.cfg.Memory.RecentSummaryLimit)
	if err != nil {
		return false, fmt.Errorf("recent summaries: %w", err)
	}

	logger.InfoCF("memory", "compaction round starting", map[string]any{
		"user":       userID,
		"messages":   count,
		"turn_start": turnStart,
		"turn_end":   turnEnd,
	})

	system, err := p.cfg.BaseSystemPrompt()
	if err != nil {
		return false, fmt.Errorf("load system prompt: %w", err)
	}

	resp, err := p.provider.Complete(ctx, providers.CompletionRequest{
		System: system,
		Messages: []providers.Message{
			{Role: RoleUser, Content: buildSummaryContent(prev, batch, turnStart, turnEnd)},
		},
		MaxTokens:      p.cfg.Provider.SummaryMaxTokens,
		ThinkingBudget: p.cfg.Provider.SummaryThinkingBudget,
	})
	if err != nil {
		return false, fmt.Errorf("summary call: %w", err)
	}
	if err := p.ledger.Record(ctx, userID, CallSummary, resp.Usage); err != nil {
		logger.WarnCF("memory", "usage logging failed", map[string]any{"error": err.Error()})
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return false, fmt.Errorf("summary call returned no text")
	}

	summaryID, err := p.store.AddSummary(ctx, userID, turnStart, turnEnd, text)
	if err != nil {
		return false, fmt.Errorf("persist summary: %w", err)
	}

	// The archived copy carries a trailing marker entry so extended
	// history reads as a complete transcript of the summarized range.
	marker := Message{
		UserID:  userID,
		Role:    RoleSystem,
		Content: fmt.Sprintf("[Turns %d-%d summarized]\n%s", turnStart, turnEnd, text),
	}
	if err := p.store.ArchiveMessages(ctx, userID, append(batch, marker), summaryID); err != nil {
		return false, fmt.Errorf("archive batch: %w", err)
	}

	ids := make([]int64, 0, len(batch))
	for _, m := range batch {
		ids = append(ids, m.ID)
	}
	if err := p.store.DeleteMessages(ctx, ids); err != nil {
		return false, fmt.Errorf("delete archived batch: %w", err)
	}

	if err := p.compress(ctx, userID); err != nil {
		logger.WarnCF("memory", "compression failed", map[string]any{
			"user":  userID,
			"error": err.Error(),
		})
	}

	logger.InfoCF("memory", "compaction round complete", map[string]any{
		"user":       userID,
		"summary_id": summaryID,
	})
	return true, nil
}

// compress folds the oldest non-archived summaries into ancient history
// until the retention bound holds again. Partial progress persists; a
// failed call leaves the remaining summaries for the next round.
func (p *Pipeline) compress(ctx context.Context, userID string) error {
	system, err := p.cfg.BaseSystemPrompt()
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}

	for {
		n, err := p.store.NonArchivedSummaryCount(ctx, userID)
		if err != nil {
			return fmt.Errorf("non-archived count: %w", err)
		}
		if n <= p.cfg.Memory.MaxNonArchived {
			return nil
		}

		sm, err := p.store.OldestNonArchivedSummary(ctx, userID)
		if err != nil {
			return fmt.Errorf("oldest summary: %w", err)
		}
		if sm == nil {
			return nil
		}

		resp, err := p.provider.Complete(ctx, providers.CompletionRequest{
			System: system,
			Messages: []providers.Message{
				{Role: RoleUser, Content: buildCompressionContent(*sm)},
			},
			MaxTokens:      p.cfg.Provider.CompressMaxTokens,
			ThinkingBudget: p.cfg.Provider.CompressThinkingBudget,
		})
		if err != nil {
			return fmt.Errorf("compression call: %w", err)
		}
		if err := p.ledger.Record(ctx, userID, CallCompression, resp.Usage); err != nil {
			logger.WarnCF("memory", "usage logging failed", map[string]any{"error": err.Error()})
		}
		content := strings.TrimSpace(resp.Text)
		if content == "" {
			return fmt.Errorf("compression call returned no text")
		}

		turnRange := fmt.Sprintf("Turns %d-%d", sm.TurnStart, sm.TurnEnd)
		if err := p.store.AddAncientEntry(ctx, userID, turnRange, content); err != nil {
			return fmt.Errorf("append ancient entry: %w", err)
		}
		if err := p.store.MarkSummaryArchived(ctx, sm.ID); err != nil {
			return fmt.Errorf("mark summary archived: %w", err)
		}

		logger.DebugCF("memory", "summary compressed", map[string]any{
			"user":       userID,
			"summary_id": sm.ID,
			"turn_range": turnRange,
		})
	}
}
