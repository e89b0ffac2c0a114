package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Export is the full portable snapshot of one user's memory state.
type Export struct {
	UserID      string            `json:"user_id"`
	ExportedAt  time.Time         `json:"exported_at"`
	TurnCounter int               `json:"turn_counter"`
	Messages    []exportMessage   `json:"messages"`
	Summaries   []exportSummary   `json:"summaries"`
	Ancient     []exportAncient   `json:"ancient_history"`
	Notes       map[string]string `json:"notes"`
	Usage       UsageTotals       `json:"usage"`
}

type exportMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type exportSummary struct {
	TurnStart int       `json:"turn_start"`
	TurnEnd   int       `json:"turn_end"`
	Summary   string    `json:"summary"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
}

type exportAncient struct {
	TurnRange string `json:"turn_range"`
	Content   string `json:"content"`
}

// BuildExport reads every memory tier for a user into one snapshot.
func BuildExport(ctx context.Context, store Store, userID string) (*Export, error) {
	exp := &Export{
		UserID:     userID,
		ExportedAt: time.Now().UTC(),
		Notes:      map[string]string{},
	}

	turn, err := store.TurnCounter(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("turn counter: %w", err)
	}
	exp.TurnCounter = turn

	msgs, err := store.ListMessages(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		exp.Messages = append(exp.Messages, exportMessage{
			Role:      m.Role,
			Content:   m.Content,
			Thinking:  m.Thinking,
			Timestamp: m.Timestamp,
		})
	}

	summaries, err := store.ListSummaries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	for _, sm := range summaries {
		exp.Summaries = append(exp.Summaries, exportSummary{
			TurnStart: sm.TurnStart,
			TurnEnd:   sm.TurnEnd,
			Summary:   sm.SummaryText,
			Archived:  sm.Archived,
			CreatedAt: sm.CreatedAt,
		})
	}

	ancient, err := store.AncientHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ancient history: %w", err)
	}
	for _, e := range ancient {
		exp.Ancient = append(exp.Ancient, exportAncient{TurnRange: e.TurnRange, Content: e.Content})
	}

	notes, err := store.AllNotes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	for nt, note := range notes {
		if note != nil {
			exp.Notes[string(nt)] = note.Content
		}
	}

	totals, err := store.TotalUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	exp.Usage = totals

	return exp, nil
}

// WriteExport serializes a snapshot to an indented JSON file.
func WriteExport(path string, exp *Export) error {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}
