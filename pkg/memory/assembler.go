package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/providers"
)

// Assembler stitches one user's full memory state into a system prompt and
// a recent-message window for the model. Read-only; it never mutates the
// store.
type Assembler struct {
	store Store
	cfg   *config.Config
}

func NewAssembler(store Store, cfg *config.Config) *Assembler {
	return &Assembler{store: store, cfg: cfg}
}

// Assemble returns the layered system prompt and the recent message window
// in chronological order. Section order runs oldest memory to newest:
// persona, ancient history, summaries, notes, then the note protocol.
func (a *Assembler) Assemble(ctx context.Context, userID string) (string, []providers.Message, error) {
	base, err := a.cfg.BaseSystemPrompt()
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString(base)

	ancient, err := a.store.AncientHistory(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("ancient history: %w", err)
	}
	if len(ancient) > 0 {
		b.WriteString("\n\n=== ANCIENT HISTORY ===\n")
		b.WriteString("Compressed record of long-past conversations, oldest first:\n")
		for _, e := range ancient {
			fmt.Fprintf(&b, "\n(%s):\n%s\n", e.TurnRange, e.Content)
		}
	}

	summaries, err := a.store.RecentSummaries(ctx, userID, a.cfg.Memory.RecentSummaryLimit)
	if err != nil {
		return "", nil, fmt.Errorf("recent summaries: %w", err)
	}
	if len(summaries) > 0 {
		b.WriteString("\n\n=== RECENT CONVERSATION SUMMARIES ===\n")
		for _, sm := range summaries {
			fmt.Fprintf(&b, "\nTurns %d-%d Summary:\n%s\n", sm.TurnStart, sm.TurnEnd, sm.SummaryText)
		}
	}

	notes, err := a.store.AllNotes(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("load notes: %w", err)
	}
	for _, nt := range []NoteType{NoteActive, NoteOngoing, NotePermanent} {
		note := notes[nt]
		if note == nil || note.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n=== %s NOTES ===\n%s\n", strings.ToUpper(string(nt)), note.Content)
	}

	b.WriteString(noteProtocolBlock)

	msgs, err := a.window(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	return b.String(), msgs, nil
}

// window loads the newest messages in chronological order and applies the
// optional turn-number and timestamp prefixes to user entries. Turn indices
// are computed backward from the live counter so the newest user message
// always carries the current turn number.
func (a *Assembler) window(ctx context.Context, userID string) ([]providers.Message, error) {
	raw, err := a.store.ListMessages(ctx, userID, a.cfg.Context.Depth*2)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	turn := 0
	if a.cfg.Context.PrefixTurnNumbers {
		turn, err = a.store.TurnCounter(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("turn counter: %w", err)
		}
		for _, m := range raw {
			if m.Role == RoleUser {
				turn--
			}
		}
	}

	out := make([]providers.Message, 0, len(raw))
	for _, m := range raw {
		role := m.Role
		if role == RoleSystem {
			// The messages API accepts user/assistant only; archival
			// markers ride along as bracketed user content.
			role = RoleUser
		}

		content := m.Content
		if m.Role == RoleUser {
			var prefix []string
			if a.cfg.Context.PrefixTurnNumbers {
				turn++
				prefix = append(prefix, fmt.Sprintf("Turn %d", turn))
			}
			if a.cfg.Context.PrefixTimestamps {
				prefix = append(prefix, m.Timestamp.Format("2006-01-02 15:04"))
			}
			if len(prefix) > 0 {
				content = fmt.Sprintf("[%s] %s", strings.Join(prefix, " | "), content)
			}
		}

		// Consecutive same-role entries merge so the window stays
		// strictly alternating after marker rewrites.
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, providers.Message{Role: role, Content: content})
	}
	return out, nil
}
