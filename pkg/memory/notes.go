package memory

import (
	"context"
	"strings"

	"github.com/koedyhq/koedy/pkg/config"
	"github.com/koedyhq/koedy/pkg/logger"
)

// noteTags maps each inline tag prefix to its note slot. One capture per
// tag per response; a second occurrence of the same tag is left in place.
var noteTags = []struct {
	prefix   string
	noteType NoteType
}{
	{"[ACTIVE NOTE:", NoteActive},
	{"[ONGOING NOTE:", NoteOngoing},
	{"[PERMANENT NOTE:", NotePermanent},
}

// permanentSeparator joins successive permanent note entries; the slot is
// append-only.
const permanentSeparator = "\n\n---\n\n"

// NoteExtractor strips note tags out of assistant replies and applies them
// to the store. Extraction never fails a turn; oversized or unappliable
// notes are dropped with a warning while the tag is still removed from the
// user-visible text.
type NoteExtractor struct {
	store Store
	cfg   config.NotesConfig
}

func NewNoteExtractor(store Store, cfg config.NotesConfig) *NoteExtractor {
	return &NoteExtractor{store: store, cfg: cfg}
}

// Extract returns the reply with all captured tags removed, after applying
// each captured note. Tags close at the first ']' after the prefix; an
// unclosed tag is not a tag and passes through untouched.
func (e *NoteExtractor) Extract(ctx context.Context, userID, reply string) string {
	for _, tag := range noteTags {
		start := strings.Index(reply, tag.prefix)
		if start < 0 {
			continue
		}
		rel := strings.IndexByte(reply[start+len(tag.prefix):], ']')
		if rel < 0 {
			continue
		}
		end := start + len(tag.prefix) + rel

		content := strings.TrimSpace(reply[start+len(tag.prefix) : end])
		reply = reply[:start] + reply[end+1:]

		if content == "" {
			continue
		}
		e.apply(ctx, userID, tag.noteType, content)
	}
	return strings.TrimSpace(reply)
}

func (e *NoteExtractor) apply(ctx context.Context, userID string, noteType NoteType, content string) {
	// The cap applies to the new content alone; a permanent note keeps
	// accepting valid-length appends no matter how large the stored slot
	// has grown.
	maxChars := e.maxChars(noteType)
	if maxChars > 0 && len(content) > maxChars {
		logger.WarnCF("notes", "note over size cap, dropped", map[string]any{
			"user":  userID,
			"type":  string(noteType),
			"chars": len(content),
			"cap":   maxChars,
		})
		return
	}

	next := content
	if noteType == NotePermanent {
		existing, err := e.store.GetNote(ctx, userID, NotePermanent)
		if err != nil {
			logger.WarnCF("notes", "permanent note read failed", map[string]any{"error": err.Error()})
			return
		}
		if existing != nil && existing.Content != "" {
			next = existing.Content + permanentSeparator + content
		}
	}

	if err := e.store.SetNote(ctx, userID, noteType, next); err != nil {
		logger.WarnCF("notes", "note write failed", map[string]any{
			"user":  userID,
			"type":  string(noteType),
			"error": err.Error(),
		})
		return
	}
	logger.DebugCF("notes", "note updated", map[string]any{
		"user":  userID,
		"type":  string(noteType),
		"chars": len(next),
	})
}

func (e *NoteExtractor) maxChars(noteType NoteType) int {
	switch noteType {
	case NoteActive:
		return e.cfg.ActiveMaxChars
	case NoteOngoing:
		return e.cfg.OngoingMaxChars
	case NotePermanent:
		return e.cfg.PermanentMaxChars
	}
	return 0
}
