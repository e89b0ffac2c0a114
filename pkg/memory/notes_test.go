package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/koedyhq/koedy/pkg/config"
)

func testNotesConfig() config.NotesConfig {
	return config.NotesConfig{
		ActiveMaxChars:    100,
		OngoingMaxChars:   200,
		PermanentMaxChars: 300,
	}
}

func newTestExtractor(t *testing.T) (*NoteExtractor, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	return NewNoteExtractor(store, testNotesConfig()), store
}

func TestNoteExtractor_CapturesAndStrips(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	reply := ex.Extract(ctx, "u1", "Sounds like a plan! [ACTIVE NOTE: planning a camping trip] Let me know how it goes.")
	if reply != "Sounds like a plan!  Let me know how it goes." && reply != "Sounds like a plan! Let me know how it goes." {
		t.Fatalf("tag not stripped cleanly: %q", reply)
	}
	if strings.Contains(reply, "ACTIVE NOTE") {
		t.Fatalf("tag leaked into reply: %q", reply)
	}

	note, err := store.GetNote(ctx, "u1", NoteActive)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note == nil || note.Content != "planning a camping trip" {
		t.Fatalf("note not captured: %#v", note)
	}
}

func TestNoteExtractor_ActiveOverwrites(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	ex.Extract(ctx, "u1", "[ACTIVE NOTE: first]")
	ex.Extract(ctx, "u1", "[ACTIVE NOTE: second]")

	note, err := store.GetNote(ctx, "u1", NoteActive)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note == nil || note.Content != "second" {
		t.Fatalf("active note should overwrite: %#v", note)
	}
}

func TestNoteExtractor_PermanentAppends(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	ex.Extract(ctx, "u1", "[PERMANENT NOTE: they got the job]")
	ex.Extract(ctx, "u1", "[PERMANENT NOTE: moved to Portland]")

	note, err := store.GetNote(ctx, "u1", NotePermanent)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	want := "they got the job\n\n---\n\nmoved to Portland"
	if note == nil || note.Content != want {
		t.Fatalf("permanent note should append, got %#v", note)
	}
}

func TestNoteExtractor_PermanentNeverShrinks(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	ex.Extract(ctx, "u1", "[PERMANENT NOTE: a milestone worth keeping]")
	before, err := store.GetNote(ctx, "u1", NotePermanent)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}

	// Oversized append drops; the stored note is untouched.
	ex.Extract(ctx, "u1", "[PERMANENT NOTE: "+strings.Repeat("x", 400)+"]")
	after, err := store.GetNote(ctx, "u1", NotePermanent)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if after.Content != before.Content {
		t.Fatalf("permanent note changed by dropped append: %q -> %q", before.Content, after.Content)
	}
}

func TestNoteExtractor_PermanentAcceptsAppendsPastStoredCap(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	// Grow the stored slot close to the cap; the cap applies to each new
	// entry on its own, so valid-length appends keep landing.
	seed := strings.Repeat("a", 250)
	ex.Extract(ctx, "u1", "[PERMANENT NOTE: "+seed+"]")

	add := strings.Repeat("b", 100)
	ex.Extract(ctx, "u1", "[PERMANENT NOTE: "+add+"]")

	note, err := store.GetNote(ctx, "u1", NotePermanent)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	want := seed + permanentSeparator + add
	if note == nil || note.Content != want {
		t.Fatalf("append past stored cap dropped: got %d chars, want %d", len(note.Content), len(want))
	}
}

func TestNoteExtractor_OversizedDroppedButStillStripped(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	big := strings.Repeat("y", 150)
	reply := ex.Extract(ctx, "u1", "Before. [ACTIVE NOTE: "+big+"] After.")
	if strings.Contains(reply, "ACTIVE NOTE") {
		t.Fatalf("oversized tag leaked: %q", reply)
	}

	note, err := store.GetNote(ctx, "u1", NoteActive)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note != nil {
		t.Fatalf("oversized note should not persist: %#v", note)
	}
}

func TestNoteExtractor_UnclosedTagPassesThrough(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	in := "I wrote [ACTIVE NOTE: without closing it"
	reply := ex.Extract(ctx, "u1", in)
	if reply != in {
		t.Fatalf("unclosed tag mangled: %q", reply)
	}

	note, err := store.GetNote(ctx, "u1", NoteActive)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note != nil {
		t.Fatalf("unclosed tag should not capture: %#v", note)
	}
}

func TestNoteExtractor_AllThreeTagsInOneReply(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	reply := ex.Extract(ctx, "u1",
		"Done! [ACTIVE NOTE: scratch] [ONGOING NOTE: watch the thread] [PERMANENT NOTE: anniversary]")
	if reply != "Done!" {
		t.Fatalf("expected bare reply, got %q", reply)
	}

	for nt, want := range map[NoteType]string{
		NoteActive:    "scratch",
		NoteOngoing:   "watch the thread",
		NotePermanent: "anniversary",
	} {
		note, err := store.GetNote(ctx, "u1", nt)
		if err != nil {
			t.Fatalf("get %s note: %v", nt, err)
		}
		if note == nil || note.Content != want {
			t.Fatalf("%s note wrong: %#v", nt, note)
		}
	}
}

func TestNoteExtractor_EmptyTagIgnored(t *testing.T) {
	ctx := context.Background()
	ex, store := newTestExtractor(t)

	reply := ex.Extract(ctx, "u1", "Fine. [ACTIVE NOTE:   ]")
	if reply != "Fine." {
		t.Fatalf("empty tag not stripped: %q", reply)
	}

	note, err := store.GetNote(ctx, "u1", NoteActive)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if note != nil {
		t.Fatalf("empty tag should not create a note: %#v", note)
	}
}
