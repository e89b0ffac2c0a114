package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildExport(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.IncrementTurnCounter(ctx, "u1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := store.AddMessage(ctx, Message{UserID: "u1", Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := store.AddSummary(ctx, "u1", 1, 25, "era one"); err != nil {
		t.Fatalf("add summary: %v", err)
	}
	if err := store.AddAncientEntry(ctx, "u1", "Turns 1-25", "- bullet"); err != nil {
		t.Fatalf("add ancient: %v", err)
	}
	if err := store.SetNote(ctx, "u1", NoteOngoing, "watching a thread"); err != nil {
		t.Fatalf("set note: %v", err)
	}
	if err := store.LogUsage(ctx, UsageEntry{UserID: "u1", CallType: CallMessage, InputTokens: 10, OutputTokens: 5, TotalCost: 0.001}); err != nil {
		t.Fatalf("log usage: %v", err)
	}
	// Another user's state stays out of the snapshot.
	if _, err := store.AddMessage(ctx, Message{UserID: "u2", Role: RoleUser, Content: "other"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	exp, err := BuildExport(ctx, store, "u1")
	if err != nil {
		t.Fatalf("build export: %v", err)
	}

	assert.Equal(t, "u1", exp.UserID)
	assert.Equal(t, 1, exp.TurnCounter)
	assert.Len(t, exp.Messages, 1)
	assert.Len(t, exp.Summaries, 1)
	assert.Len(t, exp.Ancient, 1)
	assert.Equal(t, "watching a thread", exp.Notes["ongoing"])
	assert.Equal(t, 10, exp.Usage.InputTokens)

	path := filepath.Join(t.TempDir(), "export.json")
	if err := WriteExport(path, exp); err != nil {
		t.Fatalf("write export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var roundTrip Export
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	assert.Equal(t, exp.UserID, roundTrip.UserID)
	assert.Len(t, roundTrip.Summaries, 1)
	assert.Equal(t, "era one", roundTrip.Summaries[0].Summary)
	assert.Equal(t, 25, roundTrip.Summaries[0].TurnEnd)
}
