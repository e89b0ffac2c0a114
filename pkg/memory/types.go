package memory

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one raw conversation entry in the active window. Messages are
// deleted once a compaction round archives them into extended history.
type Message struct {
	ID        int64
	UserID    string
	Role      string
	Content   string
	Thinking  string
	Timestamp time.Time
}

// Summary covers a contiguous, non-overlapping turn range for one user.
// Rows are never deleted; promotion to ancient history only flips Archived.
type Summary struct {
	ID          int64
	UserID      string
	TurnStart   int
	TurnEnd     int
	SummaryText string
	Archived    bool
	CreatedAt   time.Time
}

// ExtendedEntry is a write-once frozen copy of an archived message, tagged
// with the summary that superseded it. TurnStart/TurnEnd are filled in by
// search from the tagged summary.
type ExtendedEntry struct {
	ID        int64
	UserID    string
	SummaryID int64
	Role      string
	Content   string
	Thinking  string
	Timestamp time.Time
	TurnStart int
	TurnEnd   int
}

// AncientEntry is one compressed ledger line of long-gone conversation.
// Append-only, insertion-ordered, never mutated.
type AncientEntry struct {
	ID        int64
	UserID    string
	TurnRange string
	Content   string
}

// NoteType identifies one of the three agent-writable note slots.
type NoteType string

const (
	NoteActive    NoteType = "active"
	NoteOngoing   NoteType = "ongoing"
	NotePermanent NoteType = "permanent"
)

// Note is the stored content of one note slot. active/ongoing may be
// overwritten wholesale; permanent only ever grows.
type Note struct {
	UserID    string
	Type      NoteType
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CallType classifies model round-trips for the usage ledger.
type CallType string

const (
	CallMessage     CallType = "message"
	CallSummary     CallType = "summary"
	CallCompression CallType = "compression"
)

// UsageEntry is one append-only usage ledger row.
type UsageEntry struct {
	UserID       string
	CallType     CallType
	InputTokens  int
	OutputTokens int
	InputCost    float64
	OutputCost   float64
	TotalCost    float64
}

// UsageTotals aggregates a user's ledger for spend enforcement.
type UsageTotals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}
