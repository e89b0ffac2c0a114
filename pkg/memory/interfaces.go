package memory

import "context"

// Store provides durable persistence for all memory state. Implementations
// expose point reads/writes only; the core assumes no cross-entity
// transactions.
type Store interface {
	Close() error

	AddMessage(ctx context.Context, msg Message) (int64, error)
	ListMessages(ctx context.Context, userID string, limit int) ([]Message, error)
	MessageCount(ctx context.Context, userID string) (int, error)
	OldestMessages(ctx context.Context, userID string, n int) ([]Message, error)
	DeleteMessages(ctx context.Context, ids []int64) error

	AddSummary(ctx context.Context, userID string, turnStart, turnEnd int, text string) (int64, error)
	RecentSummaries(ctx context.Context, userID string, limit int) ([]Summary, error)
	ListSummaries(ctx context.Context, userID string) ([]Summary, error)
	TotalTurnsSummarized(ctx context.Context, userID string) (int, error)
	NonArchivedSummaryCount(ctx context.Context, userID string) (int, error)
	OldestNonArchivedSummary(ctx context.Context, userID string) (*Summary, error)
	MarkSummaryArchived(ctx context.Context, summaryID int64) error

	ArchiveMessages(ctx context.Context, userID string, msgs []Message, summaryID int64) error
	SearchExtendedHistory(ctx context.Context, userID, query string, limit int) ([]ExtendedEntry, error)

	AncientHistory(ctx context.Context, userID string) ([]AncientEntry, error)
	AddAncientEntry(ctx context.Context, userID, turnRange, content string) error

	GetNote(ctx context.Context, userID string, noteType NoteType) (*Note, error)
	SetNote(ctx context.Context, userID string, noteType NoteType, content string) error
	AllNotes(ctx context.Context, userID string) (map[NoteType]*Note, error)
	ClearNote(ctx context.Context, userID string, noteType NoteType) (bool, error)

	TurnCounter(ctx context.Context, userID string) (int, error)
	IncrementTurnCounter(ctx context.Context, userID string) (int, error)
	SetTurnCounter(ctx context.Context, userID string, value int) error

	LogUsage(ctx context.Context, entry UsageEntry) error
	TotalUsage(ctx context.Context, userID string) (UsageTotals, error)
}
