package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process assistant. One shared connection avoids writer lock
	// contention with SQLite when two users' turns overlap.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			thinking TEXT NOT NULL DEFAULT '',
			ts_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_user_idx ON messages(user_id, id);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			turn_start INTEGER NOT NULL,
			turn_end INTEGER NOT NULL,
			summary_text TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS summaries_user_idx ON summaries(user_id, archived, id);`,
		`CREATE TABLE IF NOT EXISTS extended_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			summary_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			thinking TEXT NOT NULL DEFAULT '',
			ts_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS extended_user_idx ON extended_history(user_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS ancient_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			turn_range TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS ancient_user_idx ON ancient_history(user_id, id);`,
		`CREATE TABLE IF NOT EXISTS notes (
			user_id TEXT NOT NULL,
			note_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(user_id, note_type)
		);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY(user_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			call_type TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			input_cost REAL NOT NULL,
			output_cost REAL NOT NULL,
			total_cost REAL NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS usage_user_idx ON token_usage(user_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

// === messages ===

func (s *SQLiteStore) AddMessage(ctx context.Context, msg Message) (int64, error) {
	if strings.TrimSpace(msg.UserID) == "" {
		return 0, fmt.Errorf("add message: empty user_id")
	}
	if strings.TrimSpace(msg.Role) == "" {
		return 0, fmt.Errorf("add message: empty role")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages(user_id, role, content, thinking, ts_ms)
VALUES(?, ?, ?, ?, ?)`, msg.UserID, msg.Role, msg.Content, msg.Thinking, msg.Timestamp.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("add message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add message id: %w", err)
	}
	return id, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var tsMS int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.Thinking, &tsMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(tsMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// ListMessages returns the user's messages in chronological order. A
// positive limit keeps only the newest limit entries (still chronological).
func (s *SQLiteStore) ListMessages(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, role, content, thinking, ts_ms
FROM messages WHERE user_id = ? ORDER BY id`, userID)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		defer rows.Close()
		return scanMessages(rows)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, role, content, thinking, ts_ms
FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) MessageCount(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) OldestMessages(ctx context.Context, userID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, role, content, thinking, ts_ms
FROM messages WHERE user_id = ? ORDER BY id LIMIT ?`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("oldest messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// === summaries ===

func (s *SQLiteStore) AddSummary(ctx context.Context, userID string, turnStart, turnEnd int, text string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO summaries(user_id, turn_start, turn_end, summary_text, archived, created_at_ms)
VALUES(?, ?, ?, ?, 0, ?)`, userID, turnStart, turnEnd, text, nowMS())
	if err != nil {
		return 0, fmt.Errorf("add summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add summary id: %w", err)
	}
	return id, nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	out := []Summary{}
	for rows.Next() {
		var sm Summary
		var archived int
		var createdMS int64
		if err := rows.Scan(&sm.ID, &sm.UserID, &sm.TurnStart, &sm.TurnEnd, &sm.SummaryText, &archived, &createdMS); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sm.Archived = archived != 0
		sm.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

// RecentSummaries returns the newest non-archived summaries, oldest of the
// selected first.
func (s *SQLiteStore) RecentSummaries(ctx context.Context, userID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 2
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, turn_start, turn_end, summary_text, archived, created_at_ms
FROM summaries WHERE user_id = ? AND archived = 0 ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	defer rows.Close()

	out, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, turn_start, turn_end, summary_text, archived, created_at_ms
FROM summaries WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// TotalTurnsSummarized returns the turn_end of the most recently created
// summary, 0 when none exist. Summary ranges are contiguous, so this is the
// count of turns already rolled up.
func (s *SQLiteStore) TotalTurnsSummarized(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT turn_end FROM summaries WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
	var turnEnd int
	if err := row.Scan(&turnEnd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("total turns summarized: %w", err)
	}
	return turnEnd, nil
}

func (s *SQLiteStore) NonArchivedSummaryCount(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM summaries WHERE user_id = ? AND archived = 0`, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("non-archived summary count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) OldestNonArchivedSummary(ctx context.Context, userID string) (*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, turn_start, turn_end, summary_text, archived, created_at_ms
FROM summaries WHERE user_id = ? AND archived = 0 ORDER BY id LIMIT 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("oldest non-archived summary: %w", err)
	}
	defer rows.Close()

	out, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *SQLiteStore) MarkSummaryArchived(ctx context.Context, summaryID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE summaries SET archived = 1 WHERE id = ?`, summaryID); err != nil {
		return fmt.Errorf("mark summary archived: %w", err)
	}
	return nil
}

// === extended history ===

func (s *SQLiteStore) ArchiveMessages(ctx context.Context, userID string, msgs []Message, summaryID int64) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive messages begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO extended_history(user_id, summary_id, role, content, thinking, ts_ms)
VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("archive messages prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, userID, summaryID, m.Role, m.Content, m.Thinking, ts.UnixMilli()); err != nil {
			return fmt.Errorf("archive message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive messages commit: %w", err)
	}
	return nil
}

// SearchExtendedHistory does a substring match over content and thinking,
// newest first, and annotates hits with their summary's turn range.
func (s *SQLiteStore) SearchExtendedHistory(ctx context.Context, userID, query string, limit int) ([]ExtendedEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.user_id, e.summary_id, e.role, e.content, e.thinking, e.ts_ms,
	COALESCE(sm.turn_start, 0), COALESCE(sm.turn_end, 0)
FROM extended_history e
LEFT JOIN summaries sm ON sm.id = e.summary_id
WHERE e.user_id = ?
AND (e.content LIKE ? OR e.thinking LIKE ?)
ORDER BY e.id DESC
LIMIT ?`, userID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search extended history: %w", err)
	}
	defer rows.Close()

	out := []ExtendedEntry{}
	for rows.Next() {
		var e ExtendedEntry
		var tsMS int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.SummaryID, &e.Role, &e.Content, &e.Thinking, &tsMS, &e.TurnStart, &e.TurnEnd); err != nil {
			return nil, fmt.Errorf("scan extended entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extended entries: %w", err)
	}
	return out, nil
}

// === ancient history ===

func (s *SQLiteStore) AncientHistory(ctx context.Context, userID string) ([]AncientEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, turn_range, content
FROM ancient_history WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ancient history: %w", err)
	}
	defer rows.Close()

	out := []AncientEntry{}
	for rows.Next() {
		var e AncientEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.TurnRange, &e.Content); err != nil {
			return nil, fmt.Errorf("scan ancient entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancient entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddAncientEntry(ctx context.Context, userID, turnRange, content string) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO ancient_history(user_id, turn_range, content, created_at_ms)
VALUES(?, ?, ?, ?)`, userID, turnRange, content, nowMS()); err != nil {
		return fmt.Errorf("add ancient entry: %w", err)
	}
	return nil
}

// === notes ===

func (s *SQLiteStore) GetNote(ctx context.Context, userID string, noteType NoteType) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, note_type, content, created_at_ms, updated_at_ms
FROM notes WHERE user_id = ? AND note_type = ?`, userID, string(noteType))

	var n Note
	var nt string
	var createdMS, updatedMS int64
	if err := row.Scan(&n.UserID, &nt, &n.Content, &createdMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get note: %w", err)
	}
	n.Type = NoteType(nt)
	n.CreatedAt = time.UnixMilli(createdMS)
	n.UpdatedAt = time.UnixMilli(updatedMS)
	return &n, nil
}

func (s *SQLiteStore) SetNote(ctx context.Context, userID string, noteType NoteType, content string) error {
	now := nowMS()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO notes(user_id, note_type, content, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(user_id, note_type) DO UPDATE SET
	content = excluded.content,
	updated_at_ms = excluded.updated_at_ms`, userID, string(noteType), content, now, now); err != nil {
		return fmt.Errorf("set note: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AllNotes(ctx context.Context, userID string) (map[NoteType]*Note, error) {
	out := map[NoteType]*Note{}
	for _, nt := range []NoteType{NoteActive, NoteOngoing, NotePermanent} {
		note, err := s.GetNote(ctx, userID, nt)
		if err != nil {
			return nil, err
		}
		out[nt] = note
	}
	return out, nil
}

// ClearNote deletes an active/ongoing note. Permanent notes may never be
// cleared; the call reports false without touching the row.
func (s *SQLiteStore) ClearNote(ctx context.Context, userID string, noteType NoteType) (bool, error) {
	if noteType == NotePermanent {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM notes WHERE user_id = ? AND note_type = ?`, userID, string(noteType))
	if err != nil {
		return false, fmt.Errorf("clear note: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// === turn counter ===

const turnCounterKey = "turn_counter"

func (s *SQLiteStore) TurnCounter(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT value FROM metadata WHERE user_id = ? AND key = ?`, userID, turnCounterKey)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("turn counter: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("turn counter value %q: %w", raw, err)
	}
	return n, nil
}

func (s *SQLiteStore) IncrementTurnCounter(ctx context.Context, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("increment turn counter begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO metadata(user_id, key, value)
VALUES(?, ?, '1')
ON CONFLICT(user_id, key) DO UPDATE SET
	value = CAST(CAST(metadata.value AS INTEGER) + 1 AS TEXT)`, userID, turnCounterKey); err != nil {
		return 0, fmt.Errorf("increment turn counter: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
SELECT value FROM metadata WHERE user_id = ? AND key = ?`, userID, turnCounterKey)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return 0, fmt.Errorf("increment turn counter read: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("turn counter value %q: %w", raw, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("increment turn counter commit: %w", err)
	}
	return n, nil
}

// SetTurnCounter exists for the main-call rollback path only.
func (s *SQLiteStore) SetTurnCounter(ctx context.Context, userID string, value int) error {
	if value < 0 {
		value = 0
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO metadata(user_id, key, value)
VALUES(?, ?, ?)
ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`, userID, turnCounterKey, strconv.Itoa(value)); err != nil {
		return fmt.Errorf("set turn counter: %w", err)
	}
	return nil
}

// === usage ledger ===

func (s *SQLiteStore) LogUsage(ctx context.Context, entry UsageEntry) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO token_usage(user_id, call_type, input_tokens, output_tokens, input_cost, output_cost, total_cost, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, string(entry.CallType), entry.InputTokens, entry.OutputTokens,
		entry.InputCost, entry.OutputCost, entry.TotalCost, nowMS()); err != nil {
		return fmt.Errorf("log usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TotalUsage(ctx context.Context, userID string) (UsageTotals, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_cost), 0)
FROM token_usage WHERE user_id = ?`, userID)
	var out UsageTotals
	if err := row.Scan(&out.InputTokens, &out.OutputTokens, &out.TotalCost); err != nil {
		return UsageTotals{}, fmt.Errorf("total usage: %w", err)
	}
	return out, nil
}
