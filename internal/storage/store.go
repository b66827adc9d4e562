package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    topic TEXT NOT NULL,
    keywords TEXT NOT NULL DEFAULT '[]',
    max_search INTEGER NOT NULL,
    max_analysis INTEGER NOT NULL,
    threshold INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS papers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    source_id TEXT NOT NULL,
    title TEXT NOT NULL,
    authors TEXT NOT NULL DEFAULT '[]',
    abstract TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    document_url TEXT NOT NULL DEFAULT '',
    published_at TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'discovered',
    relevance_score INTEGER,
    score_reason TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    document_path TEXT NOT NULL DEFAULT '',
    findings TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(source_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_papers_session_status ON papers(session_id, status);

CREATE TABLE IF NOT EXISTS usage_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    stage TEXT NOT NULL,
    calls INTEGER NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    total_tokens INTEGER NOT NULL,
    created_at TEXT NOT NULL
);
`

// Store persists sessions, paper records, and the usage ledger in SQLite.
// It is the only shared mutable state of the pipeline; stages coordinate
// exclusively through its compare-and-swap transitions.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ ports.ItemStore = (*Store)(nil)

// Open creates the database file (and parent directory) if needed and
// initializes the schema. WAL mode keeps concurrent stage writers happy.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, sb: sq.StatementBuilder}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row in the active state.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	keywords, err := json.Marshal(session.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	_, err = s.sb.Insert("sessions").
		Columns("id", "topic", "keywords", "max_search", "max_analysis", "threshold", "status", "created_at").
		Values(session.ID, session.Topic, string(keywords), session.MaxSearch, session.MaxAnalysis, session.Threshold, domain.SessionActive, formatTime(session.CreatedAt)).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by identifier.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.sb.Select("id", "topic", "keywords", "max_search", "max_analysis", "threshold", "status", "created_at", "completed_at").
		From("sessions").Where(sq.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx)

	var (
		session     domain.Session
		keywords    string
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&session.ID, &session.Topic, &keywords, &session.MaxSearch, &session.MaxAnalysis, &session.Threshold, &session.Status, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(keywords), &session.Keywords); err != nil {
		return domain.Session{}, fmt.Errorf("decode keywords: %w", err)
	}
	session.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		session.CompletedAt = &t
	}
	return session, nil
}

// UpdateSessionParams persists retuned funnel parameters on resume and
// reactivates the session.
func (s *Store) UpdateSessionParams(ctx context.Context, id string, maxSearch, maxAnalysis, threshold int) error {
	res, err := s.sb.Update("sessions").
		Set("max_search", maxSearch).
		Set("max_analysis", maxAnalysis).
		Set("threshold", threshold).
		Set("status", domain.SessionActive).
		Set("completed_at", nil).
		Where(sq.Eq{"id": id}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update session params: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CompleteSession stamps the session as finished.
func (s *Store) CompleteSession(ctx context.Context, id string) error {
	_, err := s.sb.Update("sessions").
		Set("status", domain.SessionCompleted).
		Set("completed_at", formatTime(time.Now().UTC())).
		Where(sq.Eq{"id": id}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

// UpsertCandidate inserts a paper record or, when (source_id, session_id)
// already exists, refreshes its bibliographic fields only. Status, score,
// and analysis fields of an existing row are never touched here.
func (s *Store) UpsertCandidate(ctx context.Context, sessionID string, candidate domain.Candidate) (domain.PaperRecord, error) {
	authors, err := json.Marshal(candidate.Authors)
	if err != nil {
		return domain.PaperRecord{}, fmt.Errorf("marshal authors: %w", err)
	}
	now := formatTime(time.Now().UTC())

	_, err = s.sb.Insert("papers").
		Columns("session_id", "source_id", "title", "authors", "abstract", "url", "document_url", "published_at", "status", "created_at", "updated_at").
		Values(sessionID, candidate.SourceID, candidate.Title, string(authors), candidate.Abstract, candidate.URL, candidate.DocumentURL, formatTime(candidate.PublishedAt), domain.StatusDiscovered, now, now).
		Suffix(`ON CONFLICT(source_id, session_id) DO UPDATE SET
            title = excluded.title,
            authors = excluded.authors,
            abstract = excluded.abstract,
            url = excluded.url,
            document_url = excluded.document_url,
            published_at = excluded.published_at,
            updated_at = excluded.updated_at`).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return domain.PaperRecord{}, fmt.Errorf("upsert candidate %s: %w", candidate.SourceID, err)
	}

	return s.getBySourceID(ctx, sessionID, candidate.SourceID)
}

func (s *Store) getBySourceID(ctx context.Context, sessionID, sourceID string) (domain.PaperRecord, error) {
	rows, err := s.selectPapers().
		Where(sq.Eq{"session_id": sessionID, "source_id": sourceID}).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return domain.PaperRecord{}, fmt.Errorf("query paper: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return domain.PaperRecord{}, fmt.Errorf("paper %s: %w", sourceID, domain.ErrNotFound)
	}
	record, err := scanPaper(rows)
	if err != nil {
		return domain.PaperRecord{}, err
	}
	return record, rows.Err()
}

// ListByStatus returns records at the given status ordered by relevance
// score descending, then source id, so funnel promotion is deterministic.
func (s *Store) ListByStatus(ctx context.Context, sessionID string, status domain.Status, limit int) ([]domain.PaperRecord, error) {
	query := s.selectPapers().
		Where(sq.Eq{"session_id": sessionID, "status": string(status)}).
		OrderBy("relevance_score DESC", "source_id ASC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}

	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list by status %s: %w", status, err)
	}
	defer rows.Close()

	var records []domain.PaperRecord
	for rows.Next() {
		record, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Transition moves a record from one status to another with compare-and-swap
// semantics: the update only lands when the stored status still equals from.
// Concurrent claimants on the same record see domain.ErrConflict.
func (s *Store) Transition(ctx context.Context, recordID int64, from, to domain.Status, update domain.Update) error {
	query := s.sb.Update("papers").
		Set("status", string(to)).
		Set("updated_at", formatTime(time.Now().UTC()))

	if update.Score != nil {
		query = query.Set("relevance_score", *update.Score)
	}
	if update.ScoreReason != nil {
		query = query.Set("score_reason", *update.ScoreReason)
	}
	if update.Category != nil {
		query = query.Set("category", *update.Category)
	}
	if update.DocumentPath != nil {
		query = query.Set("document_path", *update.DocumentPath)
	}
	if update.Findings != nil {
		findings, err := json.Marshal(update.Findings)
		if err != nil {
			return fmt.Errorf("marshal findings: %w", err)
		}
		query = query.Set("findings", string(findings))
	}
	if update.LastError != nil {
		query = query.Set("last_error", *update.LastError)
	}
	if update.Attempts != nil {
		query = query.Set("attempts", *update.Attempts)
	}
	if update.IncAttempts {
		query = query.Set("attempts", sq.Expr("attempts + 1"))
	}

	res, err := query.Where(sq.Eq{"id": recordID, "status": string(from)}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("transition %d %s->%s: %w", recordID, from, to, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("record %d is not %s: %w", recordID, from, domain.ErrConflict)
	}
	return nil
}

// CountByStatuses counts session records in any of the given statuses.
func (s *Store) CountByStatuses(ctx context.Context, sessionID string, statuses ...domain.Status) (int, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	var count int
	err := s.sb.Select("COUNT(*)").From("papers").
		Where(sq.Eq{"session_id": sessionID, "status": values}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by statuses: %w", err)
	}
	return count, nil
}

// StatusCounts reports how many session records sit at each status.
func (s *Store) StatusCounts(ctx context.Context, sessionID string) (map[domain.Status]int, error) {
	rows, err := s.sb.Select("status", "COUNT(*)").From("papers").
		Where(sq.Eq{"session_id": sessionID}).
		GroupBy("status").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := map[domain.Status]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = count
	}
	return counts, rows.Err()
}

// RecordUsage appends one ledger entry. The ledger is insert-only.
func (s *Store) RecordUsage(ctx context.Context, event domain.UsageEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sb.Insert("usage_events").
		Columns("session_id", "stage", "calls", "prompt_tokens", "completion_tokens", "total_tokens", "created_at").
		Values(event.SessionID, event.Stage, event.Calls, event.PromptTokens, event.CompletionTokens, event.TotalTokens, formatTime(createdAt)).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// SessionUsage aggregates the ledger for one session.
func (s *Store) SessionUsage(ctx context.Context, sessionID string) (domain.UsageTotals, error) {
	var totals domain.UsageTotals
	err := s.sb.Select(
		"COALESCE(SUM(calls), 0)",
		"COALESCE(SUM(prompt_tokens), 0)",
		"COALESCE(SUM(completion_tokens), 0)",
		"COALESCE(SUM(total_tokens), 0)",
	).From("usage_events").
		Where(sq.Eq{"session_id": sessionID}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&totals.Calls, &totals.PromptTokens, &totals.CompletionTokens, &totals.TotalTokens)
	if err != nil {
		return domain.UsageTotals{}, fmt.Errorf("session usage: %w", err)
	}
	return totals, nil
}

func (s *Store) selectPapers() sq.SelectBuilder {
	return s.sb.Select(
		"id", "session_id", "source_id", "title", "authors", "abstract", "url",
		"document_url", "published_at", "status", "relevance_score", "score_reason",
		"category", "document_path", "findings", "attempts", "last_error",
		"created_at", "updated_at",
	).From("papers")
}

func scanPaper(rows *sql.Rows) (domain.PaperRecord, error) {
	var (
		record      domain.PaperRecord
		authors     string
		publishedAt string
		status      string
		score       sql.NullInt64
		findings    sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := rows.Scan(
		&record.ID, &record.SessionID, &record.SourceID, &record.Title, &authors,
		&record.Abstract, &record.URL, &record.DocumentURL, &publishedAt, &status,
		&score, &record.ScoreReason, &record.Category, &record.DocumentPath,
		&findings, &record.Attempts, &record.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.PaperRecord{}, fmt.Errorf("scan paper: %w", err)
	}

	if err := json.Unmarshal([]byte(authors), &record.Authors); err != nil {
		return domain.PaperRecord{}, fmt.Errorf("decode authors: %w", err)
	}
	if findings.Valid {
		var decoded domain.Findings
		if err := json.Unmarshal([]byte(findings.String), &decoded); err != nil {
			return domain.PaperRecord{}, fmt.Errorf("decode findings: %w", err)
		}
		record.Findings = &decoded
	}
	if score.Valid {
		value := int(score.Int64)
		record.Score = &value
	}

	record.Status = domain.Status(status)
	record.PublishedAt = parseTime(publishedAt)
	record.CreatedAt = parseTime(createdAt)
	record.UpdatedAt = parseTime(updatedAt)
	return record, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
