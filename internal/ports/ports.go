package ports

import (
	"context"

	"PaperResearcher/internal/domain"
)

// PaperSource queries an external index for candidate papers. The limit is a
// hard ceiling; returning fewer results is success, not an error.
type PaperSource interface {
	Search(ctx context.Context, keywords []string, limit int) ([]domain.Candidate, error)
}

// AssessmentOracle produces structured judgments from paper text. Every call
// reports the token cost consumed by the usage ledger.
type AssessmentOracle interface {
	Score(ctx context.Context, topic, title, abstract string) (domain.ScoreResult, domain.Usage, error)
	Analyze(ctx context.Context, topic, title, text string) (domain.Findings, domain.Usage, error)
	SuggestKeywords(ctx context.Context, topic string) ([]string, domain.Usage, error)
}

// DocumentStore downloads primary documents and extracts their text.
type DocumentStore interface {
	// Fetch returns the raw document behind url. It wraps
	// domain.ErrNotFound for permanently missing documents and
	// domain.ErrUnavailable for transient failures.
	Fetch(ctx context.Context, url string) ([]byte, error)
	// Store writes the document under the source id and returns its path.
	Store(sourceID string, data []byte) (string, error)
	// Existing reports a previously stored document, if any.
	Existing(sourceID string) (string, bool)
	// ExtractText converts a stored document into plain text.
	ExtractText(ctx context.Context, path string) (string, error)
}

// ItemStore is the single shared mutable resource of the pipeline. All stage
// coordination happens through its status transitions.
type ItemStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	UpdateSessionParams(ctx context.Context, id string, maxSearch, maxAnalysis, threshold int) error
	CompleteSession(ctx context.Context, id string) error

	// UpsertCandidate is idempotent on (sourceID, sessionID): an existing
	// record gets its bibliographic fields refreshed, never its status.
	UpsertCandidate(ctx context.Context, sessionID string, candidate domain.Candidate) (domain.PaperRecord, error)
	// ListByStatus returns records ordered by relevance score descending.
	// A limit of 0 means no limit.
	ListByStatus(ctx context.Context, sessionID string, status domain.Status, limit int) ([]domain.PaperRecord, error)
	// Transition applies a compare-and-swap status change, returning
	// domain.ErrConflict when the stored status differs from from.
	Transition(ctx context.Context, recordID int64, from, to domain.Status, update domain.Update) error
	CountByStatuses(ctx context.Context, sessionID string, statuses ...domain.Status) (int, error)
	StatusCounts(ctx context.Context, sessionID string) (map[domain.Status]int, error)

	RecordUsage(ctx context.Context, event domain.UsageEvent) error
	SessionUsage(ctx context.Context, sessionID string) (domain.UsageTotals, error)
}
