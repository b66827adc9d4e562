package domain

import (
	"errors"
	"time"
)

// Status tracks a paper through the funnel. Transitions are guarded by the
// item store's compare-and-swap contract; a record is only ever advanced by
// the stage that currently owns it.
type Status string

const (
	StatusDiscovered     Status = "discovered"
	StatusScored         Status = "scored"
	StatusAccepted       Status = "accepted"
	StatusRejected       Status = "rejected"
	StatusFetching       Status = "fetching"
	StatusFetched        Status = "fetched"
	StatusAnalyzing      Status = "analyzing"
	StatusAnalyzed       Status = "analyzed"
	StatusFetchFailed    Status = "fetch_failed"
	StatusAnalysisFailed Status = "analysis_failed"
)

// InFlightStatuses occupy a slot of the analysis budget. A fetch failure
// releases its slot (the retry path re-enters accepted); an analysis failure
// keeps it, since the document is already on disk.
var InFlightStatuses = []Status{
	StatusFetching,
	StatusFetched,
	StatusAnalyzing,
	StatusAnalyzed,
	StatusAnalysisFailed,
}

var (
	// ErrConflict signals a compare-and-swap transition whose expected
	// status no longer matches the stored one.
	ErrConflict = errors.New("status conflict")
	// ErrNotFound marks a permanently missing remote resource.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a transient external failure worth retrying.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrParseFailure marks an oracle response that does not fit the
	// expected schema. Partial results are never extracted from one.
	ErrParseFailure = errors.New("unparseable oracle response")
)

// Candidate is the metadata a paper source returns for one search hit.
type Candidate struct {
	SourceID    string
	Title       string
	Authors     []string
	Abstract    string
	URL         string
	DocumentURL string
	PublishedAt time.Time
}

// PaperRecord is one paper under one session. The same paper may exist in
// several sessions with independent judgments; uniqueness is enforced over
// (SourceID, SessionID).
type PaperRecord struct {
	ID           int64
	SessionID    string
	SourceID     string
	Title        string
	Authors      []string
	Abstract     string
	URL          string
	DocumentURL  string
	PublishedAt  time.Time
	Status       Status
	Score        *int
	ScoreReason  string
	Category     string
	DocumentPath string
	Findings     *Findings
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Update carries the optional field writes that accompany a status
// transition. Nil pointers leave the stored value untouched.
type Update struct {
	Score        *int
	ScoreReason  *string
	Category     *string
	DocumentPath *string
	Findings     *Findings
	LastError    *string
	Attempts     *int
	IncAttempts  bool
}

// Session is one research run for one topic, with its funnel parameters.
type Session struct {
	ID          string
	Topic       string
	Keywords    []string
	MaxSearch   int
	MaxAnalysis int
	Threshold   int
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// UsageEvent is one append-only ledger entry for oracle spend.
type UsageEvent struct {
	SessionID        string
	Stage            string
	Calls            int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// UsageTotals aggregates the ledger for a session.
type UsageTotals struct {
	Calls            int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Usage reports the token cost of a single oracle call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add folds another call's cost into the total.
func (u *UsageTotals) Add(calls int, usage Usage) {
	u.Calls += calls
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
	u.TotalTokens += usage.TotalTokens
}
