package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"PaperResearcher/internal/config"
	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

// RunOptions selects the session and funnel parameters for one run. Zero
// numeric values fall back to the session's stored parameters (on resume)
// or the configured defaults (on a fresh session).
type RunOptions struct {
	SessionID string
	Topic     string
	Keywords  []string

	MaxSearch   int
	MaxAnalysis int
	Threshold   int

	SkipSearch    bool
	SkipGate      bool
	SkipRetrieval bool
	SkipAnalysis  bool

	// RetryFailed requeues fetch_failed records to accepted and
	// analysis_failed records to fetched before the stages run.
	RetryFailed bool
	// RescoreRejected lets Classify reconsider rejected records, the
	// operator decision required after lowering the threshold.
	RescoreRejected bool
}

// RunReport summarizes what a run advanced and what it cost.
type RunReport struct {
	SessionID    string
	Discovered   int
	Scored       int
	Accepted     int
	Rejected     int
	Fetched      int
	Analyzed     int
	StatusCounts map[domain.Status]int
	Usage        domain.UsageTotals
}

// Controller owns the end-to-end run: session resolution, stage ordering,
// and usage accounting. It keeps no cross-invocation state; everything a
// resume needs is derived from persisted record statuses.
type Controller struct {
	store     ports.ItemStore
	source    ports.PaperSource
	oracle    ports.AssessmentOracle
	gate      *Gate
	retrieval *Retrieval
	analysis  *Analysis
	funnel    config.FunnelConfig
	logger    *slog.Logger
}

// NewController wires the stages around their shared item store.
func NewController(
	store ports.ItemStore,
	source ports.PaperSource,
	oracle ports.AssessmentOracle,
	docs ports.DocumentStore,
	funnel config.FunnelConfig,
	logger *slog.Logger,
) *Controller {
	workers := funnel.MaxConcurrent
	return &Controller{
		store:     store,
		source:    source,
		oracle:    oracle,
		gate:      NewGate(store, oracle, logger.With("component", "gate"), workers),
		retrieval: NewRetrieval(store, docs, logger.With("component", "retrieval"), workers),
		analysis:  NewAnalysis(store, oracle, docs, logger.With("component", "analysis"), workers),
		funnel:    funnel,
		logger:    logger,
	}
}

// Run executes the funnel for one session. Re-invoking it with the same
// session and parameters converges: every stage derives its work purely
// from record statuses.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	session, err := c.resolveSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.logger.Info("session resolved",
		"session_id", session.ID,
		"topic", session.Topic,
		"max_search", session.MaxSearch,
		"max_analysis", session.MaxAnalysis,
		"threshold", session.Threshold,
	)

	report := &RunReport{SessionID: session.ID}

	if opts.RetryFailed {
		if err := c.requeueFailed(ctx, session); err != nil {
			return nil, err
		}
	}

	if !opts.SkipSearch {
		discovered, err := c.populate(ctx, session)
		if err != nil {
			return nil, err
		}
		report.Discovered = discovered
	}

	if !opts.SkipGate {
		scored, err := c.gate.ScoreAll(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("relevance gate: %w", err)
		}
		report.Scored = scored

		accepted, rejected, err := c.gate.Classify(ctx, session, opts.RescoreRejected)
		if err != nil {
			return nil, fmt.Errorf("classify: %w", err)
		}
		report.Accepted = accepted
		report.Rejected = rejected
	}

	if !opts.SkipRetrieval {
		promoted, err := c.gate.Promote(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("promote: %w", err)
		}
		report.Fetched = c.retrieval.FetchAll(ctx, promoted)
	}

	if !opts.SkipAnalysis {
		analyzed, err := c.analysis.AnalyzeAll(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("deep analysis: %w", err)
		}
		report.Analyzed = analyzed
	}

	if report.StatusCounts, err = c.store.StatusCounts(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	if report.Usage, err = c.store.SessionUsage(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("session usage: %w", err)
	}

	if err := c.store.CompleteSession(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	return report, nil
}

// resolveSession loads an existing session or creates a new one. Invalid
// funnel parameters and a missing topic are configuration errors, fatal
// before any record is touched.
func (c *Controller) resolveSession(ctx context.Context, opts RunOptions) (domain.Session, error) {
	if opts.SessionID != "" {
		session, err := c.store.GetSession(ctx, opts.SessionID)
		if err != nil {
			return domain.Session{}, fmt.Errorf("resume session: %w", err)
		}

		retuned := false
		if opts.MaxSearch > 0 && opts.MaxSearch != session.MaxSearch {
			session.MaxSearch = opts.MaxSearch
			retuned = true
		}
		if opts.MaxAnalysis > 0 && opts.MaxAnalysis != session.MaxAnalysis {
			session.MaxAnalysis = opts.MaxAnalysis
			retuned = true
		}
		if opts.Threshold > 0 && opts.Threshold != session.Threshold {
			session.Threshold = opts.Threshold
			retuned = true
		}
		if err := validateFunnel(session.MaxSearch, session.MaxAnalysis, session.Threshold); err != nil {
			return domain.Session{}, err
		}
		if retuned {
			if err := c.store.UpdateSessionParams(ctx, session.ID, session.MaxSearch, session.MaxAnalysis, session.Threshold); err != nil {
				return domain.Session{}, fmt.Errorf("retune session: %w", err)
			}
		}
		return session, nil
	}

	if opts.Topic == "" {
		return domain.Session{}, fmt.Errorf("a research topic or a session id is required")
	}

	session := domain.Session{
		ID:          uuid.NewString(),
		Topic:       opts.Topic,
		Keywords:    opts.Keywords,
		MaxSearch:   valueOr(opts.MaxSearch, c.funnel.MaxSearch),
		MaxAnalysis: valueOr(opts.MaxAnalysis, c.funnel.MaxAnalysis),
		Threshold:   valueOr(opts.Threshold, c.funnel.Threshold),
		Status:      domain.SessionActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := validateFunnel(session.MaxSearch, session.MaxAnalysis, session.Threshold); err != nil {
		return domain.Session{}, err
	}

	if len(session.Keywords) == 0 {
		keywords, usage, err := c.oracle.SuggestKeywords(ctx, session.Topic)
		if err != nil {
			// A topic is always a usable query on its own.
			c.logger.Warn("keyword suggestion failed, using topic verbatim", "error", err)
			keywords = []string{session.Topic}
		}
		session.Keywords = keywords
		if usage.TotalTokens > 0 {
			defer func() {
				totals := domain.UsageTotals{}
				totals.Add(1, usage)
				if err := c.store.RecordUsage(ctx, usageEvent(session.ID, "keywords", totals)); err != nil {
					c.logger.Error("record keyword usage", "error", err)
				}
			}()
		}
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("session created", "session_id", session.ID, "keywords", session.Keywords)
	return session, nil
}

// populate searches the index and upserts candidates. The search ceiling is
// the first funnel layer; a short result set is success.
func (c *Controller) populate(ctx context.Context, session domain.Session) (int, error) {
	candidates, err := c.source.Search(ctx, session.Keywords, session.MaxSearch)
	if err != nil {
		return 0, fmt.Errorf("search index: %w", err)
	}

	inserted := 0
	for _, candidate := range candidates {
		if _, err := c.store.UpsertCandidate(ctx, session.ID, candidate); err != nil {
			c.logger.Warn("upsert candidate", "source_id", candidate.SourceID, "error", err)
			continue
		}
		inserted++
	}
	c.logger.Info("candidates populated", "found", len(candidates), "stored", inserted)
	return inserted, nil
}

// requeueFailed sends failed records back to their stage entry states:
// fetch failures compete for the funnel budget again from accepted,
// analysis failures retry from fetched with their document kept.
func (c *Controller) requeueFailed(ctx context.Context, session domain.Session) error {
	retries := []struct {
		from domain.Status
		to   domain.Status
	}{
		{domain.StatusFetchFailed, domain.StatusAccepted},
		{domain.StatusAnalysisFailed, domain.StatusFetched},
	}

	for _, retry := range retries {
		records, err := c.store.ListByStatus(ctx, session.ID, retry.from, 0)
		if err != nil {
			return fmt.Errorf("list %s: %w", retry.from, err)
		}
		for _, record := range records {
			err := c.store.Transition(ctx, record.ID, retry.from, retry.to, domain.Update{})
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("requeue %s: %w", record.SourceID, err)
			}
			c.logger.Info("record requeued", "source_id", record.SourceID, "from", retry.from, "to", retry.to)
		}
	}
	return nil
}

func validateFunnel(maxSearch, maxAnalysis, threshold int) error {
	if maxSearch <= 0 {
		return fmt.Errorf("max search must be positive, got %d", maxSearch)
	}
	if maxAnalysis <= 0 {
		return fmt.Errorf("max analysis must be positive, got %d", maxAnalysis)
	}
	if threshold < 0 || threshold > 100 {
		return fmt.Errorf("relevance threshold must be in [0,100], got %d", threshold)
	}
	return nil
}

func valueOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
