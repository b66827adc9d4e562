package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

// contentLimit truncates document text before the oracle call, roughly the
// first 10-15 pages of a paper.
const contentLimit = 30000

// Analysis extracts structured findings from fetched documents. A response
// that does not fit the findings schema fails the record; partial findings
// are never persisted because the export side assumes analyzed records are
// complete.
type Analysis struct {
	store   ports.ItemStore
	oracle  ports.AssessmentOracle
	docs    ports.DocumentStore
	logger  *slog.Logger
	workers int
}

// NewAnalysis wires the deep-analysis stage.
func NewAnalysis(store ports.ItemStore, oracle ports.AssessmentOracle, docs ports.DocumentStore, logger *slog.Logger, workers int) *Analysis {
	if workers <= 0 {
		workers = 1
	}
	return &Analysis{store: store, oracle: oracle, docs: docs, logger: logger, workers: workers}
}

// AnalyzeAll processes every fetched record of the session. Returns how many
// records reached analyzed.
func (a *Analysis) AnalyzeAll(ctx context.Context, session domain.Session) (int, error) {
	records, err := a.store.ListByStatus(ctx, session.ID, domain.StatusFetched, 0)
	if err != nil {
		return 0, fmt.Errorf("list fetched: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	var (
		mu       sync.Mutex
		totals   domain.UsageTotals
		advanced int
	)

	eg := new(errgroup.Group)
	eg.SetLimit(a.workers)
	for _, record := range records {
		record := record
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			err := a.store.Transition(ctx, record.ID, domain.StatusFetched, domain.StatusAnalyzing, domain.Update{})
			if errors.Is(err, domain.ErrConflict) {
				a.logger.Debug("record claimed elsewhere", "source_id", record.SourceID)
				return nil
			}
			if err != nil {
				a.logger.Error("claim record for analysis", "source_id", record.SourceID, "error", err)
				return nil
			}

			findings, usage, called, analyzeErr := a.analyzeOne(ctx, session, record)
			if called {
				mu.Lock()
				totals.Add(1, usage)
				mu.Unlock()
			}

			if analyzeErr != nil {
				a.logger.Warn("analysis failed", "source_id", record.SourceID, "error", analyzeErr)
				reason := analyzeErr.Error()
				if errors.Is(analyzeErr, domain.ErrParseFailure) {
					reason = "parse failure: " + reason
				}
				if err := a.store.Transition(ctx, record.ID, domain.StatusAnalyzing, domain.StatusAnalysisFailed, domain.Update{
					LastError:   &reason,
					IncAttempts: true,
				}); err != nil {
					a.logger.Error("record analysis failure", "source_id", record.SourceID, "error", err)
				}
				return nil
			}

			empty := ""
			if err := a.store.Transition(ctx, record.ID, domain.StatusAnalyzing, domain.StatusAnalyzed, domain.Update{
				Findings:  &findings,
				Category:  &findings.Category,
				LastError: &empty,
			}); err != nil {
				a.logger.Error("commit analysis", "source_id", record.SourceID, "error", err)
				return nil
			}

			mu.Lock()
			advanced++
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	if totals.Calls > 0 {
		if err := a.store.RecordUsage(ctx, usageEvent(session.ID, "analysis", totals)); err != nil {
			a.logger.Error("record analysis usage", "error", err)
		}
	}
	return advanced, ctx.Err()
}

func (a *Analysis) analyzeOne(ctx context.Context, session domain.Session, record domain.PaperRecord) (domain.Findings, domain.Usage, bool, error) {
	if record.DocumentPath == "" {
		return domain.Findings{}, domain.Usage{}, false, fmt.Errorf("record has no document path")
	}

	text, err := a.docs.ExtractText(ctx, record.DocumentPath)
	if err != nil {
		return domain.Findings{}, domain.Usage{}, false, fmt.Errorf("extract text: %w", err)
	}
	if len(text) > contentLimit {
		text = text[:contentLimit]
	}

	findings, usage, err := a.oracle.Analyze(ctx, session.Topic, record.Title, text)
	return findings, usage, true, err
}
