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

// Gate runs the relevance judgment over discovered records and routes them
// through the funnel. Scoring and classification are split on purpose: the
// threshold is a session parameter that may be retuned on a later resume,
// and reclassification must not cost another oracle call.
type Gate struct {
	store   ports.ItemStore
	oracle  ports.AssessmentOracle
	logger  *slog.Logger
	workers int
}

// NewGate wires the relevance gate.
func NewGate(store ports.ItemStore, oracle ports.AssessmentOracle, logger *slog.Logger, workers int) *Gate {
	if workers <= 0 {
		workers = 1
	}
	return &Gate{store: store, oracle: oracle, logger: logger, workers: workers}
}

// ScoreAll judges every discovered record of the session. A failed oracle
// call leaves the record discovered with an incremented attempt counter;
// records are never silently scored zero. Returns how many records advanced
// to scored.
func (g *Gate) ScoreAll(ctx context.Context, session domain.Session) (int, error) {
	records, err := g.store.ListByStatus(ctx, session.ID, domain.StatusDiscovered, 0)
	if err != nil {
		return 0, fmt.Errorf("list discovered: %w", err)
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
	eg.SetLimit(g.workers)
	for _, record := range records {
		record := record
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			result, usage, scoreErr := g.oracle.Score(ctx, session.Topic, record.Title, record.Abstract)
			mu.Lock()
			totals.Add(1, usage)
			mu.Unlock()

			if scoreErr != nil {
				g.logger.Warn("scoring failed", "source_id", record.SourceID, "error", scoreErr)
				reason := scoreErr.Error()
				if err := g.store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusDiscovered, domain.Update{
					LastError:   &reason,
					IncAttempts: true,
				}); err != nil && !errors.Is(err, domain.ErrConflict) {
					g.logger.Error("record score failure", "source_id", record.SourceID, "error", err)
				}
				return nil
			}

			empty := ""
			err := g.store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusScored, domain.Update{
				Score:       &result.Score,
				ScoreReason: &result.Reason,
				Category:    &result.Category,
				LastError:   &empty,
			})
			switch {
			case errors.Is(err, domain.ErrConflict):
				g.logger.Debug("record claimed elsewhere", "source_id", record.SourceID)
			case err != nil:
				g.logger.Error("commit score", "source_id", record.SourceID, "error", err)
			default:
				mu.Lock()
				advanced++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if totals.Calls > 0 {
		if err := g.store.RecordUsage(ctx, usageEvent(session.ID, "gate", totals)); err != nil {
			g.logger.Error("record gate usage", "error", err)
		}
	}
	return advanced, ctx.Err()
}

// Classify applies the session threshold to scored and accepted records
// without invoking the oracle. Rejected records are only reconsidered when
// the operator explicitly asks; rejection is otherwise sticky.
func (g *Gate) Classify(ctx context.Context, session domain.Session, rescoreRejected bool) (accepted, rejected int, err error) {
	statuses := []domain.Status{domain.StatusScored, domain.StatusAccepted}
	if rescoreRejected {
		statuses = append(statuses, domain.StatusRejected)
	}

	for _, status := range statuses {
		records, listErr := g.store.ListByStatus(ctx, session.ID, status, 0)
		if listErr != nil {
			return accepted, rejected, fmt.Errorf("list %s: %w", status, listErr)
		}

		for _, record := range records {
			if record.Score == nil {
				continue
			}

			target := domain.StatusRejected
			if *record.Score >= session.Threshold {
				target = domain.StatusAccepted
			}

			if record.Status != target {
				transErr := g.store.Transition(ctx, record.ID, record.Status, target, domain.Update{})
				if errors.Is(transErr, domain.ErrConflict) {
					continue
				}
				if transErr != nil {
					return accepted, rejected, transErr
				}
			}

			if target == domain.StatusAccepted {
				accepted++
			} else {
				rejected++
			}
		}
	}
	return accepted, rejected, nil
}

// Promote returns the highest-scoring accepted records that fit the
// remaining analysis budget. Records beyond the cap stay accepted: they
// documented their qualification and may be promoted on a later resume if
// the cap grows.
func (g *Gate) Promote(ctx context.Context, session domain.Session) ([]domain.PaperRecord, error) {
	used, err := g.store.CountByStatuses(ctx, session.ID, domain.InFlightStatuses...)
	if err != nil {
		return nil, fmt.Errorf("count in-flight: %w", err)
	}

	budget := session.MaxAnalysis - used
	if budget <= 0 {
		return nil, nil
	}
	return g.store.ListByStatus(ctx, session.ID, domain.StatusAccepted, budget)
}

func usageEvent(sessionID, stage string, totals domain.UsageTotals) domain.UsageEvent {
	return domain.UsageEvent{
		SessionID:        sessionID,
		Stage:            stage,
		Calls:            totals.Calls,
		PromptTokens:     totals.PromptTokens,
		CompletionTokens: totals.CompletionTokens,
		TotalTokens:      totals.TotalTokens,
	}
}
