package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

const (
	defaultFetchAttempts = 4
	defaultBackoffBase   = 4 * time.Second
	defaultBackoffCap    = 10 * time.Second
)

// Retrieval downloads primary documents for promoted records. Each record is
// claimed with a CAS transition before any network IO so a concurrent resume
// cannot double-fetch it.
type Retrieval struct {
	store       ports.ItemStore
	docs        ports.DocumentStore
	logger      *slog.Logger
	workers     int
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewRetrieval wires the retrieval stage.
func NewRetrieval(store ports.ItemStore, docs ports.DocumentStore, logger *slog.Logger, workers int) *Retrieval {
	if workers <= 0 {
		workers = 1
	}
	return &Retrieval{
		store:       store,
		docs:        docs,
		logger:      logger,
		workers:     workers,
		maxAttempts: defaultFetchAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}
}

// FetchAll downloads the given accepted records. Per-record failures are
// isolated: a failed download marks that record fetch_failed and the rest of
// the batch proceeds. Returns how many records reached fetched.
func (r *Retrieval) FetchAll(ctx context.Context, records []domain.PaperRecord) int {
	var (
		mu       sync.Mutex
		advanced int
	)

	eg := new(errgroup.Group)
	eg.SetLimit(r.workers)
	for _, record := range records {
		record := record
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			err := r.store.Transition(ctx, record.ID, domain.StatusAccepted, domain.StatusFetching, domain.Update{})
			if errors.Is(err, domain.ErrConflict) {
				r.logger.Debug("record claimed elsewhere", "source_id", record.SourceID)
				return nil
			}
			if err != nil {
				r.logger.Error("claim record for fetch", "source_id", record.SourceID, "error", err)
				return nil
			}

			path, attempts, fetchErr := r.download(ctx, record)
			if fetchErr != nil {
				r.logger.Warn("fetch failed", "source_id", record.SourceID, "attempts", attempts, "error", fetchErr)
				reason := fetchErr.Error()
				if err := r.store.Transition(ctx, record.ID, domain.StatusFetching, domain.StatusFetchFailed, domain.Update{
					LastError: &reason,
					Attempts:  &attempts,
				}); err != nil {
					r.logger.Error("record fetch failure", "source_id", record.SourceID, "error", err)
				}
				return nil
			}

			empty := ""
			if err := r.store.Transition(ctx, record.ID, domain.StatusFetching, domain.StatusFetched, domain.Update{
				DocumentPath: &path,
				LastError:    &empty,
				Attempts:     &attempts,
			}); err != nil {
				r.logger.Error("commit fetch", "source_id", record.SourceID, "error", err)
				return nil
			}

			mu.Lock()
			advanced++
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return advanced
}

// download fetches one document with bounded exponential backoff for
// transient errors. Permanent failures (not found, validation) abort
// immediately; they stay operator-retryable through the fetch_failed status.
func (r *Retrieval) download(ctx context.Context, record domain.PaperRecord) (string, int, error) {
	if path, ok := r.docs.Existing(record.SourceID); ok {
		return path, 0, nil
	}
	if record.DocumentURL == "" {
		return "", 0, fmt.Errorf("record has no document url")
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, r.delay(attempt)); err != nil {
				return "", attempt - 1, err
			}
		}

		data, err := r.docs.Fetch(ctx, record.DocumentURL)
		if err == nil {
			path, storeErr := r.docs.Store(record.SourceID, data)
			if storeErr != nil {
				return "", attempt, storeErr
			}
			return path, attempt, nil
		}

		lastErr = err
		if !errors.Is(err, domain.ErrUnavailable) {
			return "", attempt, err
		}
	}
	return "", r.maxAttempts, lastErr
}

func (r *Retrieval) delay(attempt int) time.Duration {
	delay := r.backoffBase << (attempt - 2)
	if delay > r.backoffCap {
		delay = r.backoffCap
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
