package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperResearcher/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "papers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSession(t *testing.T, store *Store) domain.Session {
	t.Helper()
	session := domain.Session{
		ID:          "session-1",
		Topic:       "adaptive filtering",
		Keywords:    []string{"kalman filter", "adaptive"},
		MaxSearch:   100,
		MaxAnalysis: 20,
		Threshold:   60,
		Status:      domain.SessionActive,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func candidate(sourceID string) domain.Candidate {
	return domain.Candidate{
		SourceID:    sourceID,
		Title:       "Title of " + sourceID,
		Authors:     []string{"A. Author", "B. Author"},
		Abstract:    "An abstract.",
		URL:         "https://arxiv.org/abs/" + sourceID,
		DocumentURL: "https://arxiv.org/pdf/" + sourceID,
		PublishedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSessionRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	loaded, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Topic, loaded.Topic)
	assert.Equal(t, session.Keywords, loaded.Keywords)
	assert.Equal(t, 60, loaded.Threshold)
	assert.Equal(t, domain.SessionActive, loaded.Status)
	assert.Nil(t, loaded.CompletedAt)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompleteAndReactivateSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	require.NoError(t, store.CompleteSession(ctx, session.ID))
	loaded, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)

	require.NoError(t, store.UpdateSessionParams(ctx, session.ID, 50, 10, 70))
	loaded, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, loaded.Status)
	assert.Nil(t, loaded.CompletedAt)
	assert.Equal(t, 50, loaded.MaxSearch)
	assert.Equal(t, 10, loaded.MaxAnalysis)
	assert.Equal(t, 70, loaded.Threshold)

	err = store.UpdateSessionParams(ctx, "missing", 50, 10, 70)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertCandidateIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	first, err := store.UpsertCandidate(ctx, session.ID, candidate("2403.00001"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscovered, first.Status)
	assert.Equal(t, []string{"A. Author", "B. Author"}, first.Authors)

	score := 85
	require.NoError(t, store.Transition(ctx, first.ID, domain.StatusDiscovered, domain.StatusScored, domain.Update{
		Score: &score,
	}))

	refreshed := candidate("2403.00001")
	refreshed.Title = "Corrected title"
	second, err := store.UpsertCandidate(ctx, session.ID, refreshed)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Corrected title", second.Title)
	assert.Equal(t, domain.StatusScored, second.Status)
	require.NotNil(t, second.Score)
	assert.Equal(t, 85, *second.Score)
}

func TestSamePaperAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	other := session
	other.ID = "session-2"
	require.NoError(t, store.CreateSession(ctx, other))

	first, err := store.UpsertCandidate(ctx, session.ID, candidate("2403.00001"))
	require.NoError(t, err)
	second, err := store.UpsertCandidate(ctx, other.ID, candidate("2403.00001"))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestTransitionCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	record, err := store.UpsertCandidate(ctx, session.ID, candidate("2403.00001"))
	require.NoError(t, err)

	score := 72
	reason := "directly on topic"
	category := "adaptive"
	require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusScored, domain.Update{
		Score:       &score,
		ScoreReason: &reason,
		Category:    &category,
	}))

	// The stored status moved on; a second claim from discovered must lose.
	err = store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusScored, domain.Update{Score: &score})
	assert.ErrorIs(t, err, domain.ErrConflict)

	records, err := store.ListByStatus(ctx, session.ID, domain.StatusScored, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "directly on topic", records[0].ScoreReason)
	assert.Equal(t, "adaptive", records[0].Category)
}

func TestTransitionAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	record, err := store.UpsertCandidate(ctx, session.ID, candidate("2403.00001"))
	require.NoError(t, err)

	reason := "oracle timeout"
	require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusDiscovered, domain.Update{
		LastError:   &reason,
		IncAttempts: true,
	}))
	require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusDiscovered, domain.Update{
		IncAttempts: true,
	}))

	records, err := store.ListByStatus(ctx, session.ID, domain.StatusDiscovered, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Equal(t, "oracle timeout", records[0].LastError)

	attempts := 4
	require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusFetchFailed, domain.Update{
		Attempts: &attempts,
	}))
	records, err = store.ListByStatus(ctx, session.ID, domain.StatusFetchFailed, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 4, records[0].Attempts)
}

func TestTransitionFindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	record, err := store.UpsertCandidate(ctx, session.ID, candidate("2403.00001"))
	require.NoError(t, err)

	findings := domain.Findings{
		ProblemDefinition:    "tracking under model mismatch",
		MathematicalModeling: "state-space with unknown noise covariance",
		CoreInnovation:       []string{"variational noise estimation"},
		TheoreticalGuarantee: domain.Guarantee{Present: true, Description: "bounded estimation error"},
		ExperimentalDesign:   "synthetic plus radar benchmark",
		QuantitativeResults:  "18% RMSE reduction",
		Limitations:          "linear models only",
		InnovationIdeas:      []string{"extend to nonlinear dynamics"},
		Category:             "adaptive",
	}
	require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusAnalyzed, domain.Update{
		Findings: &findings,
		Category: &findings.Category,
	}))

	records, err := store.ListByStatus(ctx, session.ID, domain.StatusAnalyzed, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Findings)
	assert.Equal(t, findings, *records[0].Findings)
}

func TestListByStatusOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	scores := []int{40, 90, 65}
	for i, value := range scores {
		record, err := store.UpsertCandidate(ctx, session.ID, candidate(fmt.Sprintf("2403.0000%d", i+1)))
		require.NoError(t, err)
		score := value
		require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, domain.StatusAccepted, domain.Update{
			Score: &score,
		}))
	}

	records, err := store.ListByStatus(ctx, session.ID, domain.StatusAccepted, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 90, *records[0].Score)
	assert.Equal(t, 65, *records[1].Score)
}

func TestStatusCountsAndCountByStatuses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	statuses := []domain.Status{
		domain.StatusFetching,
		domain.StatusFetched,
		domain.StatusAnalyzed,
		domain.StatusRejected,
		domain.StatusRejected,
	}
	for i, status := range statuses {
		record, err := store.UpsertCandidate(ctx, session.ID, candidate(fmt.Sprintf("2403.0000%d", i+1)))
		require.NoError(t, err)
		require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, status, domain.Update{}))
	}

	counts, err := store.StatusCounts(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{
		domain.StatusFetching: 1,
		domain.StatusFetched:  1,
		domain.StatusAnalyzed: 1,
		domain.StatusRejected: 2,
	}, counts)

	inFlight, err := store.CountByStatuses(ctx, session.ID, domain.InFlightStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 3, inFlight)
}

func TestUsageLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := newTestSession(t, store)

	events := []domain.UsageEvent{
		{SessionID: session.ID, Stage: "gate", Calls: 10, PromptTokens: 5000, CompletionTokens: 800, TotalTokens: 5800},
		{SessionID: session.ID, Stage: "analysis", Calls: 3, PromptTokens: 21000, CompletionTokens: 6000, TotalTokens: 27000},
	}
	for _, event := range events {
		require.NoError(t, store.RecordUsage(ctx, event))
	}

	totals, err := store.SessionUsage(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UsageTotals{
		Calls:            13,
		PromptTokens:     26000,
		CompletionTokens: 6800,
		TotalTokens:      32800,
	}, totals)

	empty, err := store.SessionUsage(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, empty.Calls)
}
