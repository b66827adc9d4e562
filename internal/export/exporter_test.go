package export

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(filepath.Join(t.TempDir(), "papers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	session := domain.Session{
		ID:          "session-1",
		Topic:       "adaptive filtering",
		Keywords:    []string{"kalman filter"},
		MaxSearch:   10,
		MaxAnalysis: 3,
		Threshold:   60,
		Status:      domain.SessionActive,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(ctx, session))

	seed := []struct {
		id       string
		title    string
		score    int
		status   domain.Status
		findings *domain.Findings
	}{
		{"2403.00001", "Adaptive Kalman Filtering", 90, domain.StatusAnalyzed, &domain.Findings{
			ProblemDefinition: "tracking under model mismatch",
			CoreInnovation:    []string{"variational noise estimation"},
			InnovationIdeas:   []string{"extend to nonlinear dynamics", "shared idea"},
			Category:          "adaptive",
		}},
		{"2403.00002", "Robust State Estimation", 75, domain.StatusAnalyzed, &domain.Findings{
			ProblemDefinition:    "outlier-heavy measurements",
			CoreInnovation:       []string{"heavy-tailed noise model"},
			TheoreticalGuarantee: domain.Guarantee{Present: true, Description: "bounded influence"},
			InnovationIdeas:      []string{"shared idea"},
			Category:             "theoretical",
		}},
		{"2403.00003", "Unrelated Survey", 20, domain.StatusRejected, nil},
	}
	for _, paper := range seed {
		record, err := store.UpsertCandidate(ctx, session.ID, domain.Candidate{
			SourceID: paper.id,
			Title:    paper.title,
			Authors:  []string{"A. Author"},
			URL:      "https://arxiv.org/abs/" + paper.id,
		})
		require.NoError(t, err)

		score := paper.score
		category := ""
		if paper.findings != nil {
			category = paper.findings.Category
		}
		require.NoError(t, store.Transition(ctx, record.ID, domain.StatusDiscovered, paper.status, domain.Update{
			Score:    &score,
			Category: &category,
			Findings: paper.findings,
		}))
	}

	return store, session.ID
}

func TestExport(t *testing.T) {
	store, sessionID := seedStore(t)
	dir := t.TempDir()

	exporter := NewExporter(store, dir, discardLogger())
	result, err := exporter.Export(context.Background(), sessionID, false)
	require.NoError(t, err)

	file, err := os.Open(result.CSVPath)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "source_id", rows[0][0])
	assert.Equal(t, "2403.00001", rows[1][0])
	assert.Equal(t, "90", rows[1][5])
	assert.Equal(t, "2403.00002", rows[2][0])

	report, err := os.ReadFile(result.ReportPath)
	require.NoError(t, err)
	text := string(report)

	assert.Contains(t, text, "# Literature Review: adaptive filtering")
	assert.Contains(t, text, "| adaptive | 1 |")
	assert.Contains(t, text, "| theoretical | 1 |")
	assert.Contains(t, text, "### Adaptive Kalman Filtering")
	assert.Contains(t, text, "**Theoretical guarantee.** bounded influence")
	assert.Contains(t, text, "- extend to nonlinear dynamics (from 2403.00001)")
	// Duplicate ideas are aggregated once.
	assert.Equal(t, 1, strings.Count(text, "- shared idea"))
	// The rejected record never reaches the review.
	assert.NotContains(t, text, "Unrelated Survey")
}

func TestExportIncludeRejected(t *testing.T) {
	store, sessionID := seedStore(t)
	dir := t.TempDir()

	exporter := NewExporter(store, dir, discardLogger())
	result, err := exporter.Export(context.Background(), sessionID, true)
	require.NoError(t, err)

	file, err := os.Open(result.CSVPath)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	// Rejected records are merged in score order for the audit view.
	assert.Equal(t, "2403.00003", rows[3][0])
	assert.Equal(t, string(domain.StatusRejected), rows[3][4])
}

func TestExportMissingSession(t *testing.T) {
	store, _ := seedStore(t)
	exporter := NewExporter(store, t.TempDir(), discardLogger())

	_, err := exporter.Export(context.Background(), "missing", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
