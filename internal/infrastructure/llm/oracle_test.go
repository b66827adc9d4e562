package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperResearcher/internal/config"
	"PaperResearcher/internal/domain"
)

func newTestOracle(t *testing.T, handler http.HandlerFunc) *Oracle {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOracle(config.OracleConfig{
		Endpoint:          server.URL,
		Model:             "test-model",
		APIKey:            "test-key",
		RequestsPerSecond: 1000,
		Burst:             1000,
	}, nil)
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	response := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     120,
			"completion_tokens": 30,
			"total_tokens":      150,
		},
	}
	require.NoError(t, json.NewEncoder(w).Encode(response))
}

func TestScore(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, 0.3, req.Temperature)
		assert.Equal(t, 4000, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "Adaptive Kalman Filtering")

		chatReply(t, w, `{"relevance_score": 85, "reason": "Directly on topic.", "improvement_category": "adaptive"}`)
	})

	result, usage, err := oracle.Score(context.Background(), "adaptive filtering", "Adaptive Kalman Filtering", "An abstract.")
	require.NoError(t, err)
	assert.Equal(t, 85, result.Score)
	assert.Equal(t, "Directly on topic.", result.Reason)
	assert.Equal(t, "adaptive", result.Category)
	assert.Equal(t, domain.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}, usage)
}

func TestScoreStripsCodeFences(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "```json\n{\"relevance_score\": 40, \"reason\": \"Tangential.\", \"improvement_category\": \"unknown-tag\"}\n```")
	})

	result, _, err := oracle.Score(context.Background(), "topic", "title", "abstract")
	require.NoError(t, err)
	assert.Equal(t, 40, result.Score)
	assert.Equal(t, domain.CategoryOther, result.Category)
}

func TestScoreParseFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"not json", "the paper looks relevant"},
		{"score out of range", `{"relevance_score": 140, "reason": "x", "improvement_category": "other"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
				chatReply(t, w, tc.content)
			})

			_, usage, err := oracle.Score(context.Background(), "topic", "title", "abstract")
			assert.ErrorIs(t, err, domain.ErrParseFailure)
			// Token spend is reported even when the response is unusable.
			assert.Equal(t, 150, usage.TotalTokens)
		})
	}
}

func TestScoreTransientErrors(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "busy", status)
			})

			_, _, err := oracle.Score(context.Background(), "topic", "title", "abstract")
			assert.ErrorIs(t, err, domain.ErrUnavailable)
		})
	}
}

func TestScoreClientErrorIsPermanent(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad api key", http.StatusUnauthorized)
	})

	_, _, err := oracle.Score(context.Background(), "topic", "title", "abstract")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrUnavailable)
}

func TestAnalyze(t *testing.T) {
	findings := domain.Findings{
		ProblemDefinition:    "tracking under model mismatch",
		MathematicalModeling: "state-space with unknown noise",
		CoreInnovation:       []string{"one", "two", "three", "four"},
		TheoreticalGuarantee: domain.Guarantee{Present: true, Description: "bounded error"},
		ExperimentalDesign:   "radar benchmark",
		QuantitativeResults:  "+18%",
		Limitations:          "linear models only",
		InnovationIdeas:      []string{"extend to nonlinear dynamics"},
		Category:             "adaptive",
	}
	payload, err := json.Marshal(findings)
	require.NoError(t, err)

	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, string(payload))
	})

	got, usage, err := oracle.Analyze(context.Background(), "topic", "title", "full text")
	require.NoError(t, err)
	assert.Equal(t, "tracking under model mismatch", got.ProblemDefinition)
	assert.Len(t, got.CoreInnovation, 3)
	assert.True(t, got.TheoreticalGuarantee.Present)
	assert.Equal(t, 150, usage.TotalTokens)
}

func TestAnalyzeRejectsIncompleteFindings(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"problem_definition": "", "core_innovation": []}`)
	})

	_, _, err := oracle.Analyze(context.Background(), "topic", "title", "full text")
	assert.ErrorIs(t, err, domain.ErrParseFailure)
}

func TestSuggestKeywords(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"keywords": ["kalman filter", "  adaptive estimation  ", ""]}`)
	})

	keywords, _, err := oracle.SuggestKeywords(context.Background(), "adaptive filtering")
	require.NoError(t, err)
	assert.Equal(t, []string{"kalman filter", "adaptive estimation"}, keywords)
}

func TestSuggestKeywordsEmptyIsFailure(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"keywords": []}`)
	})

	_, _, err := oracle.SuggestKeywords(context.Background(), "topic")
	assert.ErrorIs(t, err, domain.ErrParseFailure)
}
