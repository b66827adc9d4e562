package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"PaperResearcher/internal/config"
	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

const (
	maxResponseTokens = 4000
	temperature       = 0.3
)

// Oracle implements ports.AssessmentOracle against OpenAI-compatible chat
// completion APIs. A token bucket keeps the request rate below the
// provider's limits regardless of how wide the stages fan out.
type Oracle struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ ports.AssessmentOracle = (*Oracle)(nil)

// NewOracle builds a client from configuration.
func NewOracle(cfg config.OracleConfig, logger *slog.Logger) *Oracle {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	return &Oracle{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Score judges how relevant an abstract is to the research topic,
// returning an integer score in [0,100] with a reason and a coarse
// improvement-direction tag.
func (o *Oracle) Score(ctx context.Context, topic, title, abstract string) (domain.ScoreResult, domain.Usage, error) {
	prompt := fmt.Sprintf(`You are an academic paper screening assistant. Judge whether the following paper is relevant to the topic %q.

Paper title: %s

Paper abstract: %s

Respond with JSON in exactly this shape:
{
    "relevance_score": <integer 0-100, 100 means fully relevant>,
    "reason": "<2-3 sentence justification>",
    "improvement_category": "<one of: %s>"
}

Output only the JSON, nothing else.`, topic, title, abstract, strings.Join(domain.Categories, ", "))

	response, usage, err := o.complete(ctx, "You are a professional academic paper screening assistant that judges paper relevance to a research topic.", prompt)
	if err != nil {
		return domain.ScoreResult{}, usage, err
	}

	var result domain.ScoreResult
	if err := json.Unmarshal([]byte(stripFences(response)), &result); err != nil {
		return domain.ScoreResult{}, usage, fmt.Errorf("decode score: %v: %w", err, domain.ErrParseFailure)
	}
	if result.Score < 0 || result.Score > 100 {
		return domain.ScoreResult{}, usage, fmt.Errorf("score %d out of range: %w", result.Score, domain.ErrParseFailure)
	}
	result.Category = domain.NormalizeCategory(result.Category)
	return result, usage, nil
}

// Analyze extracts the structured findings schema from a full paper text.
// Responses that do not fit the schema fail with domain.ErrParseFailure;
// partially filled findings are never returned.
func (o *Oracle) Analyze(ctx context.Context, topic, title, text string) (domain.Findings, domain.Usage, error) {
	prompt := fmt.Sprintf(`You are an expert academic paper analyst. Extract the core elements of the following paper with respect to the research topic %q.

Paper title: %s

Paper content:
%s

Respond with JSON in exactly this shape:
{
    "problem_definition": "<the specific problem the method addresses, 1-2 sentences>",
    "mathematical_modeling": "<key formulas, objectives, constraints, briefly>",
    "core_innovation": ["<up to 3 short phrases>"],
    "theoretical_guarantee": {"present": <true/false>, "description": "<convergence, complexity, or similar>"},
    "experimental_design": "<datasets, baselines, metrics>",
    "quantitative_results": "<relative gains such as '+2.3%%', efficiency improvements>",
    "limitations": "<limitations admitted by the authors plus ones you can identify>",
    "innovation_ideas": ["<at least 3 follow-up research ideas grounded in this paper>"],
    "improvement_category": "<one of: %s>"
}

Output only the JSON, nothing else. Use "not stated" where the paper is silent.`, topic, title, text, strings.Join(domain.Categories, ", "))

	response, usage, err := o.complete(ctx, "You are an expert academic paper analyst that extracts core elements and innovations from papers.", prompt)
	if err != nil {
		return domain.Findings{}, usage, err
	}

	var findings domain.Findings
	if err := json.Unmarshal([]byte(stripFences(response)), &findings); err != nil {
		return domain.Findings{}, usage, fmt.Errorf("decode findings: %v: %w", err, domain.ErrParseFailure)
	}
	if findings.ProblemDefinition == "" || len(findings.CoreInnovation) == 0 {
		return domain.Findings{}, usage, fmt.Errorf("incomplete findings: %w", domain.ErrParseFailure)
	}
	if len(findings.CoreInnovation) > 3 {
		findings.CoreInnovation = findings.CoreInnovation[:3]
	}
	findings.Category = domain.NormalizeCategory(findings.Category)
	return findings, usage, nil
}

// SuggestKeywords turns a research topic into English index search terms.
func (o *Oracle) SuggestKeywords(ctx context.Context, topic string) ([]string, domain.Usage, error) {
	prompt := fmt.Sprintf(`You are an academic literature search expert. Generate English search keywords for the arXiv index covering the research topic %q.

Requirements: cover the core concepts, common synonyms, variants and derivatives of the core method, the underlying theory, and the usual terminology of the relevant arXiv subject area. Translate non-English topics into standard academic terms.

Respond with JSON in exactly this shape:
{
    "keywords": ["keyword1", "keyword2", "keyword3"]
}

Output only the JSON, keywords must be English.`, topic)

	response, usage, err := o.complete(ctx, "You are an academic literature search expert that turns research topics into effective search keywords.", prompt)
	if err != nil {
		return nil, usage, err
	}

	var result struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(stripFences(response)), &result); err != nil {
		return nil, usage, fmt.Errorf("decode keywords: %v: %w", err, domain.ErrParseFailure)
	}

	keywords := make([]string, 0, len(result.Keywords))
	for _, keyword := range result.Keywords {
		if trimmed := strings.TrimSpace(keyword); trimmed != "" {
			keywords = append(keywords, trimmed)
		}
	}
	if len(keywords) == 0 {
		return nil, usage, fmt.Errorf("no keywords returned: %w", domain.ErrParseFailure)
	}
	return keywords, usage, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *Oracle) complete(ctx context.Context, system, user string) (string, domain.Usage, error) {
	if o.apiKey == "" || o.endpoint == "" || o.model == "" {
		return "", domain.Usage{}, fmt.Errorf("oracle client misconfigured")
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return "", domain.Usage{}, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxResponseTokens,
	})
	if err != nil {
		return "", domain.Usage{}, fmt.Errorf("marshal oracle payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", domain.Usage{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", domain.Usage{}, fmt.Errorf("call oracle: %v: %w", err, domain.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return "", domain.Usage{}, fmt.Errorf("oracle returned %s: %w", resp.Status, domain.ErrUnavailable)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", domain.Usage{}, fmt.Errorf("oracle error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", domain.Usage{}, fmt.Errorf("decode oracle response: %v: %w", err, domain.ErrParseFailure)
	}
	if len(decoded.Choices) == 0 {
		return "", domain.Usage{}, fmt.Errorf("oracle returned no choices: %w", domain.ErrParseFailure)
	}

	usage := domain.Usage{
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
	}
	return decoded.Choices[0].Message.Content, usage, nil
}

// stripFences removes a markdown code fence the model may wrap around JSON.
func stripFences(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
