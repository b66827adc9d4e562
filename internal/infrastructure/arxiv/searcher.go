package arxiv

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

const defaultBaseURL = "https://arxiv.org/search/"

var (
	dateExpr    = regexp.MustCompile(`\d{1,2} [A-Za-z]+,? \d{4}`)
	versionExpr = regexp.MustCompile(`v\d+$`)
)

// Searcher queries the arXiv search pages for candidate papers.
type Searcher struct {
	client   *http.Client
	baseURL  string
	pageSize int
	logger   *slog.Logger
}

var _ ports.PaperSource = (*Searcher)(nil)

// NewSearcher wires an HTTP client; pageSize defaults to 50.
func NewSearcher(client *http.Client, logger *slog.Logger) *Searcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Searcher{
		client:   client,
		baseURL:  defaultBaseURL,
		pageSize: 50,
		logger:   logger,
	}
}

// Search pages through results for the keyword query until limit candidates
// are collected or the index runs dry. The limit is a hard ceiling; fewer
// results than requested is not an error.
func (s *Searcher) Search(ctx context.Context, keywords []string, limit int) ([]domain.Candidate, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("no search keywords provided")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("search limit must be positive, got %d", limit)
	}

	query := buildQuery(keywords)
	s.debug("search", "query", query, "limit", limit)

	results := make([]domain.Candidate, 0, limit)
	seen := map[string]struct{}{}

	for start := 0; len(results) < limit; start += s.pageSize {
		pageURL, err := buildPageURL(s.baseURL, query, start, s.pageSize)
		if err != nil {
			return nil, err
		}

		doc, err := s.fetchDocument(ctx, pageURL)
		if err != nil {
			return nil, err
		}

		candidates := extractCandidates(doc)
		for _, candidate := range candidates {
			if _, ok := seen[candidate.SourceID]; ok {
				continue
			}
			seen[candidate.SourceID] = struct{}{}
			results = append(results, candidate)
			if len(results) == limit {
				break
			}
		}

		if len(candidates) < s.pageSize {
			break
		}
	}

	s.debug("search done", "results", len(results))
	return results, nil
}

func (s *Searcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "PaperResearcher/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request search page: %v: %w", err, domain.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("arxiv returned %s: %w", resp.Status, domain.ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	return doc, nil
}

func extractCandidates(doc *goquery.Document) []domain.Candidate {
	var collected []domain.Candidate

	doc.Find("li.arxiv-result").Each(func(i int, result *goquery.Selection) {
		candidate, err := parseResult(result)
		if err != nil {
			return
		}
		collected = append(collected, candidate)
	})

	return collected
}

func parseResult(result *goquery.Selection) (domain.Candidate, error) {
	link := result.Find("p.list-title a").First()
	id := strings.TrimSpace(link.Text())
	id = strings.TrimPrefix(id, "arXiv:")

	href, _ := link.Attr("href")
	if id == "" {
		if idx := strings.LastIndex(href, "/abs/"); idx >= 0 {
			id = href[idx+len("/abs/"):]
		}
	}
	id = versionExpr.ReplaceAllString(strings.TrimSpace(id), "")
	if id == "" {
		return domain.Candidate{}, fmt.Errorf("result without identifier")
	}

	title := strings.TrimSpace(result.Find("p.title").First().Text())

	var authors []string
	result.Find("p.authors a").Each(func(i int, author *goquery.Selection) {
		if name := strings.TrimSpace(author.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	abstract := strings.TrimSpace(result.Find("span.abstract-full").First().Text())
	abstract = strings.TrimSuffix(abstract, "△ Less")
	abstract = strings.TrimSpace(abstract)
	if abstract == "" {
		abstract = strings.TrimSpace(result.Find("span.abstract-short").First().Text())
	}

	var publishedAt time.Time
	submitted := result.Find("p.is-size-7").First().Text()
	if match := dateExpr.FindString(submitted); match != "" {
		normalized := strings.ReplaceAll(match, ",", "")
		if parsed, err := time.Parse("2 January 2006", normalized); err == nil {
			publishedAt = parsed.UTC()
		}
	}

	var documentURL string
	result.Find("a").EachWithBreak(func(i int, a *goquery.Selection) bool {
		if strings.TrimSpace(a.Text()) == "pdf" {
			documentURL, _ = a.Attr("href")
			return false
		}
		return true
	})
	if documentURL == "" {
		documentURL = "https://arxiv.org/pdf/" + id
	}

	return domain.Candidate{
		SourceID:    id,
		Title:       title,
		Authors:     authors,
		Abstract:    abstract,
		URL:         href,
		DocumentURL: documentURL,
		PublishedAt: publishedAt,
	}, nil
}

// buildQuery OR-joins the keywords, quoting multiword phrases so the index
// matches them verbatim.
func buildQuery(keywords []string) string {
	if len(keywords) == 1 {
		return keywords[0]
	}

	processed := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		if strings.Contains(keyword, " ") && !strings.HasPrefix(keyword, `"`) {
			processed = append(processed, `"`+keyword+`"`)
		} else {
			processed = append(processed, keyword)
		}
	}
	return strings.Join(processed, " OR ")
}

func buildPageURL(base, query string, start, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid search url %s: %w", base, err)
	}

	values := parsed.Query()
	values.Set("searchtype", "all")
	values.Set("query", query)
	values.Set("start", strconv.Itoa(start))
	values.Set("size", strconv.Itoa(pageSize))
	parsed.RawQuery = values.Encode()
	return parsed.String(), nil
}

func (s *Searcher) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
