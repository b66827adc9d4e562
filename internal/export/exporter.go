package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

// Exporter renders session results into files for the operator. It only
// reads pipeline state; nothing here mutates a record.
type Exporter struct {
	store  ports.ItemStore
	dir    string
	logger *slog.Logger
}

// NewExporter wires an exporter writing into dir.
func NewExporter(store ports.ItemStore, dir string, logger *slog.Logger) *Exporter {
	return &Exporter{store: store, dir: dir, logger: logger}
}

// Result names the files one export produced.
type Result struct {
	CSVPath    string
	ReportPath string
}

// Export writes a CSV summary and a markdown literature review for the
// session. includeRejected adds rejected records to the CSV for auditing the
// gate's decisions; the markdown report always covers analyzed records only.
func (e *Exporter) Export(ctx context.Context, sessionID string, includeRejected bool) (Result, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}

	analyzed, err := e.store.ListByStatus(ctx, sessionID, domain.StatusAnalyzed, 0)
	if err != nil {
		return Result{}, fmt.Errorf("list analyzed: %w", err)
	}

	records := analyzed
	if includeRejected {
		rejected, err := e.store.ListByStatus(ctx, sessionID, domain.StatusRejected, 0)
		if err != nil {
			return Result{}, fmt.Errorf("list rejected: %w", err)
		}
		records = append(records, rejected...)
		sortByScore(records)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create export dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102_150405")
	result := Result{
		CSVPath:    filepath.Join(e.dir, fmt.Sprintf("papers_%s.csv", stamp)),
		ReportPath: filepath.Join(e.dir, fmt.Sprintf("report_%s.md", stamp)),
	}

	if err := e.writeCSV(result.CSVPath, records); err != nil {
		return Result{}, err
	}
	if err := e.writeReport(result.ReportPath, session, analyzed); err != nil {
		return Result{}, err
	}

	e.logger.Info("session exported",
		"session_id", sessionID,
		"records", len(records),
		"csv", result.CSVPath,
		"report", result.ReportPath,
	)
	return result, nil
}

func (e *Exporter) writeCSV(path string, records []domain.PaperRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"source_id", "title", "authors", "published", "status",
		"score", "category", "score_reason", "url", "document_path",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, record := range records {
		score := ""
		if record.Score != nil {
			score = strconv.Itoa(*record.Score)
		}
		published := ""
		if !record.PublishedAt.IsZero() {
			published = record.PublishedAt.Format("2006-01-02")
		}
		row := []string{
			record.SourceID,
			record.Title,
			strings.Join(record.Authors, "; "),
			published,
			string(record.Status),
			score,
			record.Category,
			record.ScoreReason,
			record.URL,
			record.DocumentPath,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// writeReport renders the literature review: category distribution, per-paper
// findings, and the aggregated improvement ideas collected across papers.
func (e *Exporter) writeReport(path string, session domain.Session, analyzed []domain.PaperRecord) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Literature Review: %s\n\n", session.Topic)
	fmt.Fprintf(&b, "Generated %s. %d papers analyzed.\n\n",
		time.Now().UTC().Format("2006-01-02"), len(analyzed))
	fmt.Fprintf(&b, "Keywords: %s\n\n", strings.Join(session.Keywords, ", "))

	b.WriteString("## Category Distribution\n\n")
	b.WriteString("| Category | Papers |\n|---|---|\n")
	counts := map[string]int{}
	for _, record := range analyzed {
		counts[record.Category]++
	}
	for _, category := range domain.Categories {
		if counts[category] > 0 {
			fmt.Fprintf(&b, "| %s | %d |\n", category, counts[category])
		}
	}
	b.WriteString("\n")

	b.WriteString("## Papers\n\n")
	for _, record := range analyzed {
		writePaperSection(&b, record)
	}

	b.WriteString("## Future Directions\n\n")
	seen := map[string]bool{}
	for _, record := range analyzed {
		if record.Findings == nil {
			continue
		}
		for _, idea := range record.Findings.InnovationIdeas {
			idea = strings.TrimSpace(idea)
			if idea == "" || seen[idea] {
				continue
			}
			seen[idea] = true
			fmt.Fprintf(&b, "- %s (from %s)\n", idea, record.SourceID)
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func writePaperSection(b *strings.Builder, record domain.PaperRecord) {
	fmt.Fprintf(b, "### %s\n\n", record.Title)
	fmt.Fprintf(b, "- Source: [%s](%s)\n", record.SourceID, record.URL)
	if record.Score != nil {
		fmt.Fprintf(b, "- Relevance: %d (%s)\n", *record.Score, record.ScoreReason)
	}
	fmt.Fprintf(b, "- Category: %s\n", record.Category)
	if len(record.Authors) > 0 {
		fmt.Fprintf(b, "- Authors: %s\n", strings.Join(record.Authors, ", "))
	}
	b.WriteString("\n")

	findings := record.Findings
	if findings == nil {
		return
	}

	fmt.Fprintf(b, "**Problem.** %s\n\n", findings.ProblemDefinition)
	if findings.MathematicalModeling != "" {
		fmt.Fprintf(b, "**Modeling.** %s\n\n", findings.MathematicalModeling)
	}
	if len(findings.CoreInnovation) > 0 {
		b.WriteString("**Core innovations.**\n\n")
		for _, innovation := range findings.CoreInnovation {
			fmt.Fprintf(b, "- %s\n", innovation)
		}
		b.WriteString("\n")
	}
	if findings.TheoreticalGuarantee.Present {
		fmt.Fprintf(b, "**Theoretical guarantee.** %s\n\n", findings.TheoreticalGuarantee.Description)
	}
	if findings.ExperimentalDesign != "" {
		fmt.Fprintf(b, "**Experiments.** %s\n\n", findings.ExperimentalDesign)
	}
	if findings.QuantitativeResults != "" {
		fmt.Fprintf(b, "**Results.** %s\n\n", findings.QuantitativeResults)
	}
	if findings.Limitations != "" {
		fmt.Fprintf(b, "**Limitations.** %s\n\n", findings.Limitations)
	}
}

// sortByScore orders records by descending score for stable report layout
// when callers merge lists from several statuses.
func sortByScore(records []domain.PaperRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		si, sj := -1, -1
		if records[i].Score != nil {
			si = *records[i].Score
		}
		if records[j].Score != nil {
			sj = *records[j].Score
		}
		return si > sj
	})
}
