package docstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/ports"
)

// CommandRunner executes an external command and returns its stdout.
// It exists so tests can stub out the pdftotext binary.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Client downloads primary documents into a local directory and extracts
// their text via pdftotext.
type Client struct {
	httpClient *http.Client
	dir        string
	runner     CommandRunner
}

var _ ports.DocumentStore = (*Client)(nil)

// NewClient wires an HTTP client and the download directory.
func NewClient(httpClient *http.Client, dir string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		dir:        dir,
		runner:     execRunner{},
	}
}

// Fetch downloads the document behind url. Missing documents map to
// domain.ErrNotFound, transient failures and empty payloads to
// domain.ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "PaperResearcher/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %v: %w", err, domain.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("document %s: %w", url, domain.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("document server returned %s: %w", resp.Status, domain.ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read document: %v: %w", err, domain.ErrUnavailable)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document body: %w", domain.ErrUnavailable)
	}
	return data, nil
}

// Store writes the document under <dir>/<sourceID>.pdf and returns the path.
func (c *Client) Store(sourceID string, data []byte) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	path := c.path(sourceID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	return path, nil
}

// Existing reports a previously downloaded, non-empty document.
func (c *Client) Existing(sourceID string) (string, bool) {
	path := c.path(sourceID)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return path, true
}

// ExtractText converts a stored PDF into plain text with blank lines
// collapsed. An empty extraction is an error; the analysis stage must never
// run on a missing document body.
func (c *Client) ExtractText(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("document file: %w", err)
	}

	out, err := c.runner.Run(ctx, "pdftotext", "-layout", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext %s: %w", filepath.Base(path), err)
	}

	text := cleanText(string(out))
	if text == "" {
		return "", fmt.Errorf("no text extracted from %s", filepath.Base(path))
	}
	return text, nil
}

func (c *Client) path(sourceID string) string {
	// arXiv ids contain a slash in the old scheme; keep paths flat.
	name := strings.ReplaceAll(sourceID, "/", "_") + ".pdf"
	return filepath.Join(c.dir, name)
}

func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
