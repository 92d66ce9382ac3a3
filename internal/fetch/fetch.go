// Package fetch downloads source material for the research stage.
//
// HTML responses are converted to markdown, PDFs go through text
// extraction, everything else is returned as-is. Failures never stop a
// pipeline run: the tool-facing Fetch returns a bracketed error
// description instead of an error so the caller can keep going with a
// partial source set.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

// Config configures the fetcher.
type Config struct {
	Timeout  time.Duration // HTTP timeout. Default: 30s.
	MaxBytes int64         // Max response body size. Default: 10MB.
	// UserAgent sent with requests.
	UserAgent string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.UserAgent == "" {
		c.UserAgent = "thesisline/1.0"
	}
}

// Fetcher retrieves web pages and documents as readable text.
type Fetcher struct {
	client *http.Client
	config Config
	conv   *converter.Converter
	logger *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		config: cfg,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Fetch downloads rawURL and returns its readable text. On any failure it
// returns a bracketed error description instead, so text handed to a model
// still explains what went wrong with the source.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) string {
	text, err := f.fetch(ctx, rawURL)
	if err != nil {
		f.logger.Warn("fetch: failed", "url", rawURL, "error", err)
		return fmt.Sprintf("[fetch error: %v]", err)
	}
	return text
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case isPDF(contentType, rawURL):
		text, err := extractPDFText(body)
		if err != nil {
			return "", fmt.Errorf("pdf extract: %w", err)
		}
		return text, nil
	case isHTML(contentType, body):
		return f.htmlToMarkdown(string(body), rawURL), nil
	default:
		return strings.TrimSpace(string(body)), nil
	}
}

// htmlToMarkdown converts HTML to structured markdown.
// If conversion fails or produces empty output, falls back to plain text
// extracted from the DOM.
func (f *Fetcher) htmlToMarkdown(html, sourceURL string) string {
	result, err := f.conv.ConvertString(html, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(result) == "" {
		f.logger.Debug("fetch: markdown conversion fell back to plain text",
			"url", sourceURL, "error", err)
		return plainText(html)
	}
	return strings.TrimSpace(result)
}

func isPDF(contentType, rawURL string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "application/pdf" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "text/html" || mt == "application/xhtml+xml" {
			return true
		}
		if mt != "" && mt != "application/octet-stream" {
			return false
		}
	}
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}
