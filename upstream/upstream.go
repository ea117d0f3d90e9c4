// Package upstream fetches the raw bulletin text from the publishing service.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultURL is the Iowa Environmental Mesonet AFOS archive for the
// Brownsville area forecast discussion.
const DefaultURL = "https://mesonet.agron.iastate.edu/cgi-bin/afos/retrieve.py?pil=AFDBRO&fmt=text&limit=1"

// DefaultUserAgent identifies the service to the upstream.
const DefaultUserAgent = "bulletin-notifier (+https://github.com/codeGROOVE-dev)"

// ErrEmptyResponse is matched by errors.Is for a 2xx response with no text.
var ErrEmptyResponse = errors.New("empty response from upstream")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Upstream responded %d", e.Status)
}

// EmptyResponseError reports a successful response that carried no bulletin text.
type EmptyResponseError struct {
	Status int
}

func (e *EmptyResponseError) Error() string {
	return "Empty response from upstream"
}

// Is makes errors.Is(err, ErrEmptyResponse) match.
func (e *EmptyResponseError) Is(target error) bool {
	return target == ErrEmptyResponse
}

// TransportError reports a failure before a usable response was read.
type TransportError struct {
	Err error
	URL string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AsStatusError returns the StatusError in err's chain, if any.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}

// Config describes where and how to fetch.
type Config struct {
	URL       string
	UserAgent string
	// Selector, when set, extracts the text of the first matching element
	// from HTML responses.
	Selector string
	MaxBytes int64
}

// Response is a successful fetch.
type Response struct {
	Text   string
	Status int
}

// Fetcher retrieves the bulletin. It does not retry; the next scheduled run is the retry.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a fetcher. Empty config fields fall back to defaults.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// URL is the source being polled.
func (f *Fetcher) URL() string {
	return f.cfg.URL
}

// Fetch performs one GET of the bulletin.
func (f *Fetcher) Fetch(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, http.NoBody)
	if err != nil {
		return nil, &TransportError{URL: f.cfg.URL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/html;q=0.9, */*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		f.logger.Warn("Upstream request failed", "url", f.cfg.URL, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, &TransportError{URL: f.cfg.URL, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Info("Upstream request completed",
		"url", f.cfg.URL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: f.cfg.URL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, &TransportError{URL: f.cfg.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, &TransportError{URL: f.cfg.URL, Err: fmt.Errorf("response exceeds %d bytes", f.cfg.MaxBytes)}
	}

	text := string(body)
	if f.cfg.Selector != "" && isHTML(resp.Header.Get("Content-Type")) {
		text, err = extract(body, f.cfg.Selector)
		if err != nil {
			return nil, &TransportError{URL: f.cfg.URL, Err: err}
		}
	}

	if strings.TrimSpace(text) == "" {
		return nil, &EmptyResponseError{Status: resp.StatusCode}
	}
	return &Response{Status: resp.StatusCode, Text: text}, nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// extract returns the text of the first element matching selector, or "" if none match.
func extract(body []byte, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	return doc.Find(selector).First().Text(), nil
}
