// Package fetch retrieves raw source content and extracts the main text.
// Fetch failures and extract failures are reported distinctly so the
// ingestion pipeline can record the right failure code per item.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultUserAgent = "note-nomi/1.0 (+https://github.com/Dripmaster/note-nomi)"

// FetchError signals that source content could not be retrieved.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// BrowserFetcher is the browser-automation escape hatch for sites that block
// plain HTTP fetchers. It returns extracted caption text which the pipeline
// treats as if it were fetched markup.
type BrowserFetcher interface {
	FetchCaption(ctx context.Context, rawURL string) (string, error)
}

// Config assembles fetcher dependencies and limits.
type Config struct {
	Timeout      time.Duration
	MaxBytes     int64
	UserAgent    string
	Browser      BrowserFetcher
	BrowserHosts []string
}

// Fetcher retrieves raw markup over HTTP with a bounded timeout and maximum
// byte size, optionally routing specific hosts through a browser backend.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	userAgent    string
	browser      BrowserFetcher
	browserHosts map[string]struct{}
}

// NewFetcher builds a Fetcher from config, applying defaults for unset
// limits.
func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 2_000_000
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	hosts := make(map[string]struct{}, len(cfg.BrowserHosts))
	for _, host := range cfg.BrowserHosts {
		hosts[strings.ToLower(host)] = struct{}{}
	}

	return &Fetcher{
		client:       &http.Client{Timeout: timeout},
		maxBytes:     maxBytes,
		userAgent:    userAgent,
		browser:      cfg.Browser,
		browserHosts: hosts,
	}
}

// Fetch retrieves the raw content behind rawURL. Non-2xx responses, transport
// failures and unsupported schemes all surface as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", parsed.Scheme)}
	}

	if f.browser != nil && f.routeThroughBrowser(parsed.Hostname()) {
		caption, err := f.browser.FetchCaption(ctx, rawURL)
		if err != nil {
			return "", &FetchError{URL: rawURL, Err: err}
		}
		return caption, nil
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	request.Header.Set("User-Agent", f.userAgent)

	response, err := f.client.Do(request)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("HTTP %d", response.StatusCode)}
	}

	limited := io.LimitReader(response.Body, f.maxBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	return string(body), nil
}

func (f *Fetcher) routeThroughBrowser(host string) bool {
	lowered := strings.ToLower(host)
	for candidate := range f.browserHosts {
		if lowered == candidate || strings.HasSuffix(lowered, "."+candidate) {
			return true
		}
	}
	return false
}
