package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	appLog "picocal/internal/log"
)

const (
	defaultHTTPTimeout = 60 * time.Second

	userAgent    = "Mozilla/5.0 (compatible; picocal ICS fetcher)"
	acceptHeader = "text/calendar, text/html, application/xml;q=0.9, */*;q=0.8"
)

// CanonicalizeURL rewrites the calendar-specific webcal:// and ical://
// schemes to https:// and prepends https:// to schemeless input. The result
// is the cache key for the URL everywhere downstream.
func CanonicalizeURL(url string) string {
	switch {
	case strings.HasPrefix(url, "webcal://"):
		return "https://" + strings.TrimPrefix(url, "webcal://")
	case strings.HasPrefix(url, "ical://"):
		return "https://" + strings.TrimPrefix(url, "ical://")
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return url
	default:
		return "https://" + url
	}
}

// ContentFingerprint returns a short fingerprint over the raw payload, used
// for diagnostics and as a change indicator of last resort.
func ContentFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

// HeadResult carries the validator metadata from a HEAD request.
type HeadResult struct {
	LastModified  string
	ETag          string
	ContentLength int
}

// FetchResult is the outcome of a full GET.
type FetchResult struct {
	Body         []byte
	LastModified string
	ETag         string
	Fingerprint  string
}

// Fetcher performs the HTTP side of the pipeline: metadata-only freshness
// probes and full calendar downloads.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with the given request timeout (zero means
// the 60s default).
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Head issues a metadata-only request and returns the response validators.
// Non-2xx responses are reported as errors; the caller treats any error as
// "no validators available" and falls back to weaker freshness signals.
func (f *Fetcher) Head(ctx context.Context, url string) (HeadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return HeadResult{}, err
	}
	setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return HeadResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HeadResult{}, fmt.Errorf("head %s: %s", redactURL(url), resp.Status)
	}

	out := HeadResult{
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil {
			out.ContentLength = n
		}
	}

	appLog.Debug("head completed", "url", redactURL(url),
		"last_modified", out.LastModified, "etag", out.ETag, "content_length", out.ContentLength)
	return out, nil
}

// Get downloads the calendar body and returns it with its validators and
// content fingerprint.
func (f *Fetcher) Get(ctx context.Context, url string) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, errors.New("empty url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}
	setHeaders(req)

	appLog.Info("calendar fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("get %s: %s", redactURL(url), resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}

	res := FetchResult{
		Body:         body,
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
		Fingerprint:  ContentFingerprint(body),
	}

	appLog.Info("calendar fetch success", "url", redactURL(url),
		"bytes", len(body), "fingerprint", res.Fingerprint)
	return res, nil
}

func setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Encoding", "identity")
}

// redactURL hides path and query of a calendar URL for logging; feed URLs
// routinely embed access tokens.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := strings.IndexByte(u[i+3:], '/')
	if j == -1 {
		return u + redactedSuffix
	}
	return u[:i+3+j] + redactedSuffix
}
