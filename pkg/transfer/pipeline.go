// Package transfer downloads credential-gated files to disk with
// bounded retries and a fixed delay between attempts. It borrows a pool
// handle per attempt solely for its cookie material; all page driving
// stays with other callers.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/logging"
	"github.com/mkerrigan/stagedoor/pkg/pool"
)

// ErrExhaustedRetries is returned when every attempt failed. It wraps
// the last underlying cause.
var ErrExhaustedRetries = errors.New("transfer: retries exhausted")

// SessionPool is the slice of the pool the pipeline needs. *pool.Pool
// satisfies it.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Handle, error)
	Release(id uuid.UUID)
}

// Fixed identification headers sent with every fetch, matching what the
// pooled browser sessions present.
var spoofedHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Accept":          "*/*",
	"Accept-Language": "en-US,en;q=0.9",
}

// Options configures a Pipeline.
type Options struct {
	// DownloadDir is where completed files land.
	DownloadDir string

	// MaxRetries is the total number of fetch attempts.
	MaxRetries int

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration

	// RequestTimeout bounds one fetch. Zero means one minute.
	RequestTimeout time.Duration
}

// Pipeline performs resilient fetch-to-disk transfers.
type Pipeline struct {
	pool   SessionPool
	client *http.Client
	opts   Options
	log    *logging.Logger
}

// New creates a pipeline drawing credentials from p.
func New(p SessionPool, opts Options, log *logging.Logger) *Pipeline {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Minute
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Pipeline{
		pool:   p,
		client: &http.Client{Timeout: opts.RequestTimeout},
		opts:   opts,
		log:    log,
	}
}

// Download fetches sourceURL into DownloadDir under a sanitized
// destName and returns the local path. Idempotent by construction: when
// the target file already exists no fetch happens. Each attempt borrows
// a fresh handle for cookies and releases it on a guaranteed path; after
// MaxRetries failures the last cause is returned wrapped in
// ErrExhaustedRetries.
func (p *Pipeline) Download(ctx context.Context, sourceURL, destName string) (string, error) {
	target := filepath.Join(p.opts.DownloadDir, SanitizeName(destName))

	if _, err := os.Stat(target); err == nil {
		p.log.Debugf("download: %s already present, skipping fetch", target)
		return target, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(p.opts.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := p.attempt(ctx, sourceURL, target); err != nil {
			lastErr = err
			p.log.Warnf("download: attempt %d/%d for %s failed: %v",
				attempt, p.opts.MaxRetries, sourceURL, err)
			continue
		}

		p.log.Infof("download: %s complete after %d attempt(s)", target, attempt)
		return target, nil
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, p.opts.MaxRetries, lastErr)
}

// attempt borrows a handle, fetches, and streams the body to disk via a
// temp file so a partial write never masquerades as a completed
// download. The handle is released regardless of outcome.
func (p *Pipeline) attempt(ctx context.Context, sourceURL, target string) error {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("borrow handle: %w", err)
	}
	defer p.pool.Release(h.ID)

	cookies, err := h.Session().Cookies()
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for name, value := range spoofedHeaders {
		req.Header.Set(name, value)
	}
	if header := cookieHeader(cookies, req.URL); header != "" {
		req.Header.Set("Cookie", header)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received status code %d", resp.StatusCode)
	}

	part := target + ".part"
	file, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(part)
		return fmt.Errorf("stream body: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(part, target); err != nil {
		os.Remove(part)
		return fmt.Errorf("finalize file: %w", err)
	}
	return nil
}

// cookieHeader assembles a Cookie header from the cookies whose domain
// matches the target host.
func cookieHeader(cookies []engine.Cookie, target *url.URL) string {
	host := target.Hostname()
	var pairs []string
	for _, c := range cookies {
		if !domainMatches(c.Domain, host) {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

func domainMatches(cookieDomain, host string) bool {
	if cookieDomain == "" {
		return true
	}
	cookieDomain = strings.TrimPrefix(cookieDomain, ".")
	return host == cookieDomain || strings.HasSuffix(host, "."+cookieDomain)
}

// Characters never allowed in a destination name. Everything in the set
// becomes an underscore, so the target path is deterministic for a
// given name.
const illegalNameChars = `\/:*?"<>|`

// SanitizeName maps a requested destination name onto a safe file name.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "download"
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalNameChars, r) {
			return '_'
		}
		return r
	}, name)
}
