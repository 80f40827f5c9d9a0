package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/engine/enginetest"
	"github.com/mkerrigan/stagedoor/pkg/pool"
)

func newTestPool(t *testing.T) (*pool.Pool, *enginetest.FakeEngine) {
	t.Helper()
	eng := enginetest.NewFakeEngine()
	p := pool.New(eng, pool.Options{
		Capacity:         2,
		QueueCapacity:    4,
		IdleTimeout:      time.Minute,
		QueueWaitTimeout: 30 * time.Second,
		CredentialDir:    t.TempDir(),
	}, nil)
	t.Cleanup(p.Shutdown)
	return p, eng
}

func newTestPipeline(t *testing.T, sp SessionPool, maxRetries int) *Pipeline {
	t.Helper()
	return New(sp, Options{
		DownloadDir: t.TempDir(),
		MaxRetries:  maxRetries,
		RetryDelay:  10 * time.Millisecond,
	}, nil)
}

// countingPool wraps a pool and records borrow/return traffic.
type countingPool struct {
	inner    *pool.Pool
	mu       sync.Mutex
	acquires int
	releases int
}

func (c *countingPool) Acquire(ctx context.Context) (*pool.Handle, error) {
	c.mu.Lock()
	c.acquires++
	c.mu.Unlock()
	return c.inner.Acquire(ctx)
}

func (c *countingPool) Release(id uuid.UUID) {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	c.inner.Release(id)
}

func (c *countingPool) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires, c.releases
}

func TestDownloadStreamsToDiskWithCredentials(t *testing.T) {
	var gotCookie, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte("ticket-pdf-bytes"))
	}))
	defer server.Close()

	p, eng := newTestPool(t)
	pipeline := newTestPipeline(t, p, 3)

	// Prime the pool so the first session carries cookies.
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	eng.Sessions()[0].CookieJar = []engine.Cookie{
		{Name: "sid", Value: "abc"},
		{Name: "other", Value: "nope", Domain: "unrelated.example.com"},
	}
	p.Release(h.ID)

	path, err := pipeline.Download(context.Background(), server.URL+"/ticket.pdf", "order-42.pdf")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ticket-pdf-bytes", string(data))

	// Only host-matching cookies travel; spoofed headers always do.
	assert.Equal(t, "sid=abc", gotCookie)
	assert.Contains(t, gotAgent, "Chrome")

	// No partial file left behind.
	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadIsIdempotent(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	p, _ := newTestPool(t)
	pipeline := newTestPipeline(t, p, 3)

	first, err := pipeline.Download(context.Background(), server.URL, "receipt.pdf")
	require.NoError(t, err)
	require.Equal(t, 1, requests)

	second, err := pipeline.Download(context.Background(), server.URL, "receipt.pdf")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, requests, "second call must not re-fetch")
}

func TestDownloadExhaustsRetries(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer server.Close()

	p, _ := newTestPool(t)
	counting := &countingPool{inner: p}
	pipeline := newTestPipeline(t, counting, 3)

	_, err := pipeline.Download(context.Background(), server.URL, "blocked.pdf")
	require.ErrorIs(t, err, ErrExhaustedRetries)
	assert.ErrorContains(t, err, "403")
	assert.Equal(t, 3, requests)

	// Every attempt borrowed a fresh handle and returned it.
	acquires, releases := counting.counts()
	assert.Equal(t, 3, acquires)
	assert.Equal(t, 3, releases)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestDownloadSucceedsOnLaterAttempt(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			http.Error(w, "not yet", http.StatusBadGateway)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer server.Close()

	p, _ := newTestPool(t)
	pipeline := newTestPipeline(t, p, 5)

	path, err := pipeline.Download(context.Background(), server.URL, "late.bin")
	require.NoError(t, err)

	// Succeeded on attempt 3 of 5; no further attempts were made.
	assert.Equal(t, 3, requests)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(data))
}

func TestDownloadPoolFailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	p, eng := newTestPool(t)
	eng.NewSessionErr = assert.AnError
	pipeline := newTestPipeline(t, p, 2)

	_, err := pipeline.Download(context.Background(), server.URL, "nope.bin")
	require.ErrorIs(t, err, ErrExhaustedRetries)
	assert.ErrorContains(t, err, "borrow handle")
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "ticket.pdf", "ticket.pdf"},
		{"path separators", `shows/2026\spring.pdf`, "shows_2026_spring.pdf"},
		{"windows reserved", `a:b*c?d"e<f>g|h`, "a_b_c_d_e_f_g_h"},
		{"spaces kept", "front row.pdf", "front row.pdf"},
		{"empty", "", "download"},
		{"whitespace only", "   ", "download"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestDownloadTargetPathIsDeterministic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	p, _ := newTestPool(t)
	pipeline := newTestPipeline(t, p, 1)

	path, err := pipeline.Download(context.Background(), server.URL, `a/b:c.pdf`)
	require.NoError(t, err)
	assert.Equal(t, "a_b_c.pdf", filepath.Base(path))
}
