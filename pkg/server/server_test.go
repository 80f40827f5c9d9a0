package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrigan/stagedoor/pkg/challenge"
	"github.com/mkerrigan/stagedoor/pkg/engine/enginetest"
	"github.com/mkerrigan/stagedoor/pkg/pool"
	"github.com/mkerrigan/stagedoor/pkg/scrape"
)

const listingHTML = `
<div class="event-list">
  <div class="event-item">
    <h3 class="event-title">Spring Gala</h3>
    <time class="event-date">2026-04-18</time>
    <a href="/events/spring-gala">details</a>
  </div>
</div>`

type fakePipeline struct {
	path string
	err  error
	got  []string
}

func (f *fakePipeline) Download(ctx context.Context, sourceURL, destName string) (string, error) {
	f.got = append(f.got, sourceURL+"|"+destName)
	return f.path, f.err
}

func newTestServer(t *testing.T, eng *enginetest.FakeEngine, pipeline Pipeline) (*Server, *pool.Pool) {
	t.Helper()
	p := pool.New(eng, pool.Options{
		Capacity:         1,
		QueueCapacity:    0,
		IdleTimeout:      time.Minute,
		QueueWaitTimeout: 30 * time.Second,
		CredentialDir:    t.TempDir(),
	}, nil)
	t.Cleanup(p.Shutdown)

	resolver := challenge.NewResolver(challenge.Options{
		ProbeTimeout:  50 * time.Millisecond,
		ResolveBudget: 100 * time.Millisecond,
	}, nil)

	return New(p, resolver, pipeline, nil), p
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, enginetest.NewFakeEngine(), &fakePipeline{})
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsScrapesThroughPool(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	s, p := newTestServer(t, eng, &fakePipeline{})

	// Seed the session content before the server borrows it.
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := eng.Sessions()[0]
	fake.PageContent = listingHTML
	fake.PageText[""] = "Spring Gala 2026-04-18"
	p.Release(h.ID)

	rec := doRequest(t, s, http.MethodGet, "/api/events?url=https://example.com/events", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var events []scrape.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "Spring Gala", events[0].Title)

	// The borrowed handle went back to the pool.
	assert.Equal(t, 0, p.Stats().InUse)
	assert.Equal(t, []string{"https://example.com/events"}, fake.Navigations())
}

func TestEventsRequiresURL(t *testing.T) {
	s, _ := newTestServer(t, enginetest.NewFakeEngine(), &fakePipeline{})
	rec := doRequest(t, s, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsSaturationMapsToTooManyRequests(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	s, p := newTestServer(t, eng, &fakePipeline{})

	// Hold the only handle so the request hits a full pool and queue.
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/events?url=https://example.com/events", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEventsUnclearedChallengeMapsToBadGateway(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	s, p := newTestServer(t, eng, &fakePipeline{})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := eng.Sessions()[0]
	// Interstitial marker present, but no slider to drag: resolution fails.
	fake.Elements[".geetest_panel"] = &enginetest.FakeElement{}
	p.Release(h.ID)

	rec := doRequest(t, s, http.MethodGet, "/api/events?url=https://example.com/events", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "challenge not cleared")
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestSessionsReportsPoolStats(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	s, p := newTestServer(t, eng, &fakePipeline{})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats pool.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 1, stats.Capacity)
}

func TestDownloadEndpoint(t *testing.T) {
	pipeline := &fakePipeline{path: "/data/downloads/order-42.pdf"}
	s, _ := newTestServer(t, enginetest.NewFakeEngine(), pipeline)

	rec := doRequest(t, s, http.MethodPost, "/api/downloads",
		`{"url":"https://example.com/t.pdf","name":"order-42.pdf"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/data/downloads/order-42.pdf")
	assert.Equal(t, []string{"https://example.com/t.pdf|order-42.pdf"}, pipeline.got)
}

func TestDownloadEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t, enginetest.NewFakeEngine(), &fakePipeline{})

	rec := doRequest(t, s, http.MethodPost, "/api/downloads", `{"url":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/downloads", `not-json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
