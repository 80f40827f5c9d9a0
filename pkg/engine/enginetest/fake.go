// Package enginetest provides in-memory fakes of the engine interfaces
// for tests that exercise pool, challenge, and transfer behavior without
// a real browser.
package enginetest

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mkerrigan/stagedoor/pkg/engine"
)

// FakeEngine hands out FakeSessions and records lifecycle activity.
type FakeEngine struct {
	mu sync.Mutex

	// NewSessionErr, when set, makes NewSession fail.
	NewSessionErr error

	// NewSessionDelay simulates engine startup latency.
	NewSessionDelay time.Duration

	sessions []*FakeSession
	stopped  bool
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (e *FakeEngine) NewSession() (engine.Session, error) {
	e.mu.Lock()
	err := e.NewSessionErr
	delay := e.NewSessionDelay
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	s := NewFakeSession()

	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

func (e *FakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

// Created returns how many sessions this engine has launched.
func (e *FakeEngine) Created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Sessions returns every session launched so far, in creation order.
func (e *FakeEngine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FakeSession, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// ClosedCount returns how many launched sessions have been closed.
func (e *FakeEngine) ClosedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sessions {
		if s.Closed() {
			n++
		}
	}
	return n
}

// Stopped reports whether Stop has been called.
func (e *FakeEngine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// FakeSession is a scriptable engine.Session. Selector lookups go through
// OnQuerySelector when set, then fall back to the Elements map.
type FakeSession struct {
	mu sync.Mutex

	// Elements maps selectors to elements returned by QuerySelector.
	Elements map[string]engine.Element

	// OnQuerySelector, when set, overrides Elements.
	OnQuerySelector func(sel string) (engine.Element, error)

	// WaitResults maps selectors to the value WaitForSelector reports.
	// Selectors not present report false (timed out) without error.
	WaitResults map[string]bool

	// PageContent is returned by Content.
	PageContent string

	// PageText maps selectors to Text results; "" keys the body text.
	PageText map[string]string

	// CurrentURL is returned by URL and updated by Navigate.
	CurrentURL string

	// NavigateErr, when set, makes Navigate fail.
	NavigateErr error

	// CookieJar backs Cookies and SetCookies.
	CookieJar []engine.Cookie

	// EvalResults maps expressions to Evaluate results.
	EvalResults map[string]any

	// MouseRec records synthesized pointer events.
	MouseRec *MouseRecorder

	navigations []string
	screenshots []string
	closed      bool
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		Elements:    map[string]engine.Element{},
		WaitResults: map[string]bool{},
		PageText:    map[string]string{},
		EvalResults: map[string]any{},
		CurrentURL:  "about:blank",
		MouseRec:    &MouseRecorder{},
	}
}

func (s *FakeSession) Navigate(url string, opts engine.NavigateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	s.navigations = append(s.navigations, url)
	s.CurrentURL = url
	return nil
}

func (s *FakeSession) WaitForSelector(sel string, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WaitResults[sel], nil
}

func (s *FakeSession) QuerySelector(sel string) (engine.Element, error) {
	s.mu.Lock()
	hook := s.OnQuerySelector
	element := s.Elements[sel]
	s.mu.Unlock()

	if hook != nil {
		return hook(sel)
	}
	return element, nil
}

func (s *FakeSession) Content() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PageContent, nil
}

func (s *FakeSession) Text(sel string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.PageText[sel]
	if !ok {
		return "", fmt.Errorf("no element found matching selector: %s", sel)
	}
	return text, nil
}

func (s *FakeSession) Evaluate(expr string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EvalResults[expr], nil
}

func (s *FakeSession) Cookies() ([]engine.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Cookie, len(s.CookieJar))
	copy(out, s.CookieJar)
	return out, nil
}

func (s *FakeSession) SetCookies(cookies []engine.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CookieJar = append(s.CookieJar, cookies...)
	return nil
}

func (s *FakeSession) Screenshot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenshots = append(s.screenshots, path)
	return os.WriteFile(path, []byte("fake-screenshot"), 0600)
}

func (s *FakeSession) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CurrentURL
}

// SetURL updates the current URL, simulating navigation by page script.
func (s *FakeSession) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentURL = url
}

// RemoveElement deletes a scripted element, simulating DOM removal.
func (s *FakeSession) RemoveElement(sel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Elements, sel)
}

func (s *FakeSession) Mouse() engine.Mouse {
	return s.MouseRec
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Navigations returns every URL passed to Navigate, in order.
func (s *FakeSession) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.navigations))
	copy(out, s.navigations)
	return out
}

// Screenshots returns every path passed to Screenshot, in order.
func (s *FakeSession) Screenshots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.screenshots))
	copy(out, s.screenshots)
	return out
}

// FakeElement is a static engine.Element.
type FakeElement struct {
	Box  *engine.Box
	Text string
}

func (e *FakeElement) BoundingBox() (*engine.Box, error) {
	return e.Box, nil
}

func (e *FakeElement) TextContent() (string, error) {
	return e.Text, nil
}

// MouseRecorder records pointer events and optionally fires a hook when
// the button is released, so tests can mutate page state mid-drag.
type MouseRecorder struct {
	mu sync.Mutex

	// OnUp runs after each Up event, outside the recorder lock.
	OnUp func()

	Moves []MouseMove
	Downs int
	Ups   int
}

// MouseMove is one recorded Move call.
type MouseMove struct {
	X, Y  float64
	Steps int
}

func (m *MouseRecorder) Move(x, y float64, steps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Moves = append(m.Moves, MouseMove{X: x, Y: y, Steps: steps})
	return nil
}

func (m *MouseRecorder) Down() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Downs++
	return nil
}

func (m *MouseRecorder) Up() error {
	m.mu.Lock()
	m.Ups++
	hook := m.OnUp
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}
