// Package challenge detects and best-effort clears slider verification
// interstitials on a borrowed browser session. Clearing is a heuristic
// with a bounded time budget, never a guaranteed success path; a failed
// resolution is reported, not fatal.
package challenge

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/logging"
)

// State enumerates the resolver's state machine.
type State int

const (
	// StateIdle is the initial state, before probing.
	StateIdle State = iota

	// StateNotPresent is terminal: no interstitial was found.
	StateNotPresent

	// StateDetected means an interstitial marker was found.
	StateDetected

	// StateVerifying means a drag attempt finished and the resolver is
	// waiting for the marker to clear.
	StateVerifying

	// StateResolved is terminal: the interstitial cleared.
	StateResolved

	// StateFailed is terminal: the interstitial did not clear within
	// the budget and the permitted retry.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNotPresent:
		return "not_present"
	case StateDetected:
		return "detected"
	case StateVerifying:
		return "verifying"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome reported to the caller. Present=false means no
// challenge was found; Present=true with Resolved=false means the
// challenge did not clear and the caller decides how to proceed.
type Result struct {
	Present  bool  `json:"present"`
	Resolved bool  `json:"resolved"`
	State    State `json:"-"`
}

// Interstitial markers, probed in order. Structural detection first,
// then a page-text keyword scan.
var (
	markerSelectors = []string{
		".geetest_panel",
		".nc-container",
		".verify-wrap",
		"#captcha-box",
		"iframe[src*='captcha']",
	}

	markerKeywords = []string{
		"slide to verify",
		"security verification",
		"drag the slider",
		"unusual traffic",
	}

	knobSelectors = []string{
		".geetest_slider_button",
		".nc_iconfont.btn_slide",
		".verify-move-block",
		".slider-btn",
	}

	trackSelectors = []string{
		".geetest_slider_track",
		".nc-lang-cnt",
		".verify-bar-area",
		".slider-track",
	}

	successSelectors = []string{
		".geetest_success_radar_tip",
		".nc-verify-ok",
		".verify-success",
	}
)

// Target drag distance as a fraction of track width. The retry pushes
// slightly further; jitter keeps repeated attempts from landing on the
// same pixel.
var attemptFractions = []float64{0.82, 0.94}

// Options configures a Resolver.
type Options struct {
	// ProbeTimeout bounds the detection scan.
	ProbeTimeout time.Duration

	// ResolveBudget bounds one full verification wait after a drag.
	ResolveBudget time.Duration

	// DebugDir receives diagnostic artifacts on detection. Empty
	// disables artifact capture.
	DebugDir string
}

// Resolver runs the challenge state machine against one borrowed session.
type Resolver struct {
	opts Options
	log  *logging.Logger
}

// NewResolver creates a resolver. Zero timeouts get workable defaults.
func NewResolver(opts Options, log *logging.Logger) *Resolver {
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 8 * time.Second
	}
	if opts.ResolveBudget == 0 {
		opts.ResolveBudget = 3 * time.Minute
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Resolver{opts: opts, log: log}
}

// Resolve probes s for an interstitial and, if one is present, attempts
// to clear it. The session stays borrowed by the caller throughout;
// Resolve never touches pool state.
func (r *Resolver) Resolve(ctx context.Context, s engine.Session) (Result, error) {
	marker, err := r.probe(ctx, s)
	if err != nil {
		return Result{State: StateIdle}, fmt.Errorf("challenge probe failed: %w", err)
	}
	if marker == "" {
		r.log.Debugf("no interstitial on %s", s.URL())
		return Result{State: StateNotPresent}, nil
	}

	r.log.Infof("interstitial detected on %s (marker %q)", s.URL(), marker)
	r.captureArtifacts(s)

	startURL := s.URL()
	for attempt, fraction := range attemptFractions {
		if err := ctx.Err(); err != nil {
			return Result{Present: true, State: StateFailed}, err
		}

		if err := r.drag(s, fraction); err != nil {
			r.log.Warnf("drag attempt %d failed: %v", attempt+1, err)
			continue
		}

		if r.verify(ctx, s, marker, startURL) {
			r.log.Infof("interstitial cleared on attempt %d", attempt+1)
			return Result{Present: true, Resolved: true, State: StateResolved}, nil
		}
		r.log.Warnf("interstitial still present after attempt %d", attempt+1)
	}

	return Result{Present: true, State: StateFailed}, nil
}

// probe scans for a marker within ProbeTimeout. Returns the matched
// selector, a pseudo-selector for a keyword hit, or "" for no challenge.
func (r *Resolver) probe(ctx context.Context, s engine.Session) (string, error) {
	deadline := time.Now().Add(r.opts.ProbeTimeout)

	for {
		for _, sel := range markerSelectors {
			element, err := s.QuerySelector(sel)
			if err != nil {
				return "", err
			}
			if element != nil {
				return sel, nil
			}
		}

		if text, err := s.Text(""); err == nil {
			lower := strings.ToLower(text)
			for _, keyword := range markerKeywords {
				if strings.Contains(lower, keyword) {
					return "text:" + keyword, nil
				}
			}
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			return "", nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// drag locates the slider knob and its track, then synthesizes a
// pointer-down, eased multi-step move, pointer-up sequence. The easing
// is slow-fast-slow with small per-step perturbation so the motion is
// not linear.
func (r *Resolver) drag(s engine.Session, fraction float64) error {
	knob, err := findFirst(s, knobSelectors)
	if err != nil {
		return err
	}
	if knob == nil {
		return fmt.Errorf("slider knob not found")
	}
	track, err := findFirst(s, trackSelectors)
	if err != nil {
		return err
	}
	if track == nil {
		return fmt.Errorf("slider track not found")
	}

	knobBox, err := knob.BoundingBox()
	if err != nil || knobBox == nil {
		return fmt.Errorf("slider knob has no bounding box")
	}
	trackBox, err := track.BoundingBox()
	if err != nil || trackBox == nil {
		return fmt.Errorf("slider track has no bounding box")
	}

	startX := knobBox.X + knobBox.Width/2
	startY := knobBox.Y + knobBox.Height/2
	distance := trackBox.Width*fraction + (rand.Float64()-0.5)*12

	mouse := s.Mouse()
	if err := mouse.Move(startX, startY, 10); err != nil {
		return fmt.Errorf("move to knob: %w", err)
	}
	if err := mouse.Down(); err != nil {
		return fmt.Errorf("pointer down: %w", err)
	}

	steps := 18 + rand.Intn(10)
	for i := 1; i <= steps; i++ {
		progress := easeInOutCubic(float64(i) / float64(steps))
		x := startX + distance*progress + (rand.Float64()-0.5)*3
		y := startY + (rand.Float64()-0.5)*3
		if err := mouse.Move(x, y, 1); err != nil {
			_ = mouse.Up()
			return fmt.Errorf("drag step %d: %w", i, err)
		}
		time.Sleep(time.Duration(8+rand.Intn(14)) * time.Millisecond)
	}
	if err := mouse.Move(startX+distance, startY, 1); err != nil {
		_ = mouse.Up()
		return fmt.Errorf("final drag step: %w", err)
	}
	if err := mouse.Up(); err != nil {
		return fmt.Errorf("pointer up: %w", err)
	}

	// Let the widget settle before verification starts.
	time.Sleep(400*time.Millisecond + time.Duration(rand.Intn(300))*time.Millisecond)
	return nil
}

// verify waits for the interstitial to clear, racing marker removal,
// an explicit success indicator, and navigation off the verification
// page. Leaving the page with the marker gone counts as resolved.
func (r *Resolver) verify(ctx context.Context, s engine.Session, marker, startURL string) bool {
	deadline := time.Now().Add(r.opts.ResolveBudget)

	for {
		if gone, err := r.markerGone(s, marker); err == nil && gone {
			return true
		}

		for _, sel := range successSelectors {
			if element, err := s.QuerySelector(sel); err == nil && element != nil {
				return true
			}
		}

		if s.URL() != startURL {
			return true
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (r *Resolver) markerGone(s engine.Session, marker string) (bool, error) {
	if keyword, ok := strings.CutPrefix(marker, "text:"); ok {
		text, err := s.Text("")
		if err != nil {
			return false, err
		}
		return !strings.Contains(strings.ToLower(text), keyword), nil
	}

	element, err := s.QuerySelector(marker)
	if err != nil {
		return false, err
	}
	return element == nil, nil
}

// captureArtifacts writes a page snapshot, the serialized HTML, and the
// resolved URL under DebugDir for offline analysis. Purely diagnostic;
// failures are logged and swallowed.
func (r *Resolver) captureArtifacts(s engine.Session) {
	if r.opts.DebugDir == "" {
		return
	}

	stamp := time.Now().Format("20060102-150405.000")
	base := filepath.Join(r.opts.DebugDir, "challenge-"+stamp)

	if err := s.Screenshot(base + ".png"); err != nil {
		r.log.Warnf("artifact screenshot failed: %v", err)
	}

	if html, err := s.Content(); err != nil {
		r.log.Warnf("artifact dump failed: %v", err)
	} else if err := os.WriteFile(base+".html", []byte(html), 0600); err != nil {
		r.log.Warnf("artifact dump write failed: %v", err)
	}

	if err := os.WriteFile(base+".url.txt", []byte(s.URL()+"\n"), 0600); err != nil {
		r.log.Warnf("artifact url write failed: %v", err)
	}
}

// findFirst returns the first element matched by any of the selectors.
func findFirst(s engine.Session, selectors []string) (engine.Element, error) {
	for _, sel := range selectors {
		element, err := s.QuerySelector(sel)
		if err != nil {
			return nil, err
		}
		if element != nil {
			return element, nil
		}
	}
	return nil, nil
}

// easeInOutCubic maps linear progress onto a slow-fast-slow curve.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	u := 2*t - 2
	return 1 + u*u*u/2
}
