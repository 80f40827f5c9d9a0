package engine

import "time"

// Engine launches and tears down browser sessions. The pool owns one
// Engine for the lifetime of the process.
type Engine interface {
	// NewSession launches a fresh, isolated browser session.
	NewSession() (Session, error)

	// Stop shuts down the underlying runtime. Sessions must be closed
	// before Stop is called.
	Stop() error
}

// Session is one live browser session. A session is exclusively owned by
// a single pool handle and is never shared across concurrent borrowers.
type Session interface {
	// Navigate loads url and waits for the configured load state.
	Navigate(url string, opts NavigateOptions) error

	// WaitForSelector waits up to timeout for an element matching sel to
	// become visible. Returns false without error when the wait times out.
	WaitForSelector(sel string, timeout time.Duration) (bool, error)

	// QuerySelector returns the first element matching sel, or nil when
	// no element matches.
	QuerySelector(sel string) (Element, error)

	// Content returns the full serialized HTML of the current page.
	Content() (string, error)

	// Text returns the text content of the first element matching sel,
	// or of the document body when sel is empty.
	Text(sel string) (string, error)

	// Evaluate runs a script expression in page context and returns its value.
	Evaluate(expr string) (any, error)

	// Cookies returns every cookie visible to the session.
	Cookies() ([]Cookie, error)

	// SetCookies injects cookies into the session before navigation.
	SetCookies(cookies []Cookie) error

	// Screenshot writes a full-page capture to path.
	Screenshot(path string) error

	// URL returns the current page URL.
	URL() string

	// Mouse exposes raw pointer-event synthesis.
	Mouse() Mouse

	// Close tears the session down. Idempotent.
	Close() error
}

// Element is a handle to one DOM element.
type Element interface {
	BoundingBox() (*Box, error)
	TextContent() (string, error)
}

// Mouse synthesizes pointer events in page coordinates.
type Mouse interface {
	// Move moves the pointer to (x, y), interpolating over steps
	// intermediate positions.
	Move(x, y float64, steps int) error
	Down() error
	Up() error
}

// Box is an element's bounding box in page coordinates.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Cookie is one session cookie. This is also the on-disk shape of a
// credential snapshot: a JSON array of Cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// NavigateOptions configures page navigation.
type NavigateOptions struct {
	// WaitUntil specifies when navigation counts as finished.
	// Valid values: "load", "domcontentloaded", "networkidle".
	WaitUntil string

	// Timeout bounds the navigation; zero means the session default.
	Timeout time.Duration
}

// Options configures an Engine and the sessions it launches.
type Options struct {
	// Headless controls whether browsers run without a visible window.
	Headless bool

	// NavigateTimeout is the default timeout for page operations.
	NavigateTimeout time.Duration

	// ViewportWidth and ViewportHeight set the initial viewport.
	// Zero values fall back to 1280x720.
	ViewportWidth  int
	ViewportHeight int
}

// Default viewport and timeout values.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultTimeout        = 30 * time.Second
)
