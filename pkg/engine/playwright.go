package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightEngine drives sessions through a shared Playwright runtime.
// Each session gets its own browser, context, and page so that cookies
// and storage never leak between handles.
type PlaywrightEngine struct {
	pw   *playwright.Playwright
	opts Options
}

// NewPlaywrightEngine installs (if needed) and starts the Playwright
// runtime. Driver output is discarded so it cannot pollute service logs.
func NewPlaywrightEngine(opts Options) (*PlaywrightEngine, error) {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = DefaultViewportWidth
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = DefaultViewportHeight
	}
	if opts.NavigateTimeout == 0 {
		opts.NavigateTimeout = DefaultTimeout
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightEngine{pw: pw, opts: opts}, nil
}

// NewSession launches one isolated Chromium session.
func (e *PlaywrightEngine) NewSession() (Session, error) {
	browser, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	page.SetDefaultTimeout(float64(e.opts.NavigateTimeout.Milliseconds()))

	return &playwrightSession{
		browser: browser,
		context: context,
		page:    page,
	}, nil
}

// Stop shuts the Playwright runtime down.
func (e *PlaywrightEngine) Stop() error {
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightSession struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	closed  bool
}

func (s *playwrightSession) Navigate(url string, opts NavigateOptions) error {
	gotoOpts := playwright.PageGotoOptions{}
	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		gotoOpts.WaitUntil = &waitUntil
	}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = playwright.Float(float64(opts.Timeout.Milliseconds()))
	}

	if _, err := s.page.Goto(url, gotoOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) WaitForSelector(sel string, timeout time.Duration) (bool, error) {
	_, err := s.page.WaitForSelector(sel, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return false, nil
		}
		return false, fmt.Errorf("wait failed: %w", err)
	}
	return true, nil
}

func (s *playwrightSession) QuerySelector(sel string) (Element, error) {
	handle, err := s.page.QuerySelector(sel)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	return &playwrightElement{handle: handle}, nil
}

func (s *playwrightSession) Content() (string, error) {
	content, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("content read failed: %w", err)
	}
	return content, nil
}

func (s *playwrightSession) Text(sel string) (string, error) {
	if sel == "" {
		sel = "body"
	}
	element, err := s.page.QuerySelector(sel)
	if err != nil {
		return "", fmt.Errorf("selector query failed: %w", err)
	}
	if element == nil {
		return "", fmt.Errorf("no element found matching selector: %s", sel)
	}
	text, err := element.TextContent()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

func (s *playwrightSession) Evaluate(expr string) (any, error) {
	value, err := s.page.Evaluate(expr)
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return value, nil
}

func (s *playwrightSession) Cookies() ([]Cookie, error) {
	raw, err := s.context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("cookie read failed: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (s *playwrightSession) SetCookies(cookies []Cookie) error {
	converted := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := playwright.OptionalCookie{
			Name:  c.Name,
			Value: c.Value,
		}
		if c.Domain != "" {
			cookie.Domain = playwright.String(c.Domain)
		}
		if c.Path != "" {
			cookie.Path = playwright.String(c.Path)
		}
		if c.Expires != 0 {
			cookie.Expires = playwright.Float(c.Expires)
		}
		if c.HTTPOnly {
			cookie.HttpOnly = playwright.Bool(true)
		}
		if c.Secure {
			cookie.Secure = playwright.Bool(true)
		}
		if c.SameSite != "" {
			sameSite := playwright.SameSiteAttribute(c.SameSite)
			cookie.SameSite = &sameSite
		}
		converted = append(converted, cookie)
	}

	if err := s.context.AddCookies(converted); err != nil {
		return fmt.Errorf("cookie injection failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) Screenshot(path string) error {
	_, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	return nil
}

func (s *playwrightSession) URL() string {
	return s.page.URL()
}

func (s *playwrightSession) Mouse() Mouse {
	return &playwrightMouse{mouse: s.page.Mouse()}
}

func (s *playwrightSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	// Continue teardown past individual failures.
	_ = s.page.Close()
	_ = s.context.Close()
	if err := s.browser.Close(); err != nil {
		return fmt.Errorf("browser close failed: %w", err)
	}
	return nil
}

type playwrightElement struct {
	handle playwright.ElementHandle
}

func (e *playwrightElement) BoundingBox() (*Box, error) {
	rect, err := e.handle.BoundingBox()
	if err != nil {
		return nil, fmt.Errorf("bounding box failed: %w", err)
	}
	if rect == nil {
		return nil, nil
	}
	return &Box{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}, nil
}

func (e *playwrightElement) TextContent() (string, error) {
	return e.handle.TextContent()
}

type playwrightMouse struct {
	mouse playwright.Mouse
}

func (m *playwrightMouse) Move(x, y float64, steps int) error {
	opts := playwright.MouseMoveOptions{}
	if steps > 0 {
		opts.Steps = playwright.Int(steps)
	}
	return m.mouse.Move(x, y, opts)
}

func (m *playwrightMouse) Down() error {
	return m.mouse.Down()
}

func (m *playwrightMouse) Up() error {
	return m.mouse.Up()
}
