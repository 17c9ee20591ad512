// Package browser implements the action executor on a Chrome instance
// driven over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"authflow/internal/domain"
)

// Config holds configuration for the chromedp executor.
type Config struct {
	// RemoteURL is the CDP WebSocket endpoint for connecting to a remote
	// Chrome. If empty, a local Chrome instance is launched.
	RemoteURL string
	// Headless controls whether a locally launched Chrome runs headless.
	Headless bool
	// Timeout is the per-action timeout.
	Timeout time.Duration
	// ViewportWidth/ViewportHeight size the browser window. Normalized
	// action coordinates are scaled against these.
	ViewportWidth  int
	ViewportHeight int
}

// grid is the coordinate space actions are expressed in; the executor owns
// the scaling to real pixels so the proposer never needs the viewport size.
const grid = 1000

// maxScreenshotBytes bounds the JPEG handed to the vision model. Oversized
// captures are retried at lower quality.
const maxScreenshotBytes = 3 << 20

// screenshotQualities is the sequence of JPEG quality levels tried when a
// screenshot exceeds maxScreenshotBytes.
var screenshotQualities = []int{80, 60, 40, 20}

// Executor implements domain.ActionExecutor using chromedp. One tab, one
// page; all methods serialize on an internal mutex.
type Executor struct {
	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	timeout     time.Duration
	width       int
	height      int
	logger      *slog.Logger
}

// New launches (or connects to) Chrome and returns an executor bound to a
// fresh tab.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 720
	}

	e := &Executor{
		timeout: cfg.Timeout,
		width:   cfg.ViewportWidth,
		height:  cfg.ViewportHeight,
		logger:  logger,
	}

	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, e.allocCancel = chromedp.NewRemoteAllocator(
			context.Background(), cfg.RemoteURL,
		)
		logger.Info("chromedp connecting to remote browser", "url", cfg.RemoteURL)
	} else {
		// Copy default options to avoid mutating the package-level slice.
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		)
		allocCtx, e.allocCancel = chromedp.NewExecAllocator(
			context.Background(), opts...,
		)
		logger.Info("chromedp launching local browser", "headless", cfg.Headless)
	}

	e.tabCtx, e.tabCancel = chromedp.NewContext(allocCtx)

	// Start the browser by running an empty action.
	// IMPORTANT: We must NOT wrap tabCtx in context.WithTimeout because
	// chromedp binds the CDP session to the context passed to the first Run.
	// Canceling a derived context would kill the session immediately.
	startDone := make(chan error, 1)
	go func() { startDone <- chromedp.Run(e.tabCtx) }()
	select {
	case err := <-startDone:
		if err != nil {
			e.Close()
			return nil, domain.WrapOp("start browser", errors.Join(domain.ErrBrowserStart, err))
		}
	case <-time.After(cfg.Timeout):
		e.Close()
		return nil, domain.NewDomainError("start browser", domain.ErrBrowserStart,
			fmt.Sprintf("timed out after %v", cfg.Timeout))
	}

	logger.Info("chromedp browser started", "viewport", fmt.Sprintf("%dx%d", e.width, e.height))
	return e, nil
}

// withTimeout creates a timeout-derived context from the tab context.
// Caller must hold mu.
func (e *Executor) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.tabCtx, e.timeout)
}

// scale converts a normalized coordinate into viewport pixels.
func scale(c, size int) float64 {
	return float64(c) * float64(size) / grid
}

// CaptureState takes a screenshot and reads the page URL and title. While
// the page is mid-navigation the capture times out or returns transient CDP
// errors; those surface as ErrNavigating so the caller retries.
func (e *Executor) CaptureState(ctx context.Context) (*domain.BrowserState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tctx, cancel := e.withTimeout()
	defer cancel()

	var buf []byte
	// Try progressively lower JPEG quality until the result fits.
	for _, quality := range screenshotQualities {
		data, err := e.captureJPEG(tctx, quality)
		if err != nil {
			return nil, e.captureErr(err)
		}
		buf = data
		if len(buf) <= maxScreenshotBytes {
			break
		}
		e.logger.Debug("screenshot too large, reducing quality",
			"quality", quality, "bytes", len(buf), "max", maxScreenshotBytes)
	}

	var url, title string
	if err := chromedp.Run(tctx,
		chromedp.Location(&url),
		chromedp.Title(&title),
	); err != nil {
		return nil, e.captureErr(err)
	}

	return &domain.BrowserState{Screenshot: buf, URL: url, Title: title}, nil
}

func (e *Executor) captureJPEG(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(actx context.Context) error {
		data, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(actx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// captureErr classifies capture failures: timeouts and loader races mean the
// page is mid-transition and the caller should retry shortly.
func (e *Executor) captureErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTransientNav(err) {
		return domain.WrapOp("capture", errors.Join(domain.ErrNavigating, err))
	}
	return domain.WrapOp("capture", err)
}

func isTransientNav(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "net::ERR_ABORTED") ||
		strings.Contains(msg, "page load") ||
		strings.Contains(msg, "context canceled")
}

// Execute performs one typed action. Action-level failures (bad coordinates,
// element not interactable, navigation error) are reported in the result;
// only the session itself failing would make the process unusable, and even
// that surfaces as a failed result here so the caller's retry policy stays
// in charge.
func (e *Executor) Execute(ctx context.Context, action domain.Action) domain.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := string(action.Kind())
	res := domain.ExecutionResult{ActionName: name}

	if err := validateAction(action); err != nil {
		res.Error = err.Error()
		return res
	}

	tctx, cancel := e.withTimeout()
	defer cancel()

	var err error
	switch a := action.(type) {
	case domain.ClickAt:
		err = chromedp.Run(tctx,
			chromedp.MouseClickXY(scale(a.X, e.width), scale(a.Y, e.height)))

	case domain.TypeAt:
		err = chromedp.Run(tctx,
			chromedp.MouseClickXY(scale(a.X, e.width), scale(a.Y, e.height)),
			chromedp.Sleep(100*time.Millisecond),
			chromedp.KeyEvent(a.Text),
		)

	case domain.Scroll:
		err = chromedp.Run(tctx, chromedp.Evaluate(
			fmt.Sprintf("window.scrollBy(%d, %d)",
				int(scale(a.DeltaX, e.width)), int(scale(a.DeltaY, e.height))),
			nil,
		))

	case domain.Navigate:
		err = chromedp.Run(tctx,
			chromedp.Navigate(a.URL),
			chromedp.WaitReady("body"),
		)

	case domain.KeyCombo:
		err = chromedp.Run(tctx, chromedp.KeyEvent(mapKeys(a.Keys)))

	case domain.GoBack:
		err = chromedp.Run(tctx, chromedp.NavigateBack())

	case domain.GoForward:
		err = chromedp.Run(tctx, chromedp.NavigateForward())

	case domain.HoverAt:
		x, y := scale(a.X, e.width), scale(a.Y, e.height)
		err = chromedp.Run(tctx, chromedp.ActionFunc(func(actx context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(actx)
		}))

	default:
		res.Error = fmt.Sprintf("%v: %s", domain.ErrUnknownAction, name)
		return res
	}

	if err != nil {
		e.logger.Warn("action failed", "action", name, "error", err)
		res.Error = err.Error()
		return res
	}

	res.Success = true
	return res
}

// validateAction rejects malformed actions before they touch the browser.
func validateAction(action domain.Action) error {
	check := func(x, y int) error {
		if !domain.ValidCoordinate(x) || !domain.ValidCoordinate(y) {
			return domain.NewDomainError("execute", domain.ErrInvalidAction,
				fmt.Sprintf("coordinates (%d, %d) outside 0-%d grid", x, y, grid))
		}
		return nil
	}
	switch a := action.(type) {
	case domain.ClickAt:
		return check(a.X, a.Y)
	case domain.TypeAt:
		if a.Text == "" {
			return domain.NewDomainError("execute", domain.ErrInvalidAction, "empty text")
		}
		return check(a.X, a.Y)
	case domain.HoverAt:
		return check(a.X, a.Y)
	case domain.Navigate:
		if a.URL == "" {
			return domain.NewDomainError("execute", domain.ErrInvalidAction, "empty url")
		}
	case domain.KeyCombo:
		if a.Keys == "" {
			return domain.NewDomainError("execute", domain.ErrInvalidAction, "empty keys")
		}
	}
	return nil
}

// mapKeys translates symbolic key names into the control characters the CDP
// key event expects. Unrecognized names are sent literally.
func mapKeys(keys string) string {
	switch keys {
	case "Enter", "Return":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape", "Esc":
		return kb.Escape
	case "Backspace":
		return kb.Backspace
	case "Delete":
		return kb.Delete
	case "ArrowDown":
		return kb.ArrowDown
	case "ArrowUp":
		return kb.ArrowUp
	default:
		return keys
	}
}

// CurrentURL reads the active page URL without a screenshot.
func (e *Executor) CurrentURL(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tctx, cancel := e.withTimeout()
	defer cancel()

	var url string
	if err := chromedp.Run(tctx, chromedp.Location(&url)); err != nil {
		return "", e.captureErr(err)
	}
	return url, nil
}

// Close releases the tab and the browser process.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tabCancel != nil {
		e.tabCancel()
		e.tabCancel = nil
	}
	if e.allocCancel != nil {
		e.allocCancel()
		e.allocCancel = nil
	}
	e.logger.Info("chromedp browser closed")
	return nil
}
