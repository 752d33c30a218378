package renderer

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/snapfleet/worker/internal/metrics"
)

// desktopUserAgent is the fixed user agent applied to every render,
// per spec.md §4.3, so captures are deterministic across machines
// with different installed Chrome/Chromium builds.
const desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// lateContentWait is how long a render waits after navigation
// settles, to let late dynamic content (lazy images, client-side
// rendering) finish painting before capture.
const lateContentWait = 2 * time.Second

// launchBackoff implements the engine launch policy
// of spec.md §4.3: retried up to 3 times with exponential backoff
// (2s, 4s, 6s); final failure is fatal for the process.
var launchBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// ChromeRenderer drives headless Chrome over the DevTools protocol
// via chromedp. It keeps a single long-lived allocator + browser
// context shared across concurrent renders, probing it before each
// render and destroying/recreating it on failure — the only
// synchronized section is that re-initialization check.
type ChromeRenderer struct {
	mu           sync.Mutex
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserClose context.CancelFunc

	// OnHealthChange, if set, is called with false the moment the
	// engine handle is found dead and with true once a relaunch
	// brings it back up. The worker process wires this to the health
	// server's readiness gate.
	OnHealthChange func(healthy bool)
}

// NewChromeRenderer launches the shared engine handle, retrying per
// the backoff policy above. A final failure is returned as-is; the
// caller (the worker runtime) treats it as Fatal and exits.
func NewChromeRenderer(ctx context.Context) (*ChromeRenderer, error) {
	r := &ChromeRenderer{}
	if err := r.launch(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ChromeRenderer) launch(ctx context.Context) error {
	var lastErr error
	attempts := append([]time.Duration{0}, launchBackoff...)
	for i, wait := range attempts {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := r.launchOnce(ctx); err != nil {
			lastErr = fmt.Errorf("launch attempt %d: %w", i+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("engine launch failed after %d attempts: %w", len(attempts), lastErr)
}

func (r *ChromeRenderer) launchOnce(ctx context.Context) error {
	// The allocator outlives ctx (a signal context, or a single render's
	// context on relaunch); it is torn down only by Close or a relaunch.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx),
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", true))...,
	)
	browserCtx, browserClose := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserClose()
		allocCancel()
		return err
	}
	r.allocCtx, r.allocCancel = allocCtx, allocCancel
	r.browserCtx, r.browserClose = browserCtx, browserClose
	return nil
}

// probe issues a cheap metadata call against the engine handle to
// check it is still alive.
func (r *ChromeRenderer) probe(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := target.GetTargets().Do(ctx)
		return err
	}))
}

// ensureEngine probes the current handle and, on failure, destroys
// and re-creates it. This is the only section guarded by r.mu;
// individual renders proceed concurrently once they have a live
// browser context.
func (r *ChromeRenderer) ensureEngine(ctx context.Context) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.probe(r.browserCtx) == nil {
		return r.browserCtx, nil
	}
	if r.OnHealthChange != nil {
		r.OnHealthChange(false)
	}
	if r.browserClose != nil {
		r.browserClose()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
	if err := r.launch(ctx); err != nil {
		return nil, err
	}
	metrics.EngineRelaunches.Inc()
	if r.OnHealthChange != nil {
		r.OnHealthChange(true)
	}
	return r.browserCtx, nil
}

func (r *ChromeRenderer) Render(ctx context.Context, opts Options) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engineCtx, err := r.ensureEngine(renderCtx)
	if err != nil {
		return nil, &RenderError{URL: opts.URL, Cause: err}
	}

	pageCtx, pageCancel := chromedp.NewContext(engineCtx)
	defer pageCancel()
	// Close the page when renderCtx ends (timeout or caller cancel).
	stopAfter := context.AfterFunc(renderCtx, pageCancel)
	defer stopAfter()

	pngBytes, err := r.capture(pageCtx, opts)
	if err != nil {
		return nil, &RenderError{URL: opts.URL, Cause: err}
	}
	if opts.Format == "jpeg" {
		jpegBytes, err := pngToJPEG(pngBytes, opts.Quality)
		if err != nil {
			return nil, &RenderError{URL: opts.URL, Cause: err}
		}
		return jpegBytes, nil
	}
	return pngBytes, nil
}

func (r *ChromeRenderer) capture(ctx context.Context, opts Options) ([]byte, error) {
	idle := waitForNetworkIdle(ctx, 10*time.Second)

	var buf []byte
	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height), chromedp.EmulateScale(1)),
		network.SetUserAgentOverride(desktopUserAgent),
		chromedp.Navigate(opts.URL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			select {
			case <-idle:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			select {
			case <-time.After(lateContentWait):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	}
	if opts.FullPage {
		actions = append(actions, chromedp.FullScreenshot(&buf, 100))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&buf))
	}

	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, err
	}
	return buf, nil
}

// waitForNetworkIdle returns a channel that closes either when a CDP
// "networkIdle" lifecycle event is observed, or after timeout — a
// best-effort approximation of "networkidle semantics" that never
// blocks the render forever if the event never fires.
func waitForNetworkIdle(ctx context.Context, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			closeDone()
		}
	})
	go func() {
		select {
		case <-time.After(timeout):
			closeDone()
		case <-ctx.Done():
			closeDone()
		case <-done:
		}
	}()
	return done
}

func pngToJPEG(pngBytes []byte, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 80
	}
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, fmt.Errorf("decode png for jpeg re-encode: %w", err)
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return out.Bytes(), nil
}

// Close tears down the shared engine handle. Safe to call once
// during worker shutdown.
func (r *ChromeRenderer) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserClose != nil {
		r.browserClose()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
	return nil
}
