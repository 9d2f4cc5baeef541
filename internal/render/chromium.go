package render

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// DefaultCloseTimeout bounds the graceful browser close before the
// subprocess is force-killed.
const DefaultCloseTimeout = 3 * time.Second

// networkIdleEvent is the page lifecycle milestone navigation waits for.
const networkIdleEvent = "networkIdle"

// Renderer is the capability the queue glue consumes: produce a PDF or fail,
// and tear the browser down on demand. A Renderer is single-use per job; two
// ArticleToPDF calls on the same Renderer are not supported.
type Renderer interface {
	ArticleToPDF(ctx context.Context, rawURL string, format PageFormat, profile DeviceProfile, headers http.Header) (*Result, error)
	Abort(ctx context.Context) error
}

// PDFOptions is the print template applied to every produced document.
type PDFOptions struct {
	PrintBackground bool
	Landscape       bool
	MarginIn        float64
	Scale           float64
}

// Config controls the Chromium renderer.
type Config struct {
	Restrictions *Restrictions
	CloseTimeout time.Duration
	// ExtraFlags are appended to the default chromium launch flags.
	ExtraFlags map[string]any
	PDF        PDFOptions
}

// Chromium renders one article to PDF using a dedicated headless Chrome
// subprocess. It owns the subprocess for its lifetime; Abort is the sole
// escape hatch and guarantees no orphan process survives the job.
type Chromium struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	aborted       bool
	launched      bool
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	proc          *os.Process

	// closeBrowser and killProcess are swappable for tests.
	closeBrowser func(ctx context.Context) error
	killProcess  func() error
}

// NewChromium creates a renderer for a single job.
func NewChromium(cfg Config, logger *zap.Logger) *Chromium {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Chromium{cfg: cfg, logger: logger}
}

// ArticleToPDF navigates the article URL in a fresh headless browser and
// returns the printed PDF. The allow-rule gates the navigation target and,
// via request interception, every sub-resource the page loads.
func (r *Chromium) ArticleToPDF(
	ctx context.Context,
	rawURL string,
	format PageFormat,
	profile DeviceProfile,
	headers http.Header,
) (*Result, error) {
	if err := r.cfg.Restrictions.Allow(rawURL); err != nil {
		return nil, err
	}

	browserCtx, err := r.launch(profile.UserAgent)
	if err != nil {
		return nil, r.absorb(err)
	}
	defer r.teardown()

	if err := chromedp.Run(browserCtx); err != nil {
		return nil, r.absorb(fmt.Errorf("chromedp warmup: %w", err))
	}
	r.recordProcess(browserCtx)

	meta := newResponseMeta()
	chromedp.ListenTarget(browserCtx, meta.captureEvent)
	r.interceptRequests(browserCtx)
	idle := newIdleWaiter(browserCtx)

	actions := []chromedp.Action{
		fetch.Enable(),
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		emulation.SetUserAgentOverride(profile.UserAgent),
		emulation.SetDeviceMetricsOverride(profile.Width, profile.Height, 1, profile.Mobile),
		// Script execution stays off so lazily loaded resources are not
		// deferred past the network-idle wait.
		emulation.SetScriptExecutionDisabled(true),
		network.SetExtraHTTPHeaders(toNetworkHeaders(headers)),
		chromedp.Navigate(rawURL),
		chromedp.ActionFunc(idle.wait),
	}
	runCtx, cancelRun := context.WithCancel(browserCtx)
	defer cancelRun()
	stop := forwardCancel(ctx, cancelRun)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return nil, r.absorb(fmt.Errorf("navigate article: %w", err))
	}

	status, statusText, respHeaders := meta.snapshot()
	if status == 0 {
		return nil, r.absorb(ErrMalformedResponse)
	}
	if status >= http.StatusBadRequest {
		return nil, r.absorb(&NavigationError{Code: status, Message: statusText})
	}

	buf, err := r.printPDF(runCtx, format)
	if err != nil {
		return nil, r.absorb(fmt.Errorf("print pdf: %w", err))
	}

	lastModified := respHeaders.Get("Last-Modified")
	if lastModified == "" {
		lastModified = time.Now().UTC().Format(http.TimeFormat)
	}
	return &Result{Buffer: buf, LastModified: lastModified}, nil
}

// Abort tears the browser down: graceful close bounded by CloseTimeout, then
// a force-kill of the subprocess. It is idempotent and safe in any state;
// kill failures are swallowed because they represent races where the process
// already exited.
func (r *Chromium) Abort(ctx context.Context) error {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return nil
	}
	r.aborted = true
	launched := r.launched
	browserCtx := r.browserCtx
	closeFn := r.closeBrowser
	killFn := r.killProcess
	r.mu.Unlock()

	if !launched {
		return nil
	}
	if closeFn == nil {
		closeFn = func(c context.Context) error { return chromedp.Cancel(c) }
	}
	if killFn == nil {
		killFn = r.defaultKill
	}

	done := make(chan error, 1)
	go func() { done <- closeFn(browserCtx) }()

	timer := time.NewTimer(r.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			r.logger.Debug("browser close reported error", zap.Error(err))
		}
	case <-timer.C:
		r.logger.Warn("browser close timed out, force killing")
		_ = killFn()
	case <-ctx.Done():
		_ = killFn()
	}
	r.teardown()
	return nil
}

func (r *Chromium) launch(userAgent string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return nil, ErrAborted
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	for name, value := range r.cfg.ExtraFlags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocCancel = allocCancel
	r.launched = true
	return browserCtx, nil
}

func (r *Chromium) recordProcess(browserCtx context.Context) {
	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil {
		return
	}
	r.mu.Lock()
	r.proc = c.Browser.Process()
	r.mu.Unlock()
}

func (r *Chromium) defaultKill() error {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func (r *Chromium) teardown() {
	r.mu.Lock()
	browserCancel := r.browserCancel
	allocCancel := r.allocCancel
	r.mu.Unlock()
	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
}

// absorb swallows errors that arrive after Abort set the flag: the caller
// already knows cancellation happened.
func (r *Chromium) absorb(err error) error {
	r.mu.Lock()
	aborted := r.aborted
	r.mu.Unlock()
	if aborted {
		r.logger.Debug("render error absorbed after abort", zap.Error(err))
		return ErrAborted
	}
	return err
}

// interceptRequests applies the allow-rule to every sub-resource the page
// requests, failing denied ones with an access-denied code. The forbidden
// Host header never reaches the wire because SetExtraHTTPHeaders receives a
// sanitized set.
func (r *Chromium) interceptRequests(browserCtx context.Context) {
	chromedp.ListenTarget(browserCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(browserCtx)
			if c == nil {
				return
			}
			execCtx := cdp.WithExecutor(browserCtx, c.Target)
			if err := r.cfg.Restrictions.Allow(paused.Request.URL); err != nil {
				r.logger.Debug("sub-resource denied", zap.String("url", paused.Request.URL))
				if failErr := fetch.FailRequest(paused.RequestID, network.ErrorReasonAccessDenied).Do(execCtx); failErr != nil {
					r.logger.Debug("fail request", zap.Error(failErr))
				}
				return
			}
			if contErr := fetch.ContinueRequest(paused.RequestID).Do(execCtx); contErr != nil {
				r.logger.Debug("continue request", zap.Error(contErr))
			}
		}()
	})
}

func (r *Chromium) printPDF(ctx context.Context, format PageFormat) ([]byte, error) {
	size, ok := paperSizes[format]
	if !ok {
		return nil, fmt.Errorf("unsupported page format %q", format)
	}
	var buf []byte
	action := chromedp.ActionFunc(func(c context.Context) error {
		params := page.PrintToPDF().
			WithPaperWidth(size.width).
			WithPaperHeight(size.height).
			WithPrintBackground(r.cfg.PDF.PrintBackground).
			WithLandscape(r.cfg.PDF.Landscape)
		if r.cfg.PDF.MarginIn > 0 {
			params = params.
				WithMarginTop(r.cfg.PDF.MarginIn).
				WithMarginBottom(r.cfg.PDF.MarginIn).
				WithMarginLeft(r.cfg.PDF.MarginIn).
				WithMarginRight(r.cfg.PDF.MarginIn)
		}
		if r.cfg.PDF.Scale > 0 {
			params = params.WithScale(r.cfg.PDF.Scale)
		}
		var err error
		buf, _, err = params.Do(c)
		return err
	})
	if err := chromedp.Run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

type responseMeta struct {
	mu         sync.Mutex
	status     int
	statusText string
	headers    http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	if m.status == 0 {
		m.status = int(resp.Response.Status)
		m.statusText = resp.Response.StatusText
		m.headers = headers
	}
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.statusText, m.headers.Clone()
}

// idleWaiter resolves once the main frame reports network idle.
type idleWaiter struct {
	ch chan struct{}
}

func newIdleWaiter(browserCtx context.Context) *idleWaiter {
	w := &idleWaiter{ch: make(chan struct{})}
	var once sync.Once
	chromedp.ListenTarget(browserCtx, func(ev any) {
		lifecycle, ok := ev.(*page.EventLifecycleEvent)
		if !ok || lifecycle.Name != networkIdleEvent {
			return
		}
		once.Do(func() { close(w.ch) })
	})
	return w
}

func (w *idleWaiter) wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait network idle: %w", ctx.Err())
	}
}

// forwardCancel propagates parent cancellation into cancel until stopped.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// SanitizeHeaders returns a copy of src with the forbidden Host header
// removed. The browser supplies its own Host from the target URL.
func SanitizeHeaders(src http.Header) http.Header {
	dst := http.Header{}
	for key, values := range src {
		if http.CanonicalHeaderKey(key) == "Host" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
