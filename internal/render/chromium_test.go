package render

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestArticleToPDFRejectsForbiddenURL(t *testing.T) {
	t.Parallel()

	restrictions, err := NewRestrictions(`internal\.`)
	require.NoError(t, err)
	r := NewChromium(Config{Restrictions: restrictions}, zap.NewNop())

	_, err = r.ArticleToPDF(
		context.Background(),
		"https://internal.example.org/wiki/Page",
		FormatA4,
		ProfileFor(DeviceDesktop, "test-agent", ""),
		http.Header{},
	)
	var fh *ForbiddenHostError
	require.True(t, errors.As(err, &fh))
}

func TestAbortBeforeLaunchIsCheapAndIdempotent(t *testing.T) {
	t.Parallel()

	r := NewChromium(Config{}, zap.NewNop())
	require.NoError(t, r.Abort(context.Background()))
	require.NoError(t, r.Abort(context.Background()))

	// After abort every render error is absorbed into ErrAborted.
	_, err := r.ArticleToPDF(
		context.Background(),
		"https://en.wikipedia.org/wiki/Go",
		FormatLetter,
		DeviceProfile{},
		nil,
	)
	require.ErrorIs(t, err, ErrAborted)
}

// TestAbortForceKillsHungBrowser covers the close-timeout guard: when the
// graceful close never resolves, the force-kill path must run within the
// close timeout plus scheduling slack, and Abort must still resolve.
func TestAbortForceKillsHungBrowser(t *testing.T) {
	t.Parallel()

	r := NewChromium(Config{CloseTimeout: 50 * time.Millisecond}, zap.NewNop())

	var killed atomic.Bool
	r.mu.Lock()
	r.launched = true
	r.browserCtx = context.Background()
	r.closeBrowser = func(context.Context) error {
		select {} // hung browser: close never resolves
	}
	r.killProcess = func() error {
		killed.Store(true)
		return nil
	}
	r.mu.Unlock()

	start := time.Now()
	require.NoError(t, r.Abort(context.Background()))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.True(t, killed.Load())
}

func TestAbortSwallowsKillFailure(t *testing.T) {
	t.Parallel()

	r := NewChromium(Config{CloseTimeout: 10 * time.Millisecond}, zap.NewNop())
	r.mu.Lock()
	r.launched = true
	r.browserCtx = context.Background()
	r.closeBrowser = func(context.Context) error { select {} }
	r.killProcess = func() error { return errors.New("process already exited") }
	r.mu.Unlock()

	require.NoError(t, r.Abort(context.Background()))
}

func TestParsePageFormat(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"letter", "a4", "legal", "A4", " Letter "} {
		f, err := ParsePageFormat(raw)
		require.NoError(t, err, raw)
		_, ok := paperSizes[f]
		require.True(t, ok)
	}
	_, err := ParsePageFormat("tabloid")
	require.Error(t, err)
}

func TestParseDeviceType(t *testing.T) {
	t.Parallel()

	dt, err := ParseDeviceType("")
	require.NoError(t, err)
	require.Equal(t, DeviceDesktop, dt)

	dt, err = ParseDeviceType("mobile")
	require.NoError(t, err)
	require.Equal(t, DeviceMobile, dt)

	_, err = ParseDeviceType("tablet")
	require.Error(t, err)
}

func TestProfileFor(t *testing.T) {
	t.Parallel()

	desktop := ProfileFor(DeviceDesktop, "desktop-ua", "mobile-ua")
	require.False(t, desktop.Mobile)
	require.Equal(t, "desktop-ua", desktop.UserAgent)

	mobile := ProfileFor(DeviceMobile, "desktop-ua", "mobile-ua")
	require.True(t, mobile.Mobile)
	require.Equal(t, "mobile-ua", mobile.UserAgent)
	require.Less(t, mobile.Width, desktop.Width)
}

func TestSanitizeHeadersStripsHost(t *testing.T) {
	t.Parallel()

	src := http.Header{}
	src.Set("Host", "evil.example.org")
	src.Set("Accept-Language", "en")
	src.Add("X-Forwarded-For", "1.2.3.4")

	got := SanitizeHeaders(src)
	require.Empty(t, got.Get("Host"))
	require.Equal(t, "en", got.Get("Accept-Language"))
	require.Equal(t, "1.2.3.4", got.Get("X-Forwarded-For"))
}

func TestResponseMetaKeepsFirstDocumentResponse(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.mu.Lock()
	meta.status = 200
	meta.statusText = "OK"
	meta.mu.Unlock()

	status, text, _ := meta.snapshot()
	require.Equal(t, 200, status)
	require.Equal(t, "OK", text)
}
