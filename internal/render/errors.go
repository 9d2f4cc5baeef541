package render

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse indicates navigation completed without a usable
// document response.
var ErrMalformedResponse = errors.New("renderer returned no usable response")

// ErrAborted indicates the render was torn down by Abort; whatever error the
// browser surfaced afterwards has been absorbed because the caller already
// initiated the cancellation.
var ErrAborted = errors.New("render aborted")

// NavigationError reports an upstream HTTP failure (status >= 400) for the
// navigated document.
type NavigationError struct {
	Code    int
	Message string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed with status %d: %s", e.Code, e.Message)
}

// ForbiddenHostError reports a target URL refused by the allow-rule.
type ForbiddenHostError struct {
	URL string
}

func (e *ForbiddenHostError) Error() string {
	return fmt.Sprintf("forbidden target url %q", e.URL)
}
