package chrome

import (
	"context"
	"errors"
	"strings"

	"github.com/snapwright/engine/pkg/types"
)

var (
	ErrEngineNotStarted = errors.New("chrome engine is not started")
	ErrWaitTimeout      = errors.New("wait condition timed out")
)

// categorizeError maps a raw chromedp/Chrome error to an ErrorKind so the
// retry layer can classify it. Sentinel checks run before the string
// matching fallback for Chrome errors we don't control.
func categorizeError(err error) types.ErrorKind {
	if errors.Is(err, ErrWaitTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindNavigationTimeout
	}

	errMsg := strings.ToLower(err.Error())

	// Chrome's net::ERR_* family and transport failures
	if strings.Contains(errMsg, "net::err_") ||
		strings.Contains(errMsg, "dns") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "ssl") ||
		strings.Contains(errMsg, "tls") ||
		strings.Contains(errMsg, "certificate") {
		return types.ErrorKindNetworkError
	}

	// A dropped CDP session means the tab or browser went away
	if strings.Contains(errMsg, "context canceled") ||
		strings.Contains(errMsg, "websocket") ||
		strings.Contains(errMsg, "target closed") ||
		strings.Contains(errMsg, "session closed") ||
		strings.Contains(errMsg, "browser closed") {
		return types.ErrorKindEngineCrashed
	}

	if strings.Contains(errMsg, "could not find node") ||
		strings.Contains(errMsg, "waiting for selector") ||
		strings.Contains(errMsg, "no nodes found") {
		return types.ErrorKindElementNotFound
	}

	// Unknown render failures are treated as engine trouble so they retry
	return types.ErrorKindEngineCrashed
}

// renderError wraps a raw error with its categorized kind
func renderError(msg string, err error) *types.RenderError {
	return types.NewRenderError(categorizeError(err), msg, err)
}
