package types

import "fmt"

// ErrorKind classifies a render failure. Classification is a pure property
// of the kind, so retry behavior is deterministic regardless of attempt count.
type ErrorKind string

const (
	// ErrorKindNavigationTimeout indicates page navigation or a wait
	// condition exceeded its deadline. Retryable.
	ErrorKindNavigationTimeout ErrorKind = "navigation_timeout"
	// ErrorKindNetworkError indicates a transient network-level failure
	// (DNS, connection refused, TLS). Retryable.
	ErrorKindNetworkError ErrorKind = "network_error"
	// ErrorKindEngineCrashed indicates the rendering context died mid-render.
	// Retryable on a fresh context.
	ErrorKindEngineCrashed ErrorKind = "engine_crashed"
	// ErrorKindInvalidLocator indicates a malformed target URL. Fatal.
	ErrorKindInvalidLocator ErrorKind = "invalid_locator"
	// ErrorKindElementNotFound indicates a capture or extraction selector
	// matched nothing. Fatal.
	ErrorKindElementNotFound ErrorKind = "element_not_found"
	// ErrorKindUnsupportedOption indicates a request option the renderer
	// cannot honor. Fatal.
	ErrorKindUnsupportedOption ErrorKind = "unsupported_option"
)

// Retryable reports whether failures of this kind may succeed on a retry
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindNavigationTimeout, ErrorKindNetworkError, ErrorKindEngineCrashed:
		return true
	default:
		return false
	}
}

// RenderError is the typed failure returned by the renderer capability and
// consumed by the retry executor's classifier.
type RenderError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// NewRenderError builds a RenderError wrapping an optional cause
func NewRenderError(kind ErrorKind, message string, cause error) *RenderError {
	return &RenderError{Kind: kind, Message: message, Cause: cause}
}
