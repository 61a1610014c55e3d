package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Compression algorithm identifiers for payload storage
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// File extensions appended to compressed payload files
const (
	ExtSnappy = ".sz"
	ExtLZ4    = ".lz4"
)

// CompressionMinSize is the minimum payload size in bytes worth compressing
const CompressionMinSize = 512

// Default rendering parameters applied when a CaptureRequest leaves them unset
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
	DefaultWaitTimeout    = 5 * time.Second
)

// Viewport describes the browser window dimensions for a capture
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// IsZero reports whether the viewport was left unset by the caller
func (v Viewport) IsZero() bool {
	return v.Width == 0 && v.Height == 0
}

// CaptureRequest describes a single page capture. It is an immutable value:
// the orchestrator only reads it to derive a fingerprint and drive rendering.
type CaptureRequest struct {
	URL         string   `json:"url"`
	Viewport    Viewport `json:"viewport,omitempty"`
	FullPage    bool     `json:"full_page"`
	Selector    string   `json:"selector,omitempty"`
	WaitFor     []string `json:"wait_for,omitempty"`
	WaitTimeout Duration `json:"wait_timeout,omitempty"`
	ExtraWait   Duration `json:"extra_wait,omitempty"`
	Mobile      bool     `json:"mobile,omitempty"`
	Device      string   `json:"device,omitempty"`

	// ExtractSelectors maps result names to CSS selectors whose text content
	// is extracted alongside the screenshot.
	ExtractSelectors map[string]string `json:"extract,omitempty"`

	// SkipScreenshot renders and extracts without producing an image payload
	SkipScreenshot bool `json:"skip_screenshot,omitempty"`

	// RequestID is an optional caller-supplied correlation ID
	RequestID string `json:"request_id,omitempty"`
}

// RenderResult is the outcome of one successful renderer invocation
type RenderResult struct {
	RequestID  string            `json:"request_id"`
	Screenshot []byte            `json:"-"`
	Extracted  map[string]string `json:"extracted,omitempty"`
	FinalURL   string            `json:"final_url,omitempty"`
	RenderTime time.Duration     `json:"render_time"`
	ContextID  int               `json:"context_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// CaptureResult is what the orchestrator returns to callers. PayloadPath
// points at the durable screenshot artifact when caching is enabled.
type CaptureResult struct {
	RequestID   string            `json:"request_id,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	PayloadPath string            `json:"payload_path,omitempty"`
	Screenshot  []byte            `json:"-"`
	Extracted   map[string]string `json:"extracted,omitempty"`
	FromCache   bool              `json:"from_cache"`
	RenderTime  time.Duration     `json:"render_time,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Duration wraps time.Duration with extended YAML/JSON parsing support for
// day and week suffixes ("30d", "2w") in addition to time.ParseDuration forms.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err == nil {
		*d = Duration(dur)
		return nil
	}

	dur, err = parseExtendedDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON accepts both numbers (nanoseconds) and strings ("15s", "30d")
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ns int64
	if err := json.Unmarshal(data, &ns); err == nil {
		*d = Duration(ns)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number, got %s", string(data))
	}

	dur, err := time.ParseDuration(s)
	if err == nil {
		*d = Duration(dur)
		return nil
	}

	dur, err = parseExtendedDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

var extendedDurationRe = regexp.MustCompile(`^(-?)(\d+(?:\.\d+)?)(d|w)$`)

func parseExtendedDuration(s string) (time.Duration, error) {
	matches := extendedDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid format, expected format like '30d' or '2w'")
	}

	value, err := strconv.ParseFloat(matches[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %w", err)
	}
	if matches[1] == "-" {
		value = -value
	}

	switch matches[3] {
	case "d":
		return time.Duration(value * float64(24*time.Hour)), nil
	case "w":
		return time.Duration(value * float64(7*24*time.Hour)), nil
	default:
		return 0, fmt.Errorf("unsupported suffix %q", matches[3])
	}
}
