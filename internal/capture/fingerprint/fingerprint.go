package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/snapwright/engine/pkg/types"
)

// Computer derives deterministic fingerprints from capture requests.
// Semantically identical requests must always collide: URLs are normalized
// to canonical form and options are canonicalized with defaults applied
// before hashing.
type Computer struct {
	defaultViewport types.Viewport
}

// NewComputer creates a fingerprint computer using the given viewport
// defaults for requests that leave the viewport unset.
func NewComputer(defaultViewport types.Viewport) *Computer {
	if defaultViewport.IsZero() {
		defaultViewport = types.Viewport{
			Width:  types.DefaultViewportWidth,
			Height: types.DefaultViewportHeight,
		}
	}
	return &Computer{defaultViewport: defaultViewport}
}

// Compute returns the fingerprint and the canonical options summary for a
// request. A malformed URL is a fatal invalid_locator error: it is never
// retried and never cached.
func (c *Computer) Compute(req *types.CaptureRequest) (string, string, error) {
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		return "", "", types.NewRenderError(types.ErrorKindInvalidLocator, "cannot fingerprint request", err)
	}

	summary := c.OptionsSummary(req)
	digest := xxhash.Sum64String(normalized + "|" + summary)
	return fmt.Sprintf("%016x", digest), summary, nil
}

// OptionsSummary canonicalizes the rendering options into a stable
// "key=value;" string: defaults applied, keys sorted, list values ordered.
// The summary is also persisted in cache metadata so entries can be
// inspected without reading the payload.
func (c *Computer) OptionsSummary(req *types.CaptureRequest) string {
	viewport := req.Viewport
	if viewport.IsZero() {
		viewport = c.defaultViewport
	}

	opts := map[string]string{
		"viewport":  fmt.Sprintf("%dx%d", viewport.Width, viewport.Height),
		"full_page": fmt.Sprintf("%t", req.FullPage),
		"mobile":    fmt.Sprintf("%t", req.Mobile),
	}
	if req.Selector != "" {
		opts["selector"] = req.Selector
	}
	if req.Device != "" {
		opts["device"] = req.Device
	}
	if len(req.WaitFor) > 0 {
		waitFor := make([]string, len(req.WaitFor))
		copy(waitFor, req.WaitFor)
		sort.Strings(waitFor)
		opts["wait_for"] = strings.Join(waitFor, ",")
	}
	if req.ExtraWait > 0 {
		opts["extra_wait"] = time.Duration(req.ExtraWait).String()
	}
	if req.WaitTimeout > 0 {
		opts["wait_timeout"] = time.Duration(req.WaitTimeout).String()
	}
	if req.SkipScreenshot {
		opts["skip_screenshot"] = "true"
	}
	if len(req.ExtractSelectors) > 0 {
		names := make([]string, 0, len(req.ExtractSelectors))
		for name := range req.ExtractSelectors {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, name+":"+req.ExtractSelectors[name])
		}
		opts["extract"] = strings.Join(pairs, ",")
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(opts[k])
		sb.WriteByte(';')
	}
	return sb.String()
}

// NormalizeURL converts a URL to canonical form: lowercase scheme and host,
// default ports stripped, path cleaned, query parameters sorted, fragment
// dropped. URLs without a scheme get https.
func NormalizeURL(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "//") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	if u.Host == "" {
		return "", fmt.Errorf("invalid URL: missing host")
	}
	hostname := u.Hostname()
	if !strings.Contains(hostname, ".") && hostname != "localhost" {
		return "", fmt.Errorf("invalid URL: invalid host %q", u.Host)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ".")

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = normalizePath(u.Path)
	u.RawQuery = normalizeQuery(u.RawQuery)
	u.Fragment = ""

	return u.String(), nil
}

func normalizePath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	parts := strings.Split(path, "/")
	var resolved []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 && resolved[len(resolved)-1] != ".." {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if len(result) > 1 && strings.HasSuffix(path, "/") {
		result += "/"
	}
	return result
}

// normalizeQuery sorts query parameters so that URLs differing only in
// parameter order produce identical fingerprints
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}
	return strings.Join(parts, "&")
}
