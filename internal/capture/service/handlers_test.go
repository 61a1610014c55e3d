package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/cache"
	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/pkg/types"
)

type fakeCapturer struct {
	captures   atomic.Int32
	captureFn  func(req *types.CaptureRequest) (*types.CaptureResult, error)
	cleared    int64
	invalidate []*types.CaptureRequest
}

func (f *fakeCapturer) Capture(_ context.Context, req *types.CaptureRequest) (*types.CaptureResult, error) {
	f.captures.Add(1)
	if f.captureFn != nil {
		return f.captureFn(req)
	}
	return &types.CaptureResult{
		Fingerprint: "a1b2c3d4e5f60718",
		Screenshot:  []byte("png"),
		RenderTime:  1200 * time.Millisecond,
	}, nil
}

func (f *fakeCapturer) Invalidate(_ context.Context, req *types.CaptureRequest) error {
	f.invalidate = append(f.invalidate, req)
	return nil
}

func (f *fakeCapturer) ClearCache(context.Context) (int64, error) {
	return f.cleared, nil
}

func (f *fakeCapturer) CacheStats(context.Context) (*cache.Stats, error) {
	return &cache.Stats{Entries: 7, Hits: 3}, nil
}

func (f *fakeCapturer) PoolStats() pool.Stats {
	return pool.Stats{MaxContexts: 3, LiveContexts: 2, IdleContexts: 1, ActiveLeases: 1}
}

func doRequest(t *testing.T, s *Server, method, path, body string) *fasthttp.RequestCtx {
	t.Helper()
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	s.route(ctx)
	return ctx
}

func decodeCapture(t *testing.T, ctx *fasthttp.RequestCtx) *CaptureResponse {
	t.Helper()
	var resp CaptureResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	return &resp
}

func newTestServer(fc *fakeCapturer) *Server {
	return NewServer(fc, nil, time.Minute, zap.NewNop())
}

func TestHandleCapture_Success(t *testing.T) {
	fc := &fakeCapturer{}
	s := newTestServer(fc)

	ctx := doRequest(t, s, "POST", "/capture", `{"url":"https://example.com/"}`)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	resp := decodeCapture(t, ctx)
	assert.True(t, resp.Success)
	assert.Equal(t, "a1b2c3d4e5f60718", resp.Fingerprint)
	assert.Equal(t, int64(1200), resp.RenderTimeMS)
	assert.Equal(t, []byte("png"), resp.Screenshot)
}

func TestHandleCapture_Validation(t *testing.T) {
	s := newTestServer(&fakeCapturer{})

	ctx := doRequest(t, s, "POST", "/capture", `{broken`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = doRequest(t, s, "POST", "/capture", `{"full_page":true}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Contains(t, decodeCapture(t, ctx).Error, "url field is required")
}

func TestHandleCapture_ErrorStatusByKind(t *testing.T) {
	tests := []struct {
		kind     types.ErrorKind
		expected int
	}{
		{types.ErrorKindInvalidLocator, fasthttp.StatusBadRequest},
		{types.ErrorKindUnsupportedOption, fasthttp.StatusBadRequest},
		{types.ErrorKindElementNotFound, fasthttp.StatusUnprocessableEntity},
		{types.ErrorKindNavigationTimeout, fasthttp.StatusGatewayTimeout},
		{types.ErrorKindNetworkError, fasthttp.StatusBadGateway},
		{types.ErrorKindEngineCrashed, fasthttp.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			fc := &fakeCapturer{captureFn: func(*types.CaptureRequest) (*types.CaptureResult, error) {
				return nil, types.NewRenderError(tt.kind, "boom", nil)
			}}
			s := newTestServer(fc)

			ctx := doRequest(t, s, "POST", "/capture", `{"url":"https://example.com/"}`)
			assert.Equal(t, tt.expected, ctx.Response.StatusCode())
			assert.Equal(t, string(tt.kind), decodeCapture(t, ctx).ErrorKind)
		})
	}
}

func TestHandleExtract(t *testing.T) {
	var seen *types.CaptureRequest
	fc := &fakeCapturer{captureFn: func(req *types.CaptureRequest) (*types.CaptureResult, error) {
		seen = req
		return &types.CaptureResult{Extracted: map[string]string{"title": "Example"}}, nil
	}}
	s := newTestServer(fc)

	ctx := doRequest(t, s, "POST", "/extract",
		`{"url":"https://example.com/","extract":{"title":"h1"}}`)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.NotNil(t, seen)
	assert.True(t, seen.SkipScreenshot, "extract must skip the screenshot")
	assert.Equal(t, map[string]string{"title": "Example"}, decodeCapture(t, ctx).Extracted)
}

func TestHandleExtract_RequiresSelectors(t *testing.T) {
	s := newTestServer(&fakeCapturer{})

	ctx := doRequest(t, s, "POST", "/extract", `{"url":"https://example.com/"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleBatch(t *testing.T) {
	fc := &fakeCapturer{captureFn: func(req *types.CaptureRequest) (*types.CaptureResult, error) {
		if req.URL == "https://bad.example.com/" {
			return nil, types.NewRenderError(types.ErrorKindNetworkError, "refused", nil)
		}
		return &types.CaptureResult{Fingerprint: "fp-" + req.URL}, nil
	}}
	s := newTestServer(fc)

	ctx := doRequest(t, s, "POST", "/capture/batch", `{"requests":[
		{"url":"https://a.example.com/"},
		{"url":"https://bad.example.com/"},
		{"url":""},
		{"url":"https://b.example.com/"}
	]}`)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.Len(t, resp.Results, 4)

	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.Equal(t, string(types.ErrorKindNetworkError), resp.Results[1].ErrorKind)
	assert.Contains(t, resp.Results[2].Error, "url field is required")
	assert.True(t, resp.Results[3].Success)
}

func TestHandleBatch_Validation(t *testing.T) {
	s := newTestServer(&fakeCapturer{})

	ctx := doRequest(t, s, "POST", "/capture/batch", `{"requests":[]}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	// Over the batch limit
	big := `{"requests":[`
	for i := 0; i < 21; i++ {
		if i > 0 {
			big += ","
		}
		big += `{"url":"https://example.com/"}`
	}
	big += `]}`
	ctx = doRequest(t, s, "POST", "/capture/batch", big)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleCacheDelete(t *testing.T) {
	fc := &fakeCapturer{cleared: 12}
	s := newTestServer(fc)

	// No body clears everything
	ctx := doRequest(t, s, "DELETE", "/cache", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var resp CacheDeleteResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.NotNil(t, resp.Cleared)
	assert.Equal(t, int64(12), *resp.Cleared)

	// A URL in the body invalidates one entry
	ctx = doRequest(t, s, "DELETE", "/cache", `{"url":"https://example.com/"}`)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Len(t, fc.invalidate, 1)
	assert.Equal(t, "https://example.com/", fc.invalidate[0].URL)
}

func TestHandleCacheDelete_OptionsReachInvalidate(t *testing.T) {
	// Fingerprints cover rendering options, so the delete body must carry
	// them through; a URL-only invalidate could never hit this entry
	fc := &fakeCapturer{}
	s := newTestServer(fc)

	ctx := doRequest(t, s, "DELETE", "/cache",
		`{"url":"https://example.com/","full_page":true,"selector":".main","mobile":true}`)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	require.Len(t, fc.invalidate, 1)
	req := fc.invalidate[0]
	assert.Equal(t, "https://example.com/", req.URL)
	assert.True(t, req.FullPage)
	assert.True(t, req.Mobile)
	assert.Equal(t, ".main", req.Selector)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakeCapturer{})

	ctx := doRequest(t, s, "GET", "/health", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Pool.MaxContexts)
}

func TestHandleStats(t *testing.T) {
	s := newTestServer(&fakeCapturer{})

	ctx := doRequest(t, s, "GET", "/stats", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp struct {
		Cache cache.Stats `json:"cache"`
		Pool  pool.Stats  `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, int64(7), resp.Cache.Entries)
	assert.Equal(t, 2, resp.Pool.LiveContexts)
}

func TestRoute_NotFound(t *testing.T) {
	s := newTestServer(&fakeCapturer{})

	ctx := doRequest(t, s, "GET", "/nope", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}
