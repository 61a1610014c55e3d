package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/cache"
	"github.com/snapwright/engine/internal/capture/fingerprint"
	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/internal/capture/retry"
	"github.com/snapwright/engine/internal/common/config"
	"github.com/snapwright/engine/internal/common/redis"
	"github.com/snapwright/engine/pkg/types"
)

type stubContext struct {
	id int
}

func (s *stubContext) ID() int       { return s.id }
func (s *stubContext) IsAlive() bool { return true }
func (s *stubContext) Close() error  { return nil }

type stubFactory struct{}

func (stubFactory) NewContext(_ context.Context, id int) (pool.RenderContext, error) {
	return &stubContext{id: id}, nil
}

// stubRenderer counts render calls and delegates to a per-test function
type stubRenderer struct {
	renders atomic.Int32
	fn      func(req *types.CaptureRequest) (*types.RenderResult, error)
}

func (s *stubRenderer) Render(_ context.Context, _ pool.RenderContext, req *types.CaptureRequest) (*types.RenderResult, error) {
	s.renders.Add(1)
	if s.fn != nil {
		return s.fn(req)
	}
	return &types.RenderResult{
		RequestID:  req.RequestID,
		Screenshot: make([]byte, 2048),
		RenderTime: 10 * time.Millisecond,
	}, nil
}

type testHarness struct {
	orch     *Orchestrator
	renderer *stubRenderer
	cache    *cache.ContentCache
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T, maxContexts, maxRetries int) *testHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := cache.NewPayloadStore(t.TempDir(), types.CompressionNone, zap.NewNop())
	cc := cache.NewContentCache(client, store, "snapwright", time.Hour, zap.NewNop())

	p, err := pool.NewContextPool(&pool.Config{
		MaxContexts:    maxContexts,
		AcquireTimeout: time.Second,
	}, stubFactory{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })

	renderer := &stubRenderer{}
	orch, err := New(Options{
		Fingerprints: fingerprint.NewComputer(types.Viewport{}),
		Cache:        cc,
		Pool:         p,
		Retrier:      retry.NewExecutor(maxRetries, time.Millisecond, zap.NewNop()),
		Renderer:     renderer,
		CacheEnabled: true,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)

	return &testHarness{orch: orch, renderer: renderer, cache: cc, mr: mr}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{
		Fingerprints: fingerprint.NewComputer(types.Viewport{}),
		Pool:         &pool.ContextPool{},
		Retrier:      retry.NewExecutor(0, time.Millisecond, zap.NewNop()),
		Renderer:     &stubRenderer{},
		CacheEnabled: true, // enabled but no cache wired
		Logger:       zap.NewNop(),
	})
	assert.Error(t, err)
}

func TestCapture_RendersAndCaches(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()
	req := &types.CaptureRequest{URL: "https://example.com/"}

	result, err := h.orch.Capture(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Len(t, result.Screenshot, 2048)
	assert.NotEmpty(t, result.Fingerprint)
	assert.Equal(t, int32(1), h.renderer.renders.Load())

	// Second identical request is served from cache without rendering
	second, err := h.orch.Capture(ctx, &types.CaptureRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, result.Fingerprint, second.Fingerprint)
	assert.Equal(t, result.Screenshot, second.Screenshot)
	assert.Equal(t, int32(1), h.renderer.renders.Load(), "cache hit must not render")
}

func TestCapture_DeduplicatesConcurrentRequests(t *testing.T) {
	h := newHarness(t, 2, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	h.renderer.fn = func(req *types.CaptureRequest) (*types.RenderResult, error) {
		close(started)
		<-release
		return &types.RenderResult{Screenshot: make([]byte, 2048), RenderTime: time.Millisecond}, nil
	}

	var wg sync.WaitGroup
	results := make([]*types.CaptureResult, 10)
	errs := make([]error, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	}()

	<-started
	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/?b=2&a=1", RequestID: "waiter"})
		}(i)
	}

	// Give the waiters time to join the flight before the render finishes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].Fingerprint, results[i].Fingerprint)
	}
	assert.Equal(t, int32(1), h.renderer.renders.Load(), "identical concurrent requests must render once")

	// The shared render outcome must not bleed correlation IDs across waiters
	for i := 1; i < 10; i++ {
		assert.True(t, strings.HasSuffix(results[i].RequestID, "-waiter"),
			"waiter must keep its own ID, got %q", results[i].RequestID)
	}
	assert.NotEqual(t, results[0].RequestID, results[1].RequestID)
}

func TestCapture_DoesNotMutateRequest(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()

	anonymous := &types.CaptureRequest{URL: "https://example.com/"}
	result, err := h.orch.Capture(ctx, anonymous)
	require.NoError(t, err)
	assert.Empty(t, anonymous.RequestID, "caller's request must not be written")
	assert.NotEmpty(t, result.RequestID, "result must carry the assigned ID")

	// A caller-supplied ID survives the cache-hit path unmutated
	named := &types.CaptureRequest{URL: "https://example.com/", RequestID: "caller-1"}
	cached, err := h.orch.Capture(ctx, named)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, "caller-1", named.RequestID, "caller's request must not be written")
	assert.True(t, strings.HasSuffix(cached.RequestID, "-caller-1"),
		"result must carry the caller's ID, got %q", cached.RequestID)
}

func TestCapture_DifferentFingerprintsRenderIndependently(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	_, err := h.orch.Capture(ctx, &types.CaptureRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	_, err = h.orch.Capture(ctx, &types.CaptureRequest{URL: "https://example.com/b"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), h.renderer.renders.Load())
}

func TestCapture_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, 1, 2)

	var calls atomic.Int32
	h.renderer.fn = func(req *types.CaptureRequest) (*types.RenderResult, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewRenderError(types.ErrorKindNavigationTimeout, "slow page", nil)
		}
		return &types.RenderResult{Screenshot: make([]byte, 2048), RenderTime: time.Millisecond}, nil
	}

	result, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, int32(3), h.renderer.renders.Load())
}

func TestCapture_FatalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, 1, 5)

	h.renderer.fn = func(req *types.CaptureRequest) (*types.RenderResult, error) {
		return nil, types.NewRenderError(types.ErrorKindElementNotFound, "no such selector", nil)
	}

	_, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	require.Error(t, err)
	assert.Equal(t, int32(1), h.renderer.renders.Load())

	var renderErr *types.RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, types.ErrorKindElementNotFound, renderErr.Kind)
}

func TestCapture_InvalidURLNeverReachesPool(t *testing.T) {
	h := newHarness(t, 1, 2)

	_, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://bad host/"})
	require.Error(t, err)
	assert.Zero(t, h.renderer.renders.Load())
	assert.Zero(t, h.orch.PoolStats().TotalAcquires)
}

func TestCapture_ContextReleasedAfterFailure(t *testing.T) {
	// With a single context, any leak would deadlock subsequent captures
	h := newHarness(t, 1, 0)

	h.renderer.fn = func(req *types.CaptureRequest) (*types.RenderResult, error) {
		return nil, types.NewRenderError(types.ErrorKindNetworkError, "connection refused", nil)
	}
	_, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	require.Error(t, err)

	h.renderer.fn = nil
	result, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
}

func TestCapture_CrashedContextIsReplaced(t *testing.T) {
	h := newHarness(t, 1, 1)

	var calls atomic.Int32
	h.renderer.fn = func(req *types.CaptureRequest) (*types.RenderResult, error) {
		if calls.Add(1) == 1 {
			return nil, types.NewRenderError(types.ErrorKindEngineCrashed, "target crashed", nil)
		}
		return &types.RenderResult{Screenshot: make([]byte, 2048), RenderTime: time.Millisecond}, nil
	}

	_, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.orch.PoolStats().TotalRecycles, int64(1), "crashed context must be recycled")
}

func TestCapture_CacheWriteFailureStillReturnsResult(t *testing.T) {
	h := newHarness(t, 1, 0)

	// Down Redis after harness setup so only the cache write fails
	h.mr.Close()

	result, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Len(t, result.Screenshot, 2048)
}

func TestCapture_AfterShutdown(t *testing.T) {
	h := newHarness(t, 1, 0)
	require.NoError(t, h.orch.Shutdown(time.Second))

	_, err := h.orch.Capture(context.Background(), &types.CaptureRequest{URL: "https://example.com/"})
	assert.ErrorIs(t, err, ErrShutdown)

	// Repeated shutdown is a no-op
	require.NoError(t, h.orch.Shutdown(time.Second))
}

func TestInvalidate(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()
	req := &types.CaptureRequest{URL: "https://example.com/"}

	_, err := h.orch.Capture(ctx, req)
	require.NoError(t, err)

	require.NoError(t, h.orch.Invalidate(ctx, &types.CaptureRequest{URL: "https://example.com/"}))

	_, err = h.orch.Capture(ctx, &types.CaptureRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.renderer.renders.Load(), "invalidated entry must re-render")
}

func TestClearCacheAndStats(t *testing.T) {
	h := newHarness(t, 2, 0)
	ctx := context.Background()

	_, err := h.orch.Capture(ctx, &types.CaptureRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	_, err = h.orch.Capture(ctx, &types.CaptureRequest{URL: "https://example.com/b"})
	require.NoError(t, err)

	stats, err := h.orch.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)

	cleared, err := h.orch.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)

	stats, err = h.orch.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}
