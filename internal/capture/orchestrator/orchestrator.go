package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/snapwright/engine/internal/capture/cache"
	"github.com/snapwright/engine/internal/capture/fingerprint"
	"github.com/snapwright/engine/internal/capture/metrics"
	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/internal/capture/retry"
	"github.com/snapwright/engine/internal/common/requestid"
	"github.com/snapwright/engine/pkg/types"
)

// ErrShutdown is returned for captures arriving after Shutdown
var ErrShutdown = errors.New("capture orchestrator is shut down")

// PageRenderer performs one render attempt on a leased context
type PageRenderer interface {
	Render(ctx context.Context, rc pool.RenderContext, req *types.CaptureRequest) (*types.RenderResult, error)
}

// Orchestrator runs the capture pipeline: fingerprint, cache lookup,
// in-flight deduplication, context acquisition, rendering with retries, and
// cache write-back. Concurrent requests with the same fingerprint trigger
// exactly one render; every waiter shares its outcome.
type Orchestrator struct {
	fingerprints *fingerprint.Computer
	cache        *cache.ContentCache
	pool         *pool.ContextPool
	retrier      *retry.Executor
	renderer     PageRenderer
	collector    *metrics.Collector
	logger       *zap.Logger

	cacheEnabled bool
	flights      singleflight.Group
	shutdown     chan struct{}
}

// Options bundles the orchestrator's collaborators. Collector may be nil.
type Options struct {
	Fingerprints *fingerprint.Computer
	Cache        *cache.ContentCache
	Pool         *pool.ContextPool
	Retrier      *retry.Executor
	Renderer     PageRenderer
	Collector    *metrics.Collector
	CacheEnabled bool
	Logger       *zap.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Fingerprints == nil || opts.Pool == nil || opts.Retrier == nil || opts.Renderer == nil || opts.Logger == nil {
		return nil, fmt.Errorf("fingerprints, pool, retrier, renderer and logger are required")
	}
	if opts.CacheEnabled && opts.Cache == nil {
		return nil, fmt.Errorf("cache is required when caching is enabled")
	}

	return &Orchestrator{
		fingerprints: opts.Fingerprints,
		cache:        opts.Cache,
		pool:         opts.Pool,
		retrier:      opts.Retrier,
		renderer:     opts.Renderer,
		collector:    opts.Collector,
		logger:       opts.Logger,
		cacheEnabled: opts.CacheEnabled,
		shutdown:     make(chan struct{}),
	}, nil
}

// Capture serves one capture request. Cache hits return without touching the
// pool; misses render through the singleflight group so concurrent identical
// requests pay for a single render.
func (o *Orchestrator) Capture(ctx context.Context, req *types.CaptureRequest) (*types.CaptureResult, error) {
	select {
	case <-o.shutdown:
		return nil, ErrShutdown
	default:
	}

	// Work on a copy so the caller's request is never written
	requestID := requestid.Generate(req.RequestID)
	reqCopy := *req
	reqCopy.RequestID = requestID
	req = &reqCopy

	fp, summary, err := o.fingerprints.Compute(req)
	if err != nil {
		o.recordCapture("error")
		return nil, err
	}

	log := o.logger.With(
		zap.String("request_id", requestID),
		zap.String("fingerprint", fp),
		zap.String("url", req.URL))

	if result := o.lookupCache(ctx, fp, log); result != nil {
		result.RequestID = requestID
		o.recordCapture("success")
		return result, nil
	}

	v, err, shared := o.flights.Do(fp, func() (interface{}, error) {
		// A flight that queued behind a finished render may find the
		// cache already populated
		if result := o.lookupCache(ctx, fp, log); result != nil {
			return result, nil
		}
		return o.renderAndStore(ctx, req, fp, summary, log)
	})
	if shared {
		log.Debug("Request joined an in-flight render")
		if o.collector != nil {
			o.collector.RecordDedupWaiter()
		}
	}
	if err != nil {
		o.recordCapture("error")
		return nil, err
	}

	o.recordCapture("success")

	// Flight results are shared between waiters, so each caller gets its
	// own copy carrying its own correlation ID
	result := *v.(*types.CaptureResult)
	result.RequestID = requestID
	return &result, nil
}

// lookupCache returns a result on a clean hit, nil on miss or any cache
// trouble. A hit whose payload turns out unreadable is evicted by the cache
// and treated as a miss here.
func (o *Orchestrator) lookupCache(ctx context.Context, fp string, log *zap.Logger) *types.CaptureResult {
	if !o.cacheEnabled {
		return nil
	}

	entry, err := o.cache.Get(ctx, fp)
	if err != nil {
		log.Warn("Cache lookup failed, rendering instead", zap.Error(err))
		return nil
	}
	if o.collector != nil {
		o.collector.RecordCacheLookup(entry != nil)
	}
	if entry == nil {
		return nil
	}

	payload, err := o.cache.ReadPayload(ctx, entry)
	if err != nil {
		if o.collector != nil {
			o.collector.RecordCacheEviction()
		}
		log.Warn("Cache payload unreadable, rendering instead", zap.Error(err))
		return nil
	}

	log.Debug("Cache hit",
		zap.Time("created_at", entry.CreatedAt),
		zap.Duration("ttl_left", entry.TTL()))

	return &types.CaptureResult{
		Fingerprint: entry.Fingerprint,
		PayloadPath: entry.PayloadPath,
		Screenshot:  payload,
		Extracted:   entry.Extracted,
		FromCache:   true,
		RenderTime:  entry.RenderTime,
		CreatedAt:   entry.CreatedAt,
	}
}

// renderAndStore renders with retries and writes the result back to the
// cache. A cache write failure degrades to an uncached response rather than
// failing the capture.
func (o *Orchestrator) renderAndStore(ctx context.Context, req *types.CaptureRequest, fp, summary string, log *zap.Logger) (*types.CaptureResult, error) {
	var rendered *types.RenderResult

	err := o.retrier.Execute(ctx, req.RequestID, func(ctx context.Context, attempt int) error {
		if attempt > 1 && o.collector != nil {
			o.collector.RecordRetry()
		}

		lease, err := o.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire render context: %w", err)
		}

		result, renderErr := o.renderer.Render(ctx, lease.Context(), req)
		if renderErr != nil {
			// A crashed engine poisons the context; replace it instead
			// of returning it to the queue
			var re *types.RenderError
			if errors.As(renderErr, &re) && re.Kind == types.ErrorKindEngineCrashed {
				lease.Discard()
			} else {
				lease.Release()
			}
			log.Warn("Render attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(renderErr))
			return renderErr
		}

		lease.Release()
		rendered = result
		return nil
	})
	o.updatePoolMetrics()
	if err != nil {
		return nil, err
	}

	if o.collector != nil {
		o.collector.RecordRenderDuration(rendered.RenderTime.Seconds())
	}

	result := &types.CaptureResult{
		Fingerprint: fp,
		Screenshot:  rendered.Screenshot,
		Extracted:   rendered.Extracted,
		FromCache:   false,
		RenderTime:  rendered.RenderTime,
		CreatedAt:   time.Now().UTC(),
	}

	if o.cacheEnabled {
		entry := &cache.Entry{
			Fingerprint:    fp,
			URL:            req.URL,
			OptionsSummary: summary,
			RequestID:      req.RequestID,
			CreatedAt:      result.CreatedAt,
			RenderTime:     rendered.RenderTime,
			FinalURL:       rendered.FinalURL,
			Extracted:      rendered.Extracted,
		}
		if err := o.cache.Put(ctx, entry, rendered.Screenshot); err != nil {
			log.Warn("Cache write failed, serving uncached result", zap.Error(err))
		} else {
			result.PayloadPath = entry.PayloadPath
		}
	}

	log.Info("Capture rendered",
		zap.Duration("render_time", rendered.RenderTime),
		zap.Int("screenshot_bytes", len(rendered.Screenshot)),
		zap.Int("extracted_fields", len(rendered.Extracted)))

	return result, nil
}

// Invalidate drops the cache entry for a request's fingerprint
func (o *Orchestrator) Invalidate(ctx context.Context, req *types.CaptureRequest) error {
	if !o.cacheEnabled {
		return nil
	}
	fp, _, err := o.fingerprints.Compute(req)
	if err != nil {
		return err
	}
	return o.cache.Invalidate(ctx, fp)
}

// ClearCache drops every cache entry and returns the count removed
func (o *Orchestrator) ClearCache(ctx context.Context) (int64, error) {
	if !o.cacheEnabled {
		return 0, nil
	}
	return o.cache.Clear(ctx)
}

// CacheStats snapshots cache counters; returns zeroes with caching disabled
func (o *Orchestrator) CacheStats(ctx context.Context) (*cache.Stats, error) {
	if !o.cacheEnabled {
		return &cache.Stats{}, nil
	}
	return o.cache.SnapshotStats(ctx)
}

// PoolStats snapshots the context pool
func (o *Orchestrator) PoolStats() pool.Stats {
	return o.pool.GetStats()
}

// Shutdown stops accepting captures and drains the pool
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	select {
	case <-o.shutdown:
		return nil
	default:
		close(o.shutdown)
	}

	o.logger.Info("Capture orchestrator shutting down")
	return o.pool.Shutdown(timeout)
}

func (o *Orchestrator) recordCapture(status string) {
	if o.collector != nil {
		o.collector.RecordCapture(status)
	}
}

func (o *Orchestrator) updatePoolMetrics() {
	if o.collector == nil {
		return
	}
	stats := o.pool.GetStats()
	o.collector.UpdatePool(stats.LiveContexts, stats.IdleContexts, stats.ActiveLeases)
}
