package service

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/cache"
	"github.com/snapwright/engine/internal/capture/metrics"
	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/pkg/types"
)

// Capturer is the orchestrator surface the HTTP layer depends on
type Capturer interface {
	Capture(ctx context.Context, req *types.CaptureRequest) (*types.CaptureResult, error)
	Invalidate(ctx context.Context, req *types.CaptureRequest) error
	ClearCache(ctx context.Context) (int64, error)
	CacheStats(ctx context.Context) (*cache.Stats, error)
	PoolStats() pool.Stats
}

// Server is the capture HTTP API
type Server struct {
	capturer  Capturer
	collector *metrics.Collector
	logger    *zap.Logger
	server    *fasthttp.Server
}

// NewServer wires the HTTP API. Collector may be nil.
func NewServer(capturer Capturer, collector *metrics.Collector, timeout time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		capturer:  capturer,
		collector: collector,
		logger:    logger,
	}

	s.server = &fasthttp.Server{
		Handler:            s.route,
		Name:               "snapwright-capture",
		ReadTimeout:        timeout,
		WriteTimeout:       timeout,
		MaxRequestBodySize: 1 << 20,
	}

	return s
}

// ListenAndServe blocks serving requests until shutdown
func (s *Server) ListenAndServe(listen string) error {
	s.logger.Info("Capture API listening", zap.String("listen", listen))
	return s.server.ListenAndServe(listen)
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case method == fasthttp.MethodPost && path == "/capture":
		s.handleCapture(ctx)
	case method == fasthttp.MethodPost && path == "/extract":
		s.handleExtract(ctx)
	case method == fasthttp.MethodPost && path == "/capture/batch":
		s.handleBatch(ctx)
	case method == fasthttp.MethodDelete && path == "/cache":
		s.handleCacheDelete(ctx)
	case method == fasthttp.MethodGet && path == "/health":
		s.handleHealth(ctx)
	case method == fasthttp.MethodGet && path == "/stats":
		s.handleStats(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
		s.recordHTTP(path, "404")
	}
}

func (s *Server) recordHTTP(endpoint, status string) {
	if s.collector != nil {
		s.collector.RecordHTTPRequest(endpoint, status)
	}
}
