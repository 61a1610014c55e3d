package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snapwright/engine/internal/capture/orchestrator"
	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/pkg/types"
)

const maxBatchSize = 20

// CaptureResponse is the JSON body for single captures. Screenshot is
// base64-encoded by encoding/json.
type CaptureResponse struct {
	Success      bool              `json:"success"`
	RequestID    string            `json:"request_id,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	FromCache    bool              `json:"from_cache"`
	RenderTimeMS int64             `json:"render_time_ms"`
	Screenshot   []byte            `json:"screenshot,omitempty"`
	Extracted    map[string]string `json:"extracted,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
}

// BatchRequest carries up to maxBatchSize captures processed concurrently
type BatchRequest struct {
	Requests []*types.CaptureRequest `json:"requests"`
}

type BatchResponse struct {
	Results []*CaptureResponse `json:"results"`
}

type HealthResponse struct {
	Status string     `json:"status"`
	Pool   pool.Stats `json:"pool"`
}

type StatsResponse struct {
	Cache interface{} `json:"cache"`
	Pool  pool.Stats  `json:"pool"`
}

type CacheDeleteResponse struct {
	Success bool   `json:"success"`
	Cleared *int64 `json:"cleared,omitempty"`
}

func (s *Server) handleCapture(ctx *fasthttp.RequestCtx) {
	req, ok := s.parseCaptureRequest(ctx, "/capture")
	if !ok {
		return
	}

	result, err := s.capturer.Capture(ctx, req)
	if err != nil {
		s.writeCaptureError(ctx, "/capture", req.RequestID, err)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, resultToResponse(req.RequestID, result), "/capture")
}

// handleExtract captures text only; the screenshot pipeline is skipped so
// cached screenshot entries are not reused for pure extraction requests
func (s *Server) handleExtract(ctx *fasthttp.RequestCtx) {
	req, ok := s.parseCaptureRequest(ctx, "/extract")
	if !ok {
		return
	}
	if len(req.ExtractSelectors) == 0 {
		s.writeError(ctx, fasthttp.StatusBadRequest, "extract field is required", "", "/extract")
		return
	}
	req.SkipScreenshot = true

	result, err := s.capturer.Capture(ctx, req)
	if err != nil {
		s.writeCaptureError(ctx, "/extract", req.RequestID, err)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, resultToResponse(req.RequestID, result), "/extract")
}

func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {
	var batch BatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &batch); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body", "", "/capture/batch")
		return
	}
	if len(batch.Requests) == 0 {
		s.writeError(ctx, fasthttp.StatusBadRequest, "requests field is required", "", "/capture/batch")
		return
	}
	if len(batch.Requests) > maxBatchSize {
		s.writeError(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("batch exceeds maximum of %d requests", maxBatchSize), "", "/capture/batch")
		return
	}

	// Each item succeeds or fails on its own; the group only bounds
	// concurrency
	results := make([]*CaptureResponse, len(batch.Requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, req := range batch.Requests {
		i, req := i, req
		g.Go(func() error {
			if req == nil || req.URL == "" {
				results[i] = &CaptureResponse{Error: "url field is required", ErrorKind: string(types.ErrorKindInvalidLocator)}
				return nil
			}
			result, err := s.capturer.Capture(gctx, req)
			if err != nil {
				results[i] = errorToResponse(req.RequestID, err)
				return nil
			}
			results[i] = resultToResponse(req.RequestID, result)
			return nil
		})
	}
	g.Wait()

	s.writeJSON(ctx, fasthttp.StatusOK, BatchResponse{Results: results}, "/capture/batch")
}

// handleCacheDelete clears the whole cache, or a single entry when the body
// names a URL. The body is a full capture request: fingerprints cover the
// rendering options, so invalidating an entry captured with non-default
// options requires the same options here.
func (s *Server) handleCacheDelete(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	if len(body) > 0 {
		var req types.CaptureRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body", "", "/cache")
			return
		}
		if req.URL != "" {
			if err := s.capturer.Invalidate(ctx, &req); err != nil {
				s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/cache")
				return
			}
			s.writeJSON(ctx, fasthttp.StatusOK, CacheDeleteResponse{Success: true}, "/cache")
			return
		}
	}

	cleared, err := s.capturer.ClearCache(ctx)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/cache")
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, CacheDeleteResponse{Success: true, Cleared: &cleared}, "/cache")
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	s.writeJSON(ctx, fasthttp.StatusOK, HealthResponse{
		Status: "ok",
		Pool:   s.capturer.PoolStats(),
	}, "/health")
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	cacheStats, err := s.capturer.CacheStats(ctx)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/stats")
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, StatsResponse{
		Cache: cacheStats,
		Pool:  s.capturer.PoolStats(),
	}, "/stats")
}

func (s *Server) parseCaptureRequest(ctx *fasthttp.RequestCtx, endpoint string) (*types.CaptureRequest, bool) {
	var req types.CaptureRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.logger.Warn("Invalid request body",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		s.writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body", "", endpoint)
		return nil, false
	}
	if req.URL == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "url field is required", req.RequestID, endpoint)
		return nil, false
	}
	return &req, true
}

func resultToResponse(requestID string, result *types.CaptureResult) *CaptureResponse {
	// The pipeline assigns an ID when the caller supplied none
	if result.RequestID != "" {
		requestID = result.RequestID
	}
	return &CaptureResponse{
		Success:      true,
		RequestID:    requestID,
		Fingerprint:  result.Fingerprint,
		FromCache:    result.FromCache,
		RenderTimeMS: result.RenderTime.Milliseconds(),
		Screenshot:   result.Screenshot,
		Extracted:    result.Extracted,
	}
}

func errorToResponse(requestID string, err error) *CaptureResponse {
	resp := &CaptureResponse{
		RequestID: requestID,
		Error:     err.Error(),
	}
	var renderErr *types.RenderError
	if errors.As(err, &renderErr) {
		resp.ErrorKind = string(renderErr.Kind)
	}
	return resp
}

// writeCaptureError maps pipeline errors to HTTP status codes by kind
func (s *Server) writeCaptureError(ctx *fasthttp.RequestCtx, endpoint, requestID string, err error) {
	status := fasthttp.StatusInternalServerError

	var renderErr *types.RenderError
	switch {
	case errors.As(err, &renderErr):
		switch renderErr.Kind {
		case types.ErrorKindInvalidLocator, types.ErrorKindUnsupportedOption:
			status = fasthttp.StatusBadRequest
		case types.ErrorKindElementNotFound:
			status = fasthttp.StatusUnprocessableEntity
		case types.ErrorKindNavigationTimeout:
			status = fasthttp.StatusGatewayTimeout
		case types.ErrorKindNetworkError:
			status = fasthttp.StatusBadGateway
		}
	case errors.Is(err, orchestrator.ErrShutdown), errors.Is(err, pool.ErrPoolShutdown):
		status = fasthttp.StatusServiceUnavailable
	case errors.Is(err, pool.ErrAcquireTimeout):
		status = fasthttp.StatusServiceUnavailable
	}

	s.logger.Warn("Capture request failed",
		zap.String("endpoint", endpoint),
		zap.String("request_id", requestID),
		zap.Int("status", status),
		zap.Error(err))

	resp := errorToResponse(requestID, err)
	s.writeJSON(ctx, status, resp, endpoint)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, msg, requestID, endpoint string) {
	s.writeJSON(ctx, status, &CaptureResponse{
		RequestID: requestID,
		Error:     msg,
	}, endpoint)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, response interface{}, endpoint string) {
	body, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"success":false,"error":"failed to marshal response"}`)
		s.recordHTTP(endpoint, "500")
		s.logger.Error("Failed to marshal JSON response",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	s.recordHTTP(endpoint, fmt.Sprintf("%d", status))
}
