package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/pkg/types"
)

// Executor runs render attempts with exponential backoff. An operation is
// attempted at most maxRetries+1 times; classification alone decides whether
// a failure is retried, so an error kind always maps to the same retry
// behavior regardless of attempt history.
type Executor struct {
	maxRetries  int
	backoffBase time.Duration
	logger      *zap.Logger
}

// Operation is one render attempt. The attempt number starts at 1.
type Operation func(ctx context.Context, attempt int) error

func NewExecutor(maxRetries int, backoffBase time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// Execute runs op until it succeeds, fails fatally, or the retry budget is
// spent. The last error is returned unchanged so callers can inspect its
// kind. Context cancellation during a backoff wait aborts immediately.
func (e *Executor) Execute(ctx context.Context, requestID string, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= e.maxRetries+1; attempt++ {
		if attempt > 1 {
			delay := e.backoffBase * (1 << (attempt - 2))
			e.logger.Info("Retrying render",
				zap.String("request_id", requestID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.maxRetries+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			e.logger.Debug("Render failed fatally, not retrying",
				zap.String("request_id", requestID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	e.logger.Warn("Render retry budget exhausted",
		zap.String("request_id", requestID),
		zap.Int("attempts", e.maxRetries+1),
		zap.Error(lastErr))

	return lastErr
}

// Retryable classifies an error by its RenderError kind. Pool exhaustion and
// shutdown surface immediately: another attempt would only pay another full
// acquire timeout against the same saturated pool. Remaining unclassified
// errors are treated as transient engine failures and retried.
func Retryable(err error) bool {
	var renderErr *types.RenderError
	if errors.As(err, &renderErr) {
		return renderErr.Kind.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, pool.ErrPoolShutdown) {
		return false
	}
	return true
}
