package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolShutdown is returned by Acquire once Shutdown has begun
	ErrPoolShutdown = errors.New("context pool is shut down")

	// ErrAcquireTimeout is returned when no context frees up within the
	// acquire timeout
	ErrAcquireTimeout = errors.New("timed out waiting for a render context")
)

// RenderContext is a pooled browser context. Implementations must tolerate
// Close being called more than once.
type RenderContext interface {
	ID() int
	IsAlive() bool
	Close() error
}

// ContextFactory creates render contexts on demand. The pool calls it lazily,
// so the first capture pays the creation cost rather than process startup.
type ContextFactory interface {
	NewContext(ctx context.Context, id int) (RenderContext, error)
}

// Config controls pool sizing and context recycling
type Config struct {
	MaxContexts       int           // hard upper bound on live contexts
	AcquireTimeout    time.Duration // how long Acquire waits for a free context
	IdleTimeout       time.Duration // contexts idle longer than this are recycled on acquire
	RestartAfterCount int           // contexts are recycled after this many renders (0 disables)
}

func (c *Config) Validate() error {
	if c.MaxContexts < 1 {
		return fmt.Errorf("max contexts must be at least 1, got %d", c.MaxContexts)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire timeout must be positive, got %s", c.AcquireTimeout)
	}
	return nil
}

// slot wraps a render context with the bookkeeping the recycle policy needs
type slot struct {
	rc          RenderContext
	rendersDone int32
	idleSince   time.Time
}

// Lease is a held context. Exactly one of Release or Discard must be called;
// Release returns the context to the pool, Discard destroys it so the next
// acquire gets a fresh one.
type Lease struct {
	pool *ContextPool
	slot *slot
	done atomic.Bool
}

// Context returns the leased render context
func (l *Lease) Context() RenderContext {
	return l.slot.rc
}

// Release returns the context to the pool, recycling it first if the
// recycle policy says it is due.
func (l *Lease) Release() {
	if l.done.Swap(true) {
		return
	}
	l.pool.release(l.slot)
}

// Discard destroys the leased context. Used after a render failure that may
// have left the context in an unknown state.
func (l *Lease) Discard() {
	if l.done.Swap(true) {
		return
	}
	l.pool.discard(l.slot)
}

// ContextPool is a bounded FIFO pool of render contexts. Contexts are
// created lazily up to MaxContexts and recycled when they die, idle out,
// or exceed the per-context render budget.
type ContextPool struct {
	config  *Config
	factory ContextFactory
	logger  *zap.Logger

	queue chan *slot // idle contexts, FIFO

	mu      sync.Mutex // protects created and nextID
	created int        // live contexts (idle + leased)
	nextID  int

	activeLeases  atomic.Int32
	totalAcquires atomic.Int64
	totalRecycles atomic.Int64
	createdAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a point-in-time snapshot of pool state
type Stats struct {
	MaxContexts   int           `json:"max_contexts"`
	LiveContexts  int           `json:"live_contexts"`
	IdleContexts  int           `json:"idle_contexts"`
	ActiveLeases  int           `json:"active_leases"`
	TotalAcquires int64         `json:"total_acquires"`
	TotalRecycles int64         `json:"total_recycles"`
	Uptime        time.Duration `json:"uptime"`
}

// NewContextPool creates a pool. No contexts are created until first acquire.
func NewContextPool(config *Config, factory ContextFactory, logger *zap.Logger) (*ContextPool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("Render context pool initialized",
		zap.Int("max_contexts", config.MaxContexts),
		zap.Duration("acquire_timeout", config.AcquireTimeout),
		zap.Duration("idle_timeout", config.IdleTimeout),
		zap.Int("restart_after_count", config.RestartAfterCount))

	return &ContextPool{
		config:    config,
		factory:   factory,
		logger:    logger,
		queue:     make(chan *slot, config.MaxContexts),
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Acquire leases a render context, blocking until one is free, a new one can
// be created, or the acquire timeout elapses. The caller's ctx cancels the
// wait early.
func (p *ContextPool) Acquire(ctx context.Context) (*Lease, error) {
	deadline := time.NewTimer(p.config.AcquireTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return nil, ErrPoolShutdown
		default:
		}

		// Fast path: an idle context is already queued
		select {
		case s := <-p.queue:
			if lease := p.leaseIfUsable(s); lease != nil {
				return lease, nil
			}
			continue
		default:
		}

		// Lazy growth: create a new context while under the bound
		if s, err := p.tryCreate(ctx); err != nil {
			return nil, err
		} else if s != nil {
			return p.lease(s), nil
		}

		// Pool is at capacity with every context leased out
		select {
		case s := <-p.queue:
			if lease := p.leaseIfUsable(s); lease != nil {
				return lease, nil
			}
		case <-deadline.C:
			p.logger.Warn("Context acquire timed out",
				zap.Duration("timeout", p.config.AcquireTimeout),
				zap.Int32("active_leases", p.activeLeases.Load()))
			return nil, ErrAcquireTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrPoolShutdown
		}
	}
}

// tryCreate creates a context if the pool is under its bound. Returns
// (nil, nil) when at capacity. Creation happens outside the lock; on
// failure the reserved capacity is returned.
func (p *ContextPool) tryCreate(ctx context.Context) (*slot, error) {
	p.mu.Lock()
	if p.created >= p.config.MaxContexts {
		p.mu.Unlock()
		return nil, nil
	}
	p.created++
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	rc, err := p.factory.NewContext(ctx, id)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		p.logger.Error("Failed to create render context",
			zap.Int("context_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create render context: %w", err)
	}

	p.logger.Debug("Render context created",
		zap.Int("context_id", id))

	return &slot{rc: rc, idleSince: time.Now().UTC()}, nil
}

// leaseIfUsable vets an idle slot against the recycle policy. Unusable slots
// are destroyed and nil is returned so the acquire loop can try again.
func (p *ContextPool) leaseIfUsable(s *slot) *Lease {
	if !s.rc.IsAlive() {
		p.destroySlot(s, "dead on acquire")
		return nil
	}
	if p.config.IdleTimeout > 0 && time.Since(s.idleSince) > p.config.IdleTimeout {
		p.destroySlot(s, "idle timeout")
		return nil
	}
	return p.lease(s)
}

func (p *ContextPool) lease(s *slot) *Lease {
	p.activeLeases.Add(1)
	p.totalAcquires.Add(1)

	p.logger.Debug("Render context acquired",
		zap.Int("context_id", s.rc.ID()),
		zap.Int32("active_leases", p.activeLeases.Load()))

	return &Lease{pool: p, slot: s}
}

// release returns a slot to the queue, recycling first when the render
// budget is spent or the context died mid-render. The lease counter drops
// only after the slot is queued or closed, so a shutdown that observes zero
// active leases never races a slot still in flight.
func (p *ContextPool) release(s *slot) {
	defer p.activeLeases.Add(-1)
	s.rendersDone++
	s.idleSince = time.Now().UTC()

	if !s.rc.IsAlive() {
		p.destroySlot(s, "dead on release")
		return
	}
	if p.config.RestartAfterCount > 0 && int(s.rendersDone) >= p.config.RestartAfterCount {
		p.destroySlot(s, "render budget spent")
		return
	}

	select {
	case p.queue <- s:
		p.logger.Debug("Render context released",
			zap.Int("context_id", s.rc.ID()),
			zap.Int32("renders_done", s.rendersDone))
	case <-p.ctx.Done():
		p.closeSlot(s)
	}
}

// discard tears down a slot released from a lease after a failure
func (p *ContextPool) discard(s *slot) {
	defer p.activeLeases.Add(-1)
	p.destroySlot(s, "discarded after failure")
}

func (p *ContextPool) destroySlot(s *slot, reason string) {
	p.closeSlot(s)
	p.totalRecycles.Add(1)
	p.logger.Info("Render context recycled",
		zap.Int("context_id", s.rc.ID()),
		zap.String("reason", reason),
		zap.Int32("renders_done", s.rendersDone))
}

func (p *ContextPool) closeSlot(s *slot) {
	if err := s.rc.Close(); err != nil {
		p.logger.Warn("Failed to close render context",
			zap.Int("context_id", s.rc.ID()),
			zap.Error(err))
	}
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

// GetStats returns a snapshot of the pool's counters
func (p *ContextPool) GetStats() Stats {
	p.mu.Lock()
	created := p.created
	p.mu.Unlock()

	return Stats{
		MaxContexts:   p.config.MaxContexts,
		LiveContexts:  created,
		IdleContexts:  len(p.queue),
		ActiveLeases:  int(p.activeLeases.Load()),
		TotalAcquires: p.totalAcquires.Load(),
		TotalRecycles: p.totalRecycles.Load(),
		Uptime:        time.Since(p.createdAt),
	}
}

// Shutdown stops new acquires, waits up to timeout for active leases to
// finish, then closes every idle context. Contexts still leased after the
// timeout are abandoned to their Release/Discard calls.
func (p *ContextPool) Shutdown(timeout time.Duration) error {
	p.logger.Info("Context pool shutting down",
		zap.Duration("timeout", timeout),
		zap.Int32("active_leases", p.activeLeases.Load()))

	p.cancel()

	drained := p.waitForActiveLeases(timeout)
	if !drained {
		p.logger.Warn("Shutdown timeout exceeded with leases still active",
			zap.Int32("stuck_leases", p.activeLeases.Load()))
	}

	for {
		select {
		case s := <-p.queue:
			p.closeSlot(s)
		default:
			stats := p.GetStats()
			p.logger.Info("Context pool shut down",
				zap.Int64("total_acquires", stats.TotalAcquires),
				zap.Int64("total_recycles", stats.TotalRecycles),
				zap.Duration("uptime", stats.Uptime))
			if !drained {
				return fmt.Errorf("pool shutdown timed out with %d active leases", p.activeLeases.Load())
			}
			return nil
		}
	}
}

func (p *ContextPool) waitForActiveLeases(timeout time.Duration) bool {
	deadline := time.Now().UTC().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.activeLeases.Load() == 0 {
			return true
		}
		<-ticker.C
		if time.Now().UTC().After(deadline) {
			return false
		}
	}
}
