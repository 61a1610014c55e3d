package chrome

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/pool"
)

// Engine owns the Chrome browser process. Render contexts are tabs created
// off the shared browser, so pooling contexts is cheap compared to pooling
// whole browser processes.
type Engine struct {
	config *Config
	logger *zap.Logger

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	started atomic.Bool
}

func NewEngine(config *Config, logger *zap.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chrome config: %w", err)
	}
	return &Engine{config: config, logger: logger}, nil
}

// Start launches the browser process
func (e *Engine) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	)

	e.allocatorCtx, e.allocatorCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocatorCtx)

	if err := chromedp.Run(e.browserCtx); err != nil {
		e.allocatorCancel()
		return fmt.Errorf("failed to start Chrome: %w", err)
	}

	var version string
	if err := chromedp.Run(e.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		version = product
		return nil
	})); err != nil {
		e.logger.Warn("Failed to read browser version", zap.Error(err))
	}

	e.started.Store(true)
	e.logger.Info("Chrome engine started",
		zap.Bool("headless", e.config.Headless),
		zap.String("browser_version", version))

	return nil
}

// NewContext creates a pooled render context backed by a fresh tab
func (e *Engine) NewContext(ctx context.Context, id int) (pool.RenderContext, error) {
	if !e.started.Load() {
		return nil, ErrEngineNotStarted
	}

	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)

	// Materialize the tab so a dead browser fails here, not mid-render
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	inst := &Instance{
		id:     id,
		ctx:    tabCtx,
		cancel: tabCancel,
		logger: e.logger,
	}

	if e.config.WarmupURL != "" {
		if err := inst.warmup(e.config.WarmupURL, e.config.WarmupTimeout); err != nil {
			e.logger.Warn("Context warmup failed",
				zap.Int("context_id", id),
				zap.String("warmup_url", e.config.WarmupURL),
				zap.Error(err))
		}
	}

	e.logger.Debug("Render context opened", zap.Int("context_id", id))
	return inst, nil
}

// Shutdown terminates the browser process. Pooled contexts must be closed
// first via the pool's own shutdown.
func (e *Engine) Shutdown() error {
	if !e.started.Swap(false) {
		return nil
	}

	if e.browserCancel != nil {
		e.browserCancel()
	}
	if e.allocatorCancel != nil {
		e.allocatorCancel()
	}

	e.logger.Info("Chrome engine stopped")
	return nil
}

// Instance is one pooled browser tab
type Instance struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	closed atomic.Bool
}

func (i *Instance) ID() int { return i.id }

// IsAlive probes the CDP session with a version query
func (i *Instance) IsAlive() bool {
	if i.closed.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(i.ctx, 5*time.Second)
	defer cancel()

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(ctx)
		return err
	}))
	return err == nil
}

func (i *Instance) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.cancel()
	i.logger.Debug("Render context closed", zap.Int("context_id", i.id))
	return nil
}

// RenderCtx exposes the tab's chromedp context to the renderer
func (i *Instance) RenderCtx() context.Context {
	return i.ctx
}

func (i *Instance) warmup(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(i.ctx, timeout)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("warmup navigation failed: %w", err)
	}
	return nil
}
