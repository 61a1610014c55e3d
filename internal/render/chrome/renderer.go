package chrome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/pkg/types"
)

const screenshotQuality = 90

// RendererConfig carries the per-render defaults the service config resolves
type RendererConfig struct {
	NavigationTimeout time.Duration
	WaitTimeout       time.Duration // default for requests that leave wait_timeout unset
	DefaultViewport   types.Viewport
}

// Renderer drives a leased browser tab through one capture: emulation,
// navigation, wait conditions, text extraction, screenshot.
type Renderer struct {
	config *RendererConfig
	logger *zap.Logger
}

func NewRenderer(config *RendererConfig, logger *zap.Logger) *Renderer {
	return &Renderer{config: config, logger: logger}
}

// Render performs one render attempt. Errors carry an ErrorKind so the
// caller can decide whether the attempt is worth repeating.
func (r *Renderer) Render(ctx context.Context, rc pool.RenderContext, req *types.CaptureRequest) (*types.RenderResult, error) {
	inst, ok := rc.(*Instance)
	if !ok {
		return nil, fmt.Errorf("render context is not a chrome instance: %T", rc)
	}

	start := time.Now()

	tabCtx, cancel := context.WithTimeout(inst.RenderCtx(), r.config.NavigationTimeout)
	defer cancel()

	// Propagate caller cancellation into the tab
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	result := &types.RenderResult{
		RequestID: req.RequestID,
		ContextID: inst.ID(),
		Timestamp: start.UTC(),
	}

	tasks, err := r.buildTasks(req, result)
	if err != nil {
		return nil, err
	}

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		result.RenderTime = time.Since(start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Debug("Render failed",
			zap.String("request_id", req.RequestID),
			zap.Int("context_id", inst.ID()),
			zap.String("url", req.URL),
			zap.Duration("render_time", result.RenderTime),
			zap.Error(err))
		return nil, renderError("render failed", err)
	}

	result.RenderTime = time.Since(start)

	r.logger.Debug("Render completed",
		zap.String("request_id", req.RequestID),
		zap.Int("context_id", inst.ID()),
		zap.String("url", req.URL),
		zap.String("final_url", result.FinalURL),
		zap.Duration("render_time", result.RenderTime),
		zap.Int("screenshot_bytes", len(result.Screenshot)))

	return result, nil
}

// buildTasks assembles the chromedp sequence for a request. Option
// validation errors are fatal and reported before any navigation happens.
func (r *Renderer) buildTasks(req *types.CaptureRequest, result *types.RenderResult) (chromedp.Tasks, error) {
	var tasks chromedp.Tasks

	// Emulation comes first so the page renders at its final size
	if req.Device != "" {
		info, err := lookupDevice(req.Device)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, chromedp.Emulate(info))
	} else {
		viewport := req.Viewport
		if viewport.IsZero() {
			viewport = r.config.DefaultViewport
		}
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(
			int64(viewport.Width),
			int64(viewport.Height),
			1.0,
			req.Mobile,
		))
	}

	tasks = append(tasks,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)

	if len(req.WaitFor) > 0 {
		tasks = append(tasks, r.waitForSelectors(req))
	}

	if req.ExtraWait > 0 {
		tasks = append(tasks, chromedp.Sleep(time.Duration(req.ExtraWait)))
	}

	if len(req.ExtractSelectors) > 0 {
		tasks = append(tasks, r.extractText(req, result))
	}

	if !req.SkipScreenshot {
		tasks = append(tasks, r.screenshot(req, &result.Screenshot))
	}

	tasks = append(tasks, chromedp.Location(&result.FinalURL))
	return tasks, nil
}

// waitForSelectors waits for every wait_for selector under a shared budget.
// Exceeding the budget is a timeout, not a missing element: the page may
// just be slow, so the attempt is worth retrying.
func (r *Renderer) waitForSelectors(req *types.CaptureRequest) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		budget := time.Duration(req.WaitTimeout)
		if budget <= 0 {
			budget = r.config.WaitTimeout
		}

		waitCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		for _, selector := range req.WaitFor {
			if err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(waitCtx); err != nil {
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					return fmt.Errorf("%w: selector %q after %s", ErrWaitTimeout, selector, budget)
				}
				return err
			}
		}
		return nil
	}
}

// extractText reads the visible text of each extract selector. A selector
// matching nothing fails the render fatally.
func (r *Renderer) extractText(req *types.CaptureRequest, result *types.RenderResult) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		extracted := make(map[string]string, len(req.ExtractSelectors))

		for name, selector := range req.ExtractSelectors {
			var text string
			err := chromedp.Text(selector, &text, chromedp.ByQuery, chromedp.AtLeast(0)).Do(ctx)
			if err != nil {
				return types.NewRenderError(types.ErrorKindElementNotFound,
					fmt.Sprintf("extraction failed for %q (selector %q)", name, selector), err)
			}
			if text == "" {
				var nodes int
				if err := chromedp.Evaluate(fmt.Sprintf("document.querySelectorAll(%q).length", selector), &nodes).Do(ctx); err == nil && nodes == 0 {
					return types.NewRenderError(types.ErrorKindElementNotFound,
						fmt.Sprintf("no element matches selector %q for %q", selector, name), nil)
				}
			}
			extracted[name] = text
		}

		result.Extracted = extracted
		return nil
	}
}

func (r *Renderer) screenshot(req *types.CaptureRequest, output *[]byte) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var err error
		switch {
		case req.Selector != "":
			err = chromedp.Screenshot(req.Selector, output, chromedp.ByQuery).Do(ctx)
			if err != nil {
				return types.NewRenderError(types.ErrorKindElementNotFound,
					fmt.Sprintf("screenshot selector %q not found", req.Selector), err)
			}
		case req.FullPage:
			err = chromedp.FullScreenshot(output, screenshotQuality).Do(ctx)
		default:
			err = chromedp.CaptureScreenshot(output).Do(ctx)
		}
		if err != nil {
			return renderError("screenshot capture failed", err)
		}
		return nil
	}
}
