package fetch

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/jonathan/agent-runner/internal/pipeline/steps"
)

// Browser defaults.
const (
	DefaultSettle       = 2 * time.Second
	DefaultOptionalWait = 5 * time.Second
	DefaultWaitSelector = "body"
)

// BrowserRunner runs chromedp tasks against a fresh page. It is replaced in tests.
type BrowserRunner func(ctx context.Context, tasks chromedp.Tasks) error

// ClickAction opens a page in a headless browser and clicks an element.
//
// Params:
//   - url: page to open (required)
//   - selector: element to click (required)
//   - wait: selector that must be ready before clicking (default "body")
//   - dismiss: optional element clicked first if it shows up, such as a cookie banner
//   - confirm: optional element clicked after the main click, such as a confirmation dialog
//   - settle: pause after navigation, as a Go duration (default 2s)
type ClickAction struct {
	run BrowserRunner
}

// NewClickAction creates a ClickAction driving a local headless Chrome.
func NewClickAction() *ClickAction {
	return &ClickAction{run: runHeadless}
}

// NewClickActionWithRunner creates a ClickAction with a custom runner.
func NewClickActionWithRunner(run BrowserRunner) *ClickAction {
	return &ClickAction{run: run}
}

// Execute performs the click sequence.
func (a *ClickAction) Execute(ctx context.Context, req steps.Request) (steps.Result, error) {
	pageURL := req.Params["url"]
	selector := req.Params["selector"]
	if pageURL == "" || selector == "" {
		return steps.Failed("click action needs url and selector params"), nil
	}

	wait := req.Params["wait"]
	if wait == "" {
		wait = DefaultWaitSelector
	}
	settle := DefaultSettle
	if raw := req.Params["settle"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return steps.Failed("invalid settle duration %q", raw), nil
		}
		settle = d
	}

	tasks := chromedp.Tasks{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(wait),
		chromedp.Sleep(settle),
	}
	if dismiss := req.Params["dismiss"]; dismiss != "" {
		tasks = append(tasks, optionalClick(dismiss))
	}
	tasks = append(tasks, chromedp.Click(selector, chromedp.NodeVisible))
	if confirm := req.Params["confirm"]; confirm != "" {
		tasks = append(tasks,
			chromedp.Sleep(500*time.Millisecond),
			chromedp.Click(confirm, chromedp.NodeVisible),
		)
	}

	if err := a.run(ctx, tasks); err != nil {
		return steps.Failed("click %q on %s failed: %v", selector, pageURL, err), nil
	}
	return steps.Succeeded("clicked " + selector), nil
}

// optionalClick clicks sel if it becomes visible soon and ignores it otherwise.
func optionalClick(sel string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		clickCtx, cancel := context.WithTimeout(ctx, DefaultOptionalWait)
		defer cancel()
		_ = chromedp.Click(sel, chromedp.NodeVisible).Do(clickCtx)
		return nil
	})
}

// runHeadless starts a headless Chrome for one task list. Requires Chrome/Chromium to be
// installed on the system.
func runHeadless(ctx context.Context, tasks chromedp.Tasks) error {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	return chromedp.Run(browserCtx, tasks)
}
