package fetch

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonathan/agent-runner/internal/pipeline/steps"
)

// CheckAction verifies that a page contains (or lacks) an element.
//
// Params:
//   - url: page to fetch (required)
//   - selector: CSS selector that must match (required)
//   - contains: text the matched element must contain
//   - expect: "present" (default) or "absent"
type CheckAction struct {
	opts *Options
}

// NewCheckAction creates a CheckAction using opts for fetching.
func NewCheckAction(opts *Options) *CheckAction {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &CheckAction{opts: opts}
}

// Execute fetches the page and evaluates the selector.
func (a *CheckAction) Execute(ctx context.Context, req steps.Request) (steps.Result, error) {
	pageURL := req.Params["url"]
	selector := req.Params["selector"]
	if pageURL == "" || selector == "" {
		return steps.Failed("check action needs url and selector params"), nil
	}

	doc, err := Document(ctx, pageURL, a.opts)
	if err != nil {
		return steps.Failed("%v", err), nil
	}

	sel := doc.Find(selector)
	if want := req.Params["contains"]; want != "" {
		sel = sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(s.Text(), want)
		})
	}
	found := sel.Length() > 0

	if req.Params["expect"] == "absent" {
		if found {
			return steps.Failed("selector %q is present on %s", selector, pageURL), nil
		}
		return steps.Succeeded("selector absent"), nil
	}

	if !found {
		return steps.Failed("selector %q not found on %s", selector, pageURL), nil
	}

	res := steps.Succeeded("selector found")
	res.Data = map[string]string{"text": cleanWhitespace(sel.First().Text())}
	return res, nil
}
