package llm

import (
	"context"
	"strings"

	"github.com/jonathan/agent-runner/internal/pipeline/steps"
	"github.com/jonathan/agent-runner/internal/prompts"
)

const maxDetailLen = 200

// GenerateAction asks the reasoning API for text and exposes it as the "text" result.
//
// Params:
//   - prompt: the prompt, with {{setting}} placeholders already expanded
//   - template: a named prompt template used instead of prompt; its {{.key}}
//     placeholders are filled from the other params
//   - tier: lite, standard (default) or advanced
//   - must_contain: the action fails unless the reply contains this text
type GenerateAction struct {
	client Client
}

// NewGenerateAction creates a GenerateAction on client.
func NewGenerateAction(client Client) *GenerateAction {
	return &GenerateAction{client: client}
}

// Execute generates the text.
func (a *GenerateAction) Execute(ctx context.Context, req steps.Request) (steps.Result, error) {
	prompt := strings.TrimSpace(req.Params["prompt"])
	if name := req.Params["template"]; name != "" {
		rendered, err := prompts.Render(name, req.Params)
		if err != nil {
			return steps.Failed("%v", err), nil
		}
		prompt = rendered
	}
	if prompt == "" {
		return steps.Failed("generate action needs a prompt or template param"), nil
	}

	tier := ModelTier(req.Params["tier"])
	if tier == "" {
		tier = TierStandard
	}

	text, err := a.client.GenerateContent(ctx, prompt, tier)
	if err != nil {
		return steps.Failed("generation failed: %v", err), nil
	}
	if text == "" {
		return steps.Failed("generation returned no text"), nil
	}
	if want := req.Params["must_contain"]; want != "" && !strings.Contains(text, want) {
		return steps.Failed("generated text does not contain %q", want), nil
	}

	res := steps.Succeeded(truncate(text, maxDetailLen))
	res.Data = map[string]string{"text": text}
	return res, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
