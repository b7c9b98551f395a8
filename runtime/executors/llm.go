package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/model"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// llmChatExecutor completes a single-turn chat against a configured model
// provider. One completion per input item.
type llmChatExecutor struct {
	models model.Resolver
}

func (e *llmChatExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "llmChat",
		Category: registry.CategoryAI,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *llmChatExecutor) Execute(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	if e.models == nil {
		return registry.Output{}, engineerrors.Config(node.ID, "provider", "no model providers configured")
	}
	provider, err := requiredStringParam(node, ec, input.Main().First(), "provider")
	if err != nil {
		return registry.Output{}, err
	}
	client, ok := e.models.Client(provider)
	if !ok {
		return registry.Output{}, engineerrors.Config(node.ID, "provider", fmt.Sprintf("unknown provider %q", provider))
	}

	env := input.Main()
	out := make(workflow.Envelope, 0, len(env))
	for _, item := range env {
		prompt, err := requiredStringParam(node, ec, item, "prompt")
		if err != nil {
			return registry.Output{}, err
		}
		system, err := stringParam(node, ec, item, "system", "")
		if err != nil {
			return registry.Output{}, err
		}
		modelID, err := stringParam(node, ec, item, "model", "")
		if err != nil {
			return registry.Output{}, err
		}
		temp, err := floatParam(node, "temperature", 0)
		if err != nil {
			return registry.Output{}, err
		}
		maxTokens, err := intParam(node, "maxTokens", 0)
		if err != nil {
			return registry.Output{}, err
		}

		resp, err := client.Chat(ctx, model.Request{
			Model:       modelID,
			System:      system,
			Prompt:      prompt,
			Temperature: temp,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			kind := engineerrors.KindExec
			if errors.Is(err, model.ErrRateLimited) {
				kind = engineerrors.KindRateLimited
			}
			ee := engineerrors.NewWithCause(kind, fmt.Sprintf("chat completion failed: %v", err), err)
			ee.NodeID = node.ID
			return registry.Output{}, ee
		}
		out = append(out, workflow.Item{
			"response": resp.Text,
			"model":    resp.Model,
			"usage": map[string]any{
				"promptTokens":     float64(resp.Usage.PromptTokens),
				"completionTokens": float64(resp.Usage.CompletionTokens),
			},
		})
	}
	return mainOutput(out), nil
}
