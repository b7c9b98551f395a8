package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// retryExecutor opens a retry guard over its downstream subgraph: when a node
// inside it fails with a retryable error, the scheduler replays the emission
// with exponential backoff until the attempt budget is spent.
type retryExecutor struct{}

func (e *retryExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:            "retry",
		Category:        registry.CategoryFlow,
		Inputs:          []string{workflow.HandleMain},
		Outputs:         []string{workflow.HandleMain},
		SupportsLooping: true,
	}
}

func (e *retryExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	defaults := ec.RetryDefaults()
	maxAttempts := defaults.Attempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	delay := defaults.Delay
	if delay <= 0 {
		delay = time.Second
	}
	maxAttempts, err := intParam(node, "maxAttempts", maxAttempts)
	if err != nil {
		return registry.Output{}, err
	}
	delay, err = durationMsParam(node, "delayMs", delay)
	if err != nil {
		return registry.Output{}, err
	}
	mult, err := floatParam(node, "backoffMultiplier", 2)
	if err != nil {
		return registry.Output{}, err
	}

	ec.Log(execlog.LevelInfo, execlog.CategoryRetry, node.ID,
		fmt.Sprintf("attempt 1 of %d", maxAttempts),
		map[string]any{"attempt": 1, "maxAttempts": maxAttempts})

	return registry.Output{
		OutputsByHandle: map[string]workflow.Envelope{workflow.HandleMain: input.Main()},
		Guard: &registry.Guard{
			Kind:        registry.GuardRetry,
			MaxAttempts: maxAttempts,
			Delay:       delay,
			Multiplier:  mult,
		},
	}, nil
}

// tryCatchExecutor opens a try guard: its input flows out on the try handle,
// and a catchable failure anywhere downstream is converted into a catch
// envelope instead of failing the execution.
type tryCatchExecutor struct{}

func (e *tryCatchExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:            "tryCatch",
		Category:        registry.CategoryFlow,
		Inputs:          []string{workflow.HandleMain},
		Outputs:         []string{workflow.HandleTry, workflow.HandleCatch},
		SupportsLooping: true,
	}
}

func (e *tryCatchExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, _ *execution.Context) (registry.Output, error) {
	return registry.Output{
		OutputsByHandle: map[string]workflow.Envelope{workflow.HandleTry: input.Main()},
		Guard:           &registry.Guard{Kind: registry.GuardTry},
	}, nil
}
