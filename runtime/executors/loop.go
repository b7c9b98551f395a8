package executors

import (
	"context"
	"fmt"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/interp"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// loopExecutor explodes its input into one sequential follow-up per item. The
// scheduler runs each iteration's subgraph to completion before dispatching
// the next, then emits the aggregated leaf outputs on the done handle.
type loopExecutor struct{}

func (e *loopExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:            "loop",
		Category:        registry.CategoryFlow,
		Inputs:          []string{workflow.HandleMain},
		Outputs:         []string{workflow.HandleMain, workflow.HandleDone},
		SupportsLooping: true,
	}
}

func (e *loopExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	env := input.Main()
	items := env

	// An explicit itemsPath iterates an array inside the first item instead
	// of the envelope itself.
	path, err := stringParam(node, ec, env.First(), "itemsPath", "")
	if err != nil {
		return registry.Output{}, err
	}
	if path != "" {
		v, _, rerr := interp.Resolve(path, ec.Scope(env.First()))
		if rerr != nil {
			return registry.Output{}, engineerrors.FromError(rerr).WithNode(node.ID)
		}
		arr, ok := v.([]any)
		if !ok {
			return registry.Output{}, engineerrors.Config(node.ID, "itemsPath",
				fmt.Sprintf("path %q did not resolve to an array", path))
		}
		items = make(workflow.Envelope, 0, len(arr))
		for _, el := range arr {
			items = append(items, toItem(el))
		}
	}

	ec.Log(execlog.LevelInfo, execlog.CategoryInfo, node.ID,
		fmt.Sprintf("loop over %d items", len(items)),
		map[string]any{"iterations": len(items)})

	followUps := make([]registry.FollowUp, 0, len(items))
	for _, item := range items {
		followUps = append(followUps, registry.FollowUp{
			Handle:     workflow.HandleMain,
			Envelope:   workflow.SingleItem(item),
			Sequential: true,
		})
	}
	// A nil done envelope tells the scheduler to aggregate the iterations'
	// leaf outputs. An empty input fires done immediately with an empty
	// envelope.
	return registry.Output{FollowUps: followUps, Done: &registry.DoneSpec{}}, nil
}

// toItem wraps an array element as an item; scalars land under "value".
func toItem(v any) workflow.Item {
	switch el := v.(type) {
	case map[string]any:
		return el
	default:
		return workflow.Item{"value": el}
	}
}

// parallelExecutor fans its input out to every connected branch handle
// concurrently and emits done once branches complete, or after the first when
// waitForAll is disabled.
type parallelExecutor struct{}

func (e *parallelExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:            "parallel",
		Category:        registry.CategoryFlow,
		Inputs:          []string{workflow.HandleMain},
		Outputs:         []string{workflow.HandleDone},
		SupportsLooping: true,
	}
}

func (e *parallelExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	env := input.Main()

	// Branches are the node's connected output handles other than done, in
	// definition order.
	seen := make(map[string]bool)
	var handles []string
	for _, c := range ec.Workflow().Connections {
		if c.SourceNodeID != node.ID {
			continue
		}
		h := workflow.NormalizeHandle(c.SourceHandle)
		if h == workflow.HandleDone || seen[h] {
			continue
		}
		seen[h] = true
		handles = append(handles, h)
	}

	waitForAll := boolParam(node, "waitForAll", true)
	ec.Log(execlog.LevelInfo, execlog.CategoryInfo, node.ID,
		fmt.Sprintf("parallel fan-out to %d branches", len(handles)),
		map[string]any{"branches": len(handles), "waitForAll": waitForAll})

	followUps := make([]registry.FollowUp, 0, len(handles))
	for _, h := range handles {
		followUps = append(followUps, registry.FollowUp{
			Handle:   h,
			Envelope: env.Clone(),
		})
	}
	return registry.Output{
		FollowUps: followUps,
		Done:      &registry.DoneSpec{AfterFirst: !waitForAll},
	}, nil
}
