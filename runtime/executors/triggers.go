package executors

import (
	"context"

	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// triggerExecutor backs the four trigger node types. Trigger nodes are entry
// points: the scheduler seeds their output with the trigger envelope and never
// dispatches them, so Execute only matters when a trigger node is wired
// mid-graph, where it passes its input through unchanged.
type triggerExecutor struct {
	kind string
}

func (t *triggerExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:      t.kind,
		Category:  registry.CategoryTrigger,
		Outputs:   []string{workflow.HandleMain},
		IsTrigger: true,
	}
}

func (t *triggerExecutor) Execute(_ context.Context, _ workflow.Node, input registry.Input, _ *execution.Context) (registry.Output, error) {
	return mainOutput(input.Main()), nil
}

// noopExecutor passes its main input through unchanged. Authors use it as a
// junction point on the canvas.
type noopExecutor struct{}

func (n *noopExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "noop",
		Category: registry.CategoryUtility,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (n *noopExecutor) Execute(_ context.Context, _ workflow.Node, input registry.Input, _ *execution.Context) (registry.Output, error) {
	return mainOutput(input.Main()), nil
}
