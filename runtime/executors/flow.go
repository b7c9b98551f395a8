package executors

import (
	"context"
	"fmt"
	"sort"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// ifExecutor routes its whole input envelope to the true or false handle based
// on a condition expression evaluated against the first item.
type ifExecutor struct{}

func (e *ifExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "if",
		Category: registry.CategoryFlow,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleTrue, workflow.HandleFalse},
	}
}

func (e *ifExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	env := input.Main()
	cond, err := requiredStringParam(node, ec, env.First(), "condition")
	if err != nil {
		return registry.Output{}, err
	}
	prog, err := compileExpr(node, "condition", cond)
	if err != nil {
		return registry.Output{}, err
	}
	v, err := runExpr(node, "condition", prog, exprEnv(ec, env.First(), env, 0))
	if err != nil {
		return registry.Output{}, err
	}
	handle := workflow.HandleFalse
	if truthy(v) {
		handle = workflow.HandleTrue
	}
	ec.Log(execlog.LevelInfo, execlog.CategoryBranch, node.ID,
		fmt.Sprintf("condition routed to %q", handle),
		map[string]any{"handle": handle})
	return registry.Output{OutputsByHandle: map[string]workflow.Envelope{handle: env}}, nil
}

// switchExecutor evaluates an expression and routes the envelope to the
// matching caseN handle, or to default when no case matches.
type switchExecutor struct{}

func (e *switchExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "switch",
		Category: registry.CategoryFlow,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleDefault},
	}
}

func (e *switchExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	env := input.Main()
	src, err := requiredStringParam(node, ec, env.First(), "expression")
	if err != nil {
		return registry.Output{}, err
	}
	prog, err := compileExpr(node, "expression", src)
	if err != nil {
		return registry.Output{}, err
	}
	v, err := runExpr(node, "expression", prog, exprEnv(ec, env.First(), env, 0))
	if err != nil {
		return registry.Output{}, err
	}
	cases, ok := node.Parameters["cases"].([]any)
	if !ok {
		return registry.Output{}, engineerrors.Config(node.ID, "cases", "expected an array of case values")
	}
	handle := workflow.HandleDefault
	for i, c := range cases {
		if scalarEqual(v, c) {
			handle = fmt.Sprintf("case%d", i)
			break
		}
	}
	ec.Log(execlog.LevelInfo, execlog.CategoryBranch, node.ID,
		fmt.Sprintf("switch routed to %q", handle),
		map[string]any{"handle": handle, "value": v})
	return registry.Output{OutputsByHandle: map[string]workflow.Envelope{handle: env}}, nil
}

// scalarEqual compares an expression result with a case literal, treating all
// numeric types as float64 the way decoded JSON does.
func scalarEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// mergeExecutor combines envelopes from multiple incoming connections. The
// scheduler decides the wait policy (wait-all buffers every arrival first);
// the executor only applies the combination mode.
type mergeExecutor struct{}

func (e *mergeExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "merge",
		Category: registry.CategoryFlow,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *mergeExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	mode, err := stringParam(node, ec, nil, "mode", "concat")
	if err != nil {
		return registry.Output{}, err
	}
	envs := collectEnvelopes(input)
	switch mode {
	case "passthrough":
		for _, env := range envs {
			if len(env) > 0 {
				return mainOutput(env), nil
			}
		}
		return mainOutput(workflow.Envelope{}), nil
	case "concat":
		var out workflow.Envelope
		for _, env := range envs {
			out = append(out, env...)
		}
		return mainOutput(out), nil
	case "zip":
		return mainOutput(zipEnvelopes(node, ec, envs)), nil
	default:
		return registry.Output{}, engineerrors.Config(node.ID, "mode", fmt.Sprintf("unknown merge mode %q", mode))
	}
}

// collectEnvelopes flattens the input in deterministic order: handles in
// lexical order, envelopes within a handle in the order the scheduler
// assembled them (source-node-id lexical).
func collectEnvelopes(input registry.Input) []workflow.Envelope {
	handles := make([]string, 0, len(input))
	for h := range input {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	var envs []workflow.Envelope
	for _, h := range handles {
		envs = append(envs, input[h]...)
	}
	return envs
}

// zipEnvelopes pairs items index-wise across envelopes, truncating to the
// shortest and recording the truncation.
func zipEnvelopes(node workflow.Node, ec *execution.Context, envs []workflow.Envelope) workflow.Envelope {
	if len(envs) == 0 {
		return workflow.Envelope{}
	}
	shortest := -1
	longest := 0
	for _, env := range envs {
		if shortest < 0 || len(env) < shortest {
			shortest = len(env)
		}
		if len(env) > longest {
			longest = len(env)
		}
	}
	if shortest < longest {
		ec.Log(execlog.LevelWarn, execlog.CategoryBranch, node.ID,
			fmt.Sprintf("zip truncated to %d items (longest input had %d)", shortest, longest),
			map[string]any{"kept": shortest, "longest": longest})
	}
	out := make(workflow.Envelope, 0, shortest)
	for i := 0; i < shortest; i++ {
		merged := workflow.Item{}
		for _, env := range envs {
			for k, v := range env[i] {
				merged[k] = v
			}
		}
		out = append(out, merged)
	}
	return out
}
