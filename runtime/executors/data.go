package executors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/interp"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// codeExecutor evaluates a sandboxed expression over the input. The
// expression language has no I/O, no imports and no loops-over-time, which is
// what keeps untrusted workflow definitions from reaching the host.
type codeExecutor struct{}

func (e *codeExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "code",
		Category: registry.CategoryData,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *codeExecutor) Execute(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	// The expression is read raw: template interpolation would collide with
	// the expression's own brace syntax.
	src, _ := node.Parameters["code"].(string)
	if src == "" {
		return registry.Output{}, engineerrors.Config(node.ID, "code", "required parameter is missing")
	}
	mode, _ := node.Parameters["mode"].(string)
	if mode == "" {
		mode = "each"
	}
	prog, err := compileExpr(node, "code", src)
	if err != nil {
		return registry.Output{}, err
	}
	env := input.Main()

	if mode == "all" {
		v, err := runExpr(node, "code", prog, exprEnv(ec, env.First(), env, 0))
		if err != nil {
			return registry.Output{}, err
		}
		return mainOutput(resultEnvelope(v)), nil
	}

	out := make(workflow.Envelope, 0, len(env))
	for i, item := range env {
		select {
		case <-ctx.Done():
			return registry.Output{}, ctx.Err()
		default:
		}
		v, err := runExpr(node, "code", prog, exprEnv(ec, item, env, i))
		if err != nil {
			return registry.Output{}, err
		}
		out = append(out, toItem(v))
	}
	return mainOutput(out), nil
}

// resultEnvelope converts an all-mode expression result into an envelope:
// arrays explode into items, maps become a single item, scalars land under
// "result".
func resultEnvelope(v any) workflow.Envelope {
	switch val := v.(type) {
	case []any:
		out := make(workflow.Envelope, 0, len(val))
		for _, el := range val {
			out = append(out, toItem(el))
		}
		return out
	case map[string]any:
		return workflow.Envelope{val}
	case nil:
		return workflow.Envelope{}
	default:
		return workflow.Envelope{workflow.Item{"result": val}}
	}
}

// setExecutor writes computed fields into each item. Values that are a single
// {{ path }} template keep the resolved value's type.
type setExecutor struct{}

func (e *setExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "set",
		Category: registry.CategoryData,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *setExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	values, ok := node.Parameters["values"].(map[string]any)
	if !ok {
		return registry.Output{}, engineerrors.Config(node.ID, "values", "expected an object of field assignments")
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	keepOnly := boolParam(node, "keepOnlySet", false)

	env := input.Main()
	out := make(workflow.Envelope, 0, len(env))
	for _, item := range env {
		next := workflow.Item{}
		if !keepOnly {
			for k, v := range item {
				next[k] = v
			}
		}
		for _, k := range keys {
			v := values[k]
			if s, isStr := v.(string); isStr {
				resolved, err := resolveTemplated(node, ec, item, k, s)
				if err != nil {
					return registry.Output{}, err
				}
				next[k] = resolved
				continue
			}
			next[k] = v
		}
		out = append(out, next)
	}
	return mainOutput(out), nil
}

// filterExecutor keeps the items matching a condition expression. An empty
// result is a legal empty envelope, not an error.
type filterExecutor struct{}

func (e *filterExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "filter",
		Category: registry.CategoryData,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *filterExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	src, _ := node.Parameters["condition"].(string)
	if src == "" {
		return registry.Output{}, engineerrors.Config(node.ID, "condition", "required parameter is missing")
	}
	prog, err := compileExpr(node, "condition", src)
	if err != nil {
		return registry.Output{}, err
	}
	env := input.Main()
	out := make(workflow.Envelope, 0, len(env))
	for i, item := range env {
		v, err := runExpr(node, "condition", prog, exprEnv(ec, item, env, i))
		if err != nil {
			return registry.Output{}, err
		}
		if truthy(v) {
			out = append(out, item)
		}
	}
	return mainOutput(out), nil
}

// sortExecutor orders items by a path within each item.
type sortExecutor struct{}

func (e *sortExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "sort",
		Category: registry.CategoryData,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *sortExecutor) Execute(_ context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	key, err := requiredStringParam(node, ec, input.Main().First(), "key")
	if err != nil {
		return registry.Output{}, err
	}
	order, err := stringParam(node, ec, nil, "order", "asc")
	if err != nil {
		return registry.Output{}, err
	}
	if order != "asc" && order != "desc" {
		return registry.Output{}, engineerrors.Config(node.ID, "order", fmt.Sprintf("unknown order %q", order))
	}

	env := input.Main().Clone()
	var sortErr error
	sort.SliceStable(env, func(i, j int) bool {
		vi, _, erri := interp.Resolve(key, interp.Scope{Item: env[i]})
		vj, _, errj := interp.Resolve(key, interp.Scope{Item: env[j]})
		if erri != nil && sortErr == nil {
			sortErr = erri
		}
		if errj != nil && sortErr == nil {
			sortErr = errj
		}
		less := lessValues(vi, vj)
		if order == "desc" {
			return lessValues(vj, vi)
		}
		return less
	})
	if sortErr != nil {
		return registry.Output{}, engineerrors.FromError(sortErr).WithNode(node.ID)
	}
	return mainOutput(env), nil
}

// lessValues compares two resolved values: numbers numerically, everything
// else as strings. Missing values sort first.
func lessValues(a, b any) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa < fb
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)) < 0
}
