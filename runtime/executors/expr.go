package executors

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/interp"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// compiled caches expr programs by source. Node parameters are stable across
// iterations and executions, so loops evaluate the same condition without
// recompiling per item.
var compiled sync.Map

// compileExpr compiles an expression, caching the program. A compile failure
// is a config error: the expression is part of the node's definition.
func compileExpr(node workflow.Node, field, src string) (*vm.Program, error) {
	if p, ok := compiled.Load(src); ok {
		return p.(*vm.Program), nil
	}
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, engineerrors.Config(node.ID, field, fmt.Sprintf("invalid expression: %v", err))
	}
	compiled.Store(src, prog)
	return prog, nil
}

// exprEnv builds the evaluation environment: the current item, the full item
// list and a vars lookup into the execution's variable scopes.
func exprEnv(ec *execution.Context, item workflow.Item, items workflow.Envelope, index int) map[string]any {
	all := make([]any, len(items))
	for i, it := range items {
		all[i] = map[string]any(it)
	}
	return map[string]any{
		"item":  map[string]any(item),
		"items": all,
		"index": index,
		"vars": func(name string) any {
			v, _ := ec.Variable(name)
			return v
		},
	}
}

// runExpr evaluates a compiled program. Evaluation failures are exec errors:
// they depend on runtime data, so retry and try/catch may recover them.
func runExpr(node workflow.Node, field string, prog *vm.Program, env map[string]any) (any, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		e := engineerrors.Newf(engineerrors.KindExec, "node %q: field %q: expression failed: %v", node.ID, field, err)
		e.NodeID = node.ID
		return nil, e
	}
	return out, nil
}

// truthy applies loose boolean coercion to an expression result.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// resolveTemplated evaluates a parameter string that may be a template. A
// string consisting of exactly one {{ path }} reference resolves to the typed
// value; anything else interpolates to a string.
func resolveTemplated(node workflow.Node, ec *execution.Context, item workflow.Item, field, s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		v, secret, err := interp.Resolve(path, ec.Scope(item))
		if err != nil {
			return nil, engineerrors.FromError(err).WithNode(node.ID)
		}
		if secret {
			if str, ok := v.(string); ok {
				ec.Logger().RegisterSecret(str)
			}
		}
		return v, nil
	}
	res, err := interp.Interpolate(s, ec.Scope(item))
	if err != nil {
		return nil, engineerrors.FromError(err).WithNode(node.ID)
	}
	if len(res.Secrets) > 0 {
		ec.Logger().RegisterSecret(res.Secrets...)
	}
	_ = field
	return res.Value, nil
}
