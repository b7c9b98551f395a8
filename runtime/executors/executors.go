// Package executors implements the built-in node executors: triggers, HTTP
// and command actions, the expression-based data transforms, control flow
// (if, switch, merge, loop, parallel, retry, tryCatch, rateLimit) and the
// model-backed llmChat node.
//
// Parameter strings are interpolated against the execution scope at executor
// entry, so every executor sees fully resolved values and every interpolated
// secret is registered for log redaction before it can appear in a record.
package executors

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/interp"
	"github.com/nervemind/nervemind/runtime/model"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// Options configures the built-in executor set.
type Options struct {
	// HTTPClient serves httpRequest nodes. Nil uses a default client;
	// tests inject a stub transport.
	HTTPClient *http.Client
	// Models resolves llmChat providers. Nil makes llmChat nodes fail with
	// a config error.
	Models model.Resolver
	// BlockedCommands extends the executeCommand blocklist.
	BlockedCommands []string
}

// Register installs every built-in executor into the registry. It is called
// once at engine startup, before plugin registration and Freeze.
func Register(reg *registry.Registry, opts Options) error {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	execs := []registry.Executor{
		&triggerExecutor{kind: "manualTrigger"},
		&triggerExecutor{kind: "scheduleTrigger"},
		&triggerExecutor{kind: "webhookTrigger"},
		&triggerExecutor{kind: "fileTrigger"},
		&httpRequestExecutor{client: httpClient},
		&commandExecutor{blocked: opts.BlockedCommands},
		&codeExecutor{},
		&setExecutor{},
		&filterExecutor{},
		&sortExecutor{},
		&ifExecutor{},
		&switchExecutor{},
		&mergeExecutor{},
		&noopExecutor{},
		&loopExecutor{},
		&parallelExecutor{},
		&retryExecutor{},
		&tryCatchExecutor{},
		newRateLimitExecutor(),
		&llmChatExecutor{models: opts.Models},
	}
	for _, e := range execs {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// stringParam reads a string parameter and interpolates it against the scope
// of the given item. Interpolated secrets are registered for redaction.
func stringParam(node workflow.Node, ec *execution.Context, item workflow.Item, name, def string) (string, error) {
	raw, ok := node.Parameters[name]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", engineerrors.Config(node.ID, name, "expected a string")
	}
	res, err := interp.Interpolate(s, ec.Scope(item))
	if err != nil {
		return "", engineerrors.FromError(err).WithNode(node.ID)
	}
	if len(res.Secrets) > 0 {
		ec.Logger().RegisterSecret(res.Secrets...)
	}
	return res.Value, nil
}

// requiredStringParam is stringParam for parameters that must be present and
// non-empty after interpolation.
func requiredStringParam(node workflow.Node, ec *execution.Context, item workflow.Item, name string) (string, error) {
	s, err := stringParam(node, ec, item, name, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", engineerrors.Config(node.ID, name, "required parameter is missing")
	}
	return s, nil
}

// intParam reads an integer parameter, accepting JSON numbers and numeric
// strings.
func intParam(node workflow.Node, name string, def int) (int, error) {
	raw, ok := node.Parameters[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, engineerrors.Config(node.ID, name, "expected an integer")
		}
		return n, nil
	default:
		return 0, engineerrors.Config(node.ID, name, "expected an integer")
	}
}

// floatParam reads a float parameter.
func floatParam(node workflow.Node, name string, def float64) (float64, error) {
	raw, ok := node.Parameters[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, engineerrors.Config(node.ID, name, "expected a number")
		}
		return f, nil
	default:
		return 0, engineerrors.Config(node.ID, name, "expected a number")
	}
}

// boolParam reads a boolean parameter.
func boolParam(node workflow.Node, name string, def bool) bool {
	raw, ok := node.Parameters[name]
	if !ok {
		return def
	}
	b, ok := raw.(bool)
	if !ok {
		return def
	}
	return b
}

// durationMsParam reads a millisecond duration parameter.
func durationMsParam(node workflow.Node, name string, def time.Duration) (time.Duration, error) {
	ms, err := intParam(node, name, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// mainOutput wraps an envelope as a plain main-handle output.
func mainOutput(env workflow.Envelope) registry.Output {
	return registry.Output{OutputsByHandle: map[string]workflow.Envelope{
		workflow.HandleMain: env,
	}}
}
