package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// defaultBlockedCommands are executables the command node refuses to run
// regardless of configuration.
var defaultBlockedCommands = []string{
	"rm", "sudo", "su", "shutdown", "reboot", "mkfs", "dd", "chown", "chmod",
}

// maxCommandOutput caps captured stdout and stderr per stream.
const maxCommandOutput = 1 << 20

// commandExecutor runs a local process with a fixed argv. There is no shell:
// arguments are passed verbatim, so interpolated values cannot inject extra
// commands.
type commandExecutor struct {
	blocked []string
}

func (e *commandExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "executeCommand",
		Category: registry.CategoryAction,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *commandExecutor) Execute(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	env := input.Main()
	item := env.First()

	command, err := requiredStringParam(node, ec, item, "command")
	if err != nil {
		return registry.Output{}, err
	}
	if e.isBlocked(command) {
		return registry.Output{}, engineerrors.Config(node.ID, "command",
			fmt.Sprintf("executable %q is blocked", filepath.Base(command)))
	}

	var args []string
	if raw, ok := node.Parameters["args"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return registry.Output{}, engineerrors.Config(node.ID, "args", "expected an array of strings")
		}
		args = make([]string, 0, len(list))
		for i, a := range list {
			s, ok := a.(string)
			if !ok {
				return registry.Output{}, engineerrors.Config(node.ID, "args", fmt.Sprintf("argument %d must be a string", i))
			}
			rendered, err := stringParamValue(node, ec, item, "args", s)
			if err != nil {
				return registry.Output{}, err
			}
			args = append(args, rendered)
		}
	}

	cwd, err := stringParam(node, ec, item, "cwd", "")
	if err != nil {
		return registry.Output{}, err
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxCommandOutput}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxCommandOutput}

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return registry.Output{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			ee := engineerrors.NewWithCause(engineerrors.KindExec, fmt.Sprintf("command %q failed to start", command), runErr)
			ee.NodeID = node.ID
			return registry.Output{}, ee
		}
	}

	if exitCode != 0 && boolParam(node, "failOnError", true) {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		ee := engineerrors.Newf(engineerrors.KindExec, "node %q: command exited with code %d: %s", node.ID, exitCode, tail)
		ee.NodeID = node.ID
		return registry.Output{}, ee
	}

	return mainOutput(workflow.SingleItem(workflow.Item{
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": float64(exitCode),
	})), nil
}

func (e *commandExecutor) isBlocked(command string) bool {
	base := filepath.Base(command)
	for _, b := range defaultBlockedCommands {
		if base == b {
			return true
		}
	}
	for _, b := range e.blocked {
		if base == b {
			return true
		}
	}
	return false
}

// limitedBuffer discards writes past max so a chatty process cannot exhaust
// memory.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.max - l.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}
