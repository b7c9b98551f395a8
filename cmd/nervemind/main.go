// Command nervemind runs workflow definitions from the command line.
//
// # Usage
//
//	nervemind run -file workflow.json [-input '{"key":"value"}'] [-settings settings.yaml]
//	nervemind status -execution <id> [-settings settings.yaml]
//	nervemind serve [-settings settings.yaml]
//
// run executes a workflow definition to completion and narrates progress on
// stderr. status prints the persisted execution envelope as JSON (requires a
// Mongo store). serve starts the schedule and file trigger services for all
// active stored workflows and blocks until interrupted.
//
// # Exit codes
//
//	0 - execution succeeded
//	2 - configuration error (invalid workflow, unknown node type, bad flags)
//	3 - execution failed at runtime
//	4 - execution cancelled or timed out
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/nervemind/nervemind"
	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/workflow"
	"github.com/nervemind/nervemind/settings"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitFailed    = 3
	exitCancelled = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	var code int
	switch args[0] {
	case "run":
		code = cmdRun(ctx, args[1:])
	case "status":
		code = cmdStatus(ctx, args[1:])
	case "serve":
		code = cmdServe(ctx, args[1:])
	default:
		usage()
		code = exitConfig
	}
	return code
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nervemind <run|status|serve> [flags]")
}

// cmdRun executes a workflow definition file to completion.
func cmdRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	file := fs.String("file", "", "workflow definition JSON file (required)")
	input := fs.String("input", "", "trigger payload as a JSON object")
	settingsPath := fs.String("settings", "", "settings YAML file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "run: -file is required")
		return exitConfig
	}

	sys, s, code := buildSystem(ctx, *settingsPath)
	if sys == nil {
		return code
	}
	defer sys.Close(ctx)

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "read workflow file"})
		return exitConfig
	}
	wf, err := workflow.Decode(data)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "parse workflow file"})
		return exitConfig
	}
	if err := sys.Workflows.Save(ctx, wf); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "store workflow"})
		return exitConfig
	}

	payload := workflow.SingleItem(nil)
	if *input != "" {
		var item workflow.Item
		if err := json.Unmarshal([]byte(*input), &item); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "parse -input payload"})
			return exitConfig
		}
		payload = workflow.SingleItem(item)
	}

	console := execlog.NewConsole(ctx, execlog.ParseLevel(s.Log.Level), true)
	sys.Engine.Logger().AddHandler(console)

	// First interrupt requests cooperative cancellation; the grace window
	// bounds how long in-flight nodes get.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		for _, id := range sys.Engine.Running() {
			_ = sys.Engine.Cancel(id)
		}
	}()

	rec, runErr := sys.Engine.ExecuteSync(ctx, wf.ID, workflow.TriggerManual, payload)
	if runErr == nil && rec.Status == execution.StatusSuccess {
		return exitOK
	}
	return exitCode(rec.Status, runErr)
}

// cmdStatus prints a persisted execution envelope.
func cmdStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	executionID := fs.String("execution", "", "execution id (required)")
	settingsPath := fs.String("settings", "", "settings YAML file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *executionID == "" {
		fmt.Fprintln(os.Stderr, "status: -execution is required")
		return exitConfig
	}

	sys, _, code := buildSystem(ctx, *settingsPath)
	if sys == nil {
		return code
	}
	defer sys.Close(ctx)

	rec, err := sys.Engine.Status(ctx, *executionID)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "load execution"})
		return exitConfig
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode execution"})
		return exitFailed
	}
	fmt.Println(string(out))
	return exitOK
}

// cmdServe runs the trigger services until interrupted.
func cmdServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	settingsPath := fs.String("settings", "", "settings YAML file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	sys, _, code := buildSystem(ctx, *settingsPath)
	if sys == nil {
		return code
	}
	defer sys.Close(ctx)

	if err := sys.Triggers.Start(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "start triggers"})
		return exitConfig
	}
	log.Info(ctx, log.KV{K: "msg", V: "trigger services running"})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
	return exitOK
}

func buildSystem(ctx context.Context, settingsPath string) (*nervemind.System, settings.Settings, int) {
	s, err := settings.Load(settingsPath)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "load settings"})
		return nil, settings.Settings{}, exitConfig
	}
	sys, err := nervemind.New(ctx, nervemind.Options{Settings: s})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "assemble engine"})
		return nil, settings.Settings{}, exitConfig
	}
	return sys, s, exitOK
}

// exitCode maps a terminal execution to the process exit code.
func exitCode(status execution.Status, err error) int {
	switch status {
	case execution.StatusCancelled:
		return exitCancelled
	case execution.StatusSuccess:
		return exitOK
	}
	switch engineerrors.KindOf(err) {
	case engineerrors.KindConfig, engineerrors.KindRegistry:
		return exitConfig
	case engineerrors.KindTimeout, engineerrors.KindCancelled:
		return exitCancelled
	}
	return exitFailed
}
