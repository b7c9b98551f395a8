// Package trigger fires active workflows from their declared triggers: cron
// schedules and filesystem events. Manual executions go through the engine
// directly and webhook delivery belongs to the REST collaborator, so this
// service only owns the two trigger kinds that need a resident process.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron"

	"github.com/nervemind/nervemind/runtime/workflow"
	"github.com/nervemind/nervemind/telemetry"
)

type (
	// Executor starts workflow executions. *core.Engine satisfies it.
	Executor interface {
		Execute(ctx context.Context, workflowID int64, trigger workflow.TriggerKind, payload workflow.Envelope) (string, error)
	}

	// WorkflowLister supplies the workflow definitions to scan for triggers.
	WorkflowLister interface {
		List(ctx context.Context) ([]*workflow.Workflow, error)
	}

	// Options configures the trigger service.
	Options struct {
		// Workflows supplies definitions. Required.
		Workflows WorkflowLister
		// Engine starts executions. Required.
		Engine Executor
		// Logger narrates trigger activity. Nil uses a no-op logger.
		Logger telemetry.Logger
	}

	// Service owns the cron runner and the filesystem watcher for all active
	// workflows. Build one per process; Start scans the store once, so
	// restart the service after definitions change.
	Service struct {
		workflows WorkflowLister
		engine    Executor
		logger    telemetry.Logger

		cron    *cron.Cron
		watcher *fsnotify.Watcher
		watched map[string][]fileBinding

		mu      sync.Mutex
		started bool
		done    chan struct{}
	}

	// fileBinding maps a watched path to the workflow it fires.
	fileBinding struct {
		workflowID int64
		ops        fsnotify.Op
	}
)

// New builds the trigger service.
func New(opts Options) (*Service, error) {
	if opts.Workflows == nil {
		return nil, errors.New("workflow lister is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		workflows: opts.Workflows,
		engine:    opts.Engine,
		logger:    logger,
		cron:      cron.New(),
		watched:   make(map[string][]fileBinding),
	}, nil
}

// Start scans active workflows, registers their schedules and file watches
// and begins firing. It returns after registration; firing happens on
// background goroutines until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("trigger service already started")
	}

	wfs, err := s.workflows.List(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	for _, wf := range wfs {
		if !wf.Active {
			continue
		}
		switch wf.TriggerType {
		case workflow.TriggerSchedule:
			if err := s.addSchedule(ctx, wf); err != nil {
				return err
			}
		case workflow.TriggerFile:
			if err := s.addFileWatch(ctx, wf); err != nil {
				return err
			}
		}
	}

	s.cron.Start()
	if s.watcher != nil {
		s.done = make(chan struct{})
		go s.watchLoop(ctx)
	}
	s.started = true
	return nil
}

// Stop halts the cron runner and the filesystem watcher.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	if s.watcher != nil {
		s.watcher.Close()
		<-s.done
	}
	s.started = false
}

// addSchedule registers a cron entry firing the workflow. The expression
// comes from the workflow's Schedule field, falling back to the trigger
// node's "cron" parameter.
func (s *Service) addSchedule(ctx context.Context, wf *workflow.Workflow) error {
	expr := wf.Schedule
	if expr == "" {
		if node := triggerNode(wf, "scheduleTrigger"); node != nil {
			expr, _ = node.Parameters["cron"].(string)
		}
	}
	if expr == "" {
		return fmt.Errorf("workflow %d: schedule trigger without cron expression", wf.ID)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("workflow %d: invalid cron expression %q: %w", wf.ID, expr, err)
	}
	id := wf.ID
	s.cron.Schedule(sched, cron.FuncJob(func() {
		payload := workflow.SingleItem(workflow.Item{
			"firedAt": time.Now().UTC().Format(time.RFC3339),
			"cron":    expr,
		})
		s.fire(ctx, id, workflow.TriggerSchedule, payload)
	}))
	s.logger.Info(ctx, "schedule registered", "workflowId", id, "cron", expr)
	return nil
}

// addFileWatch registers the trigger node's path with the shared watcher.
func (s *Service) addFileWatch(ctx context.Context, wf *workflow.Workflow) error {
	node := triggerNode(wf, "fileTrigger")
	if node == nil {
		return fmt.Errorf("workflow %d: file trigger workflow without fileTrigger node", wf.ID)
	}
	path, _ := node.Parameters["path"].(string)
	if path == "" {
		return fmt.Errorf("workflow %d: file trigger without path", wf.ID)
	}
	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		s.watcher = w
	}
	if _, ok := s.watched[path]; !ok {
		if err := s.watcher.Add(path); err != nil {
			return fmt.Errorf("workflow %d: watch %s: %w", wf.ID, path, err)
		}
	}
	s.watched[path] = append(s.watched[path], fileBinding{
		workflowID: wf.ID,
		ops:        parseOps(node.Parameters["events"]),
	})
	s.logger.Info(ctx, "file watch registered", "workflowId", wf.ID, "path", path)
	return nil
}

// watchLoop fans filesystem events out to the workflows watching each path.
func (s *Service) watchLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			for path, bindings := range s.watched {
				if !pathMatches(path, event.Name) {
					continue
				}
				for _, b := range bindings {
					if event.Op&b.ops == 0 {
						continue
					}
					payload := workflow.SingleItem(workflow.Item{
						"path":    event.Name,
						"event":   strings.ToLower(event.Op.String()),
						"firedAt": time.Now().UTC().Format(time.RFC3339),
					})
					s.fire(ctx, b.workflowID, workflow.TriggerFile, payload)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "file watcher error", "err", err.Error())
		}
	}
}

func (s *Service) fire(ctx context.Context, workflowID int64, kind workflow.TriggerKind, payload workflow.Envelope) {
	id, err := s.engine.Execute(ctx, workflowID, kind, payload)
	if err != nil {
		s.logger.Error(ctx, "trigger execution failed",
			"workflowId", workflowID, "trigger", string(kind), "err", err.Error())
		return
	}
	s.logger.Info(ctx, "trigger fired",
		"workflowId", workflowID, "trigger", string(kind), "executionId", id)
}

// triggerNode finds the first enabled node of the given type.
func triggerNode(wf *workflow.Workflow, nodeType string) *workflow.Node {
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == nodeType && !wf.Nodes[i].Disabled {
			return &wf.Nodes[i]
		}
	}
	return nil
}

// parseOps reads the trigger node's "events" parameter: a list of
// create/write/remove/rename/chmod names. Empty means create and write.
func parseOps(v any) fsnotify.Op {
	names, _ := v.([]any)
	if len(names) == 0 {
		return fsnotify.Create | fsnotify.Write
	}
	var ops fsnotify.Op
	for _, n := range names {
		switch s, _ := n.(string); strings.ToLower(s) {
		case "create":
			ops |= fsnotify.Create
		case "write":
			ops |= fsnotify.Write
		case "remove":
			ops |= fsnotify.Remove
		case "rename":
			ops |= fsnotify.Rename
		case "chmod":
			ops |= fsnotify.Chmod
		}
	}
	if ops == 0 {
		ops = fsnotify.Create | fsnotify.Write
	}
	return ops
}

// pathMatches reports whether an event path falls under a watched path.
// Watching a directory delivers events for its direct children.
func pathMatches(watched, event string) bool {
	if watched == event {
		return true
	}
	return strings.HasPrefix(event, strings.TrimSuffix(watched, "/")+"/")
}
