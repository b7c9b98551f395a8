// Package core exposes the engine facade: execute a stored workflow, cancel
// a running execution, and query execution status. It owns the wiring between
// the workflow store, the executor registry, the scheduler and the execution
// store, and tracks in-flight runs so cancellation can reach them.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/scheduler"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type (
	// WorkflowStore supplies workflow definitions. The editor collaborator
	// owns mutation; the engine only reads snapshots.
	WorkflowStore interface {
		// Workflow loads one workflow by id.
		Workflow(ctx context.Context, id int64) (*workflow.Workflow, error)
		// List returns all stored workflows.
		List(ctx context.Context) ([]*workflow.Workflow, error)
	}

	// Options configures an Engine.
	Options struct {
		// Registry is the frozen executor registry. Required.
		Registry *registry.Registry
		// Workflows supplies definitions. Required.
		Workflows WorkflowStore
		// Executions persists runs. Nil disables persistence.
		Executions execution.Store
		// Vault resolves credentials. Nil disables credential nodes.
		Vault execution.CredentialVault
		// Variables resolves variables. Nil disables variable lookups.
		Variables execution.VariableStore
		// Logger receives execution records. Nil builds a default logger.
		Logger *execlog.Logger
		// Workers bounds the scheduler's executor pool.
		Workers int
		// Grace bounds the cancellation grace window.
		Grace time.Duration
		// DefaultTimeout bounds executions whose workflow settings carry no
		// timeout. Zero means no engine-level deadline.
		DefaultTimeout time.Duration
		// Retry is the engine-level retry default, overridable per workflow.
		Retry execution.RetryDefaults
	}

	// Engine runs workflows.
	Engine struct {
		reg        *registry.Registry
		workflows  WorkflowStore
		executions execution.Store
		vault      execution.CredentialVault
		variables  execution.VariableStore
		logger     *execlog.Logger
		sched      *scheduler.Scheduler
		timeout    time.Duration
		retry      execution.RetryDefaults

		mu     sync.Mutex
		active map[string]*activeRun
	}

	activeRun struct {
		workflowID int64
		cancel     context.CancelFunc
		done       chan struct{}

		// result and err are set before done closes and read only after.
		result execution.Execution
		err    error
	}
)

// ErrNotRunning reports a cancel request for an execution that is not in
// flight.
var ErrNotRunning = engineerrors.New(engineerrors.KindConfig, "execution is not running")

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, engineerrors.New(engineerrors.KindConfig, "executor registry is required")
	}
	if opts.Workflows == nil {
		return nil, engineerrors.New(engineerrors.KindConfig, "workflow store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = execlog.New(execlog.LevelInfo, true)
	}
	return &Engine{
		reg:        opts.Registry,
		workflows:  opts.Workflows,
		executions: opts.Executions,
		vault:      opts.Vault,
		variables:  opts.Variables,
		logger:     logger,
		sched:      scheduler.New(opts.Registry, scheduler.Options{Workers: opts.Workers, Grace: opts.Grace}),
		timeout:    opts.DefaultTimeout,
		retry:      opts.Retry,
		active:     make(map[string]*activeRun),
	}, nil
}

// Logger returns the engine's execution logger so callers can attach
// handlers (console, stream bridges).
func (e *Engine) Logger() *execlog.Logger { return e.logger }

// ExecuteSync runs a workflow to completion and returns the terminal
// execution envelope. The returned error is non-nil exactly when the
// execution did not succeed.
func (e *Engine) ExecuteSync(ctx context.Context, workflowID int64, trigger workflow.TriggerKind, payload workflow.Envelope) (execution.Execution, error) {
	_, run, err := e.begin(ctx, workflowID, trigger, payload)
	if err != nil {
		return execution.Execution{}, err
	}
	<-run.done
	return run.result, run.err
}

// Execute starts a workflow asynchronously and returns the execution id
// immediately. Progress is observable through the logger and Status.
func (e *Engine) Execute(ctx context.Context, workflowID int64, trigger workflow.TriggerKind, payload workflow.Envelope) (string, error) {
	id, _, err := e.begin(ctx, workflowID, trigger, payload)
	return id, err
}

// begin validates, persists the pending envelope and launches the run
// goroutine.
func (e *Engine) begin(ctx context.Context, workflowID int64, trigger workflow.TriggerKind, payload workflow.Envelope) (string, *activeRun, error) {
	wf, err := e.workflows.Workflow(ctx, workflowID)
	if err != nil {
		return "", nil, engineerrors.NewWithCause(engineerrors.KindConfig,
			fmt.Sprintf("workflow %d not found", workflowID), err)
	}
	if err := workflow.Validate(wf, e.reg.SupportsLooping); err != nil {
		return "", nil, err
	}

	timeout := e.timeout
	if t := settingsTimeout(wf); t > 0 {
		timeout = t
	}
	runCtx, cancel := newRunContext(timeout)

	ec := execution.NewContext(execution.ContextOptions{
		Workflow:   wf,
		Trigger:    trigger,
		RunContext: runCtx,
		Logger:     e.logger,
		Vault:      e.vault,
		Variables:  e.variables,
		Store:      e.executions,
		Retry:      e.retryDefaults(wf),
	})

	// The pending row is persisted before the run goroutine launches so
	// callers of Execute can observe the accepted execution immediately.
	rec := execution.Execution{
		ID:          ec.ExecutionID(),
		WorkflowID:  wf.ID,
		Status:      execution.StatusPending,
		TriggerType: trigger,
		StartedAt:   ec.StartedAt(),
	}
	e.saveExecution(runCtx, rec)

	run := &activeRun{workflowID: wf.ID, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[ec.ExecutionID()] = run
	e.mu.Unlock()

	go func() {
		defer cancel()
		rec.Status = execution.StatusRunning
		e.saveExecution(runCtx, rec)
		res := e.sched.Run(runCtx, ec, payload)

		finished := time.Now()
		rec.Status = res.Status
		rec.FinishedAt = &finished
		rec.DurationMs = finished.Sub(rec.StartedAt).Milliseconds()
		if res.Err != nil {
			rec.ErrorMessage = res.Err.Error()
			rec.ErrorNodeID = res.ErrNodeID
		}
		// The run context may already be cancelled; persistence must not be.
		e.saveExecution(context.Background(), rec)

		run.result = rec
		run.err = res.Err
		e.mu.Lock()
		delete(e.active, ec.ExecutionID())
		e.mu.Unlock()
		close(run.done)
	}()
	return ec.ExecutionID(), run, nil
}

// Cancel requests cooperative cancellation of a running execution. It
// returns ErrNotRunning when the execution is unknown or already terminal.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	run, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	run.cancel()
	return nil
}

// Running lists the execution ids currently in flight.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Status loads the persisted execution envelope.
func (e *Engine) Status(ctx context.Context, executionID string) (execution.Execution, error) {
	if e.executions == nil {
		return execution.Execution{}, engineerrors.New(engineerrors.KindConfig, "no execution store configured")
	}
	rec, err := e.executions.FindExecution(ctx, executionID)
	if err != nil {
		return execution.Execution{}, err
	}
	return rec, nil
}

func (e *Engine) saveExecution(ctx context.Context, rec execution.Execution) {
	if e.executions == nil {
		return
	}
	if err := e.executions.SaveExecution(ctx, rec); err != nil {
		e.logger.Emit(execlog.Record{
			ExecutionID: rec.ID,
			Level:       execlog.LevelWarn,
			Category:    execlog.CategoryInfo,
			Message:     "execution persistence failed: " + err.Error(),
		})
	}
}

// retryDefaults merges workflow settings over the engine default.
func (e *Engine) retryDefaults(wf *workflow.Workflow) execution.RetryDefaults {
	out := e.retry
	if wf.Settings == nil {
		return out
	}
	if v, ok := wf.Settings["retryAttempts"].(float64); ok && v >= 1 {
		out.Attempts = int(v)
	}
	if v, ok := wf.Settings["retryDelayMs"].(float64); ok && v >= 0 {
		out.Delay = time.Duration(v) * time.Millisecond
	}
	return out
}

// settingsTimeout reads the workflow-level "timeoutMs" setting.
func settingsTimeout(wf *workflow.Workflow) time.Duration {
	if wf.Settings == nil {
		return 0
	}
	if v, ok := wf.Settings["timeoutMs"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// newRunContext derives the run context. Executions always get their own
// cancel handle so Cancel can reach them; the deadline is optional.
func newRunContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
