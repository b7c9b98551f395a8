// Package scheduler implements the graph-traversal engine. Given a workflow
// snapshot, a trigger kind and an initial trigger envelope, it identifies
// entry nodes, dispatches executors in breadth-first order over a queue of
// dispatch units, honours handle-aware branching and merge policies, runs
// loop iterations and parallel fan-out through follow-ups, and routes
// failures through retry and try/catch guards.
//
// A single scheduler goroutine owns the work queue and all traversal state;
// executors run on a bounded worker pool and report back through an event
// channel, so every mutation of traversal state happens on the owner
// goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type (
	// Options configures a Scheduler.
	Options struct {
		// Workers bounds the executor pool. Values below 1 use the default.
		Workers int
		// Grace bounds how long cancellation waits for in-flight executors
		// to observe the signal. Zero uses the default.
		Grace time.Duration
	}

	// Scheduler runs workflow executions. It is stateless across runs and
	// safe for concurrent use.
	Scheduler struct {
		reg     *registry.Registry
		workers int
		grace   time.Duration
	}

	// Result is the terminal outcome of one run.
	Result struct {
		// Status is the terminal execution status.
		Status execution.Status
		// Err is the failure that ended the run, nil on success.
		Err error
		// ErrNodeID names the node that originated the failure.
		ErrNodeID string
	}

	// unit is the scheduler's unit of work: a node plus the effective input
	// delivered to it, executed within an inheritance context of groups and
	// guards.
	unit struct {
		node  workflow.Node
		input registry.Input
		inh   inheritance
	}

	// membership ties a unit to a tracking group branch (loop iteration or
	// parallel branch).
	membership struct {
		g      *group
		branch int
	}

	// inheritance is the traversal context a unit inherits from the unit
	// that enqueued it: the tracking groups it belongs to and the recovery
	// guards enclosing it, outermost first.
	inheritance struct {
		groups []membership
		guards []*guardFrame
	}

	// run is the per-execution traversal state, owned by a single goroutine.
	run struct {
		s   *Scheduler
		ec  *execution.Context
		wf  *workflow.Workflow
		ctx context.Context

		queue       []*unit
		events      chan func()
		doneCh      chan struct{}
		outstanding int
		inflight    int
		groupSeq    int

		// conns tracks connection delivery state per traversal scope.
		conns map[string]connState
		// fired tracks wait-any targets that already ran per scope.
		fired map[string]bool
		// buffers holds pending wait-all merge deliveries per scope.
		buffers map[string]*mergeBuffer
		// unreachable marks nodes the static pre-pass excluded.
		unreachable map[string]bool
		// reach caches node ids reachable from a (node, handle) pair, used to
		// detect fan-in targets shared by sibling branches of a group.
		reach map[string]map[string]bool

		failure   error
		failNode  string
		cancelled bool
		stopExecs context.CancelFunc
	}

	connState int8

	// mergeBuffer collects wait-all deliveries for one (target, scope).
	mergeBuffer struct {
		target    workflow.Node
		inh       inheritance
		delivered map[string]workflow.Envelope // connection id -> envelope
		holds     []inheritance
		fired     bool
	}
)

const (
	connPending connState = iota
	connDelivered
	connDead
)

const (
	defaultWorkers = 4
	defaultGrace   = 5 * time.Second
)

// New constructs a Scheduler over the given executor registry.
func New(reg *registry.Registry, opts Options) *Scheduler {
	workers := opts.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Scheduler{reg: reg, workers: workers, grace: grace}
}

// Run executes the workflow held by ec to completion, delivering the trigger
// envelope on the main output of every entry node. It blocks until the run
// reaches a terminal state and returns the outcome. ctx carries the
// workflow-level deadline and the cancellation signal.
func (s *Scheduler) Run(ctx context.Context, ec *execution.Context, trigger workflow.Envelope) Result {
	// In-flight executors observe failure of a sibling through this derived
	// context, so a failed run drains quickly instead of waiting for
	// unrelated I/O.
	execCtx, stopExecs := context.WithCancel(ctx)
	defer stopExecs()

	r := &run{
		s:           s,
		ec:          ec,
		wf:          ec.Workflow(),
		ctx:         execCtx,
		events:      make(chan func()),
		doneCh:      make(chan struct{}),
		stopExecs:   stopExecs,
		conns:       make(map[string]connState),
		fired:       make(map[string]bool),
		buffers:     make(map[string]*mergeBuffer),
		unreachable: make(map[string]bool),
		reach:       make(map[string]map[string]bool),
	}

	ec.Log(execlog.LevelInfo, execlog.CategoryExecutionStart, "",
		fmt.Sprintf("execution started for workflow %q", r.wf.Name),
		map[string]any{"trigger": string(ec.Trigger()), "workflow_id": r.wf.ID})

	if err := r.seed(trigger); err != nil {
		r.failure = err
	}
	res := r.loop()
	r.finishRecords()

	msg := "execution succeeded"
	level := execlog.LevelInfo
	if res.Status != execution.StatusSuccess {
		msg = fmt.Sprintf("execution %s: %v", res.Status, res.Err)
		level = execlog.LevelError
	}
	ec.Log(level, execlog.CategoryExecutionEnd, res.ErrNodeID, msg,
		map[string]any{"status": string(res.Status)})
	return res
}

// seed records every entry node as completed with the trigger envelope on its
// main handle and enqueues its successors, then runs the static reachability
// pre-pass so connections from unreachable nodes never count towards wait-all
// merges.
func (r *run) seed(trigger workflow.Envelope) error {
	if trigger == nil {
		trigger = workflow.SingleItem(nil)
	}
	var entries []workflow.Node
	for _, n := range r.wf.Nodes {
		if r.s.reg.IsTrigger(n.Type) && !n.Disabled {
			entries = append(entries, n)
		}
	}
	if len(entries) == 0 {
		return engineerrors.Newf(engineerrors.KindConfig, "workflow %d has no trigger node", r.wf.ID)
	}

	// Static reachability: every node not reachable from an entry node is
	// excluded up front, so its connections are dead for merge accounting.
	reachable := make(map[string]bool, len(r.wf.Nodes))
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, c := range r.wf.Connections {
			if c.SourceNodeID == id {
				visit(c.TargetNodeID)
			}
		}
	}
	for _, n := range entries {
		visit(n.ID)
	}
	for _, n := range r.wf.Nodes {
		if !reachable[n.ID] {
			r.unreachable[n.ID] = true
		}
	}

	for _, n := range entries {
		outputs := map[string]workflow.Envelope{workflow.HandleMain: trigger}
		r.ec.RecordOutput(n.ID, outputs)
		r.ec.MarkNode(n.ID, 0, execution.NodeSuccess, nil, trigger, outputs)
		r.fanOut(n, outputs, inheritance{}, nil, true)
	}
	return nil
}

// loop is the scheduler owner goroutine: it dispatches queued units onto the
// worker pool and applies events (executor results, retry timers) until the
// run drains, fails, or is cancelled.
func (r *run) loop() Result {
	// Closing doneCh lets workers abandoned by grace expiry drop their
	// results instead of blocking on the event channel forever.
	defer close(r.doneCh)
	var graceExpired <-chan time.Time
	ctxDone := r.ctx.Done()
	for {
		for r.failure == nil && !r.cancelled && len(r.queue) > 0 && r.inflight < r.s.workers {
			u := r.queue[0]
			r.queue = r.queue[1:]
			r.start(u)
		}
		stopping := r.failure != nil || r.cancelled
		if r.outstanding == 0 {
			if stopping || len(r.queue) == 0 {
				break
			}
		}
		if stopping && graceExpired == nil {
			graceExpired = time.After(r.s.grace)
		}

		select {
		case ev := <-r.events:
			ev()
			r.outstanding--
		case <-graceExpired:
			// In-flight executors did not observe cancellation in time;
			// abandon them and report the terminal state.
			return r.result()
		case <-ctxDone:
			ctxDone = nil
			if !r.cancelled && r.failure == nil {
				r.observeContextDone()
			}
		}
	}
	return r.result()
}

func (r *run) observeContextDone() {
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		r.failure = engineerrors.New(engineerrors.KindTimeout, "execution deadline exceeded")
		return
	}
	r.cancelled = true
	r.ec.Log(execlog.LevelWarn, execlog.CategoryCancel, "", "execution cancelled", nil)
}

func (r *run) result() Result {
	switch {
	case r.cancelled:
		return Result{
			Status: execution.StatusCancelled,
			Err:    engineerrors.New(engineerrors.KindCancelled, "execution cancelled"),
		}
	case r.failure != nil:
		return Result{Status: execution.StatusFailed, Err: r.failure, ErrNodeID: r.failNode}
	default:
		return Result{Status: execution.StatusSuccess}
	}
}

// finishRecords marks every node that never ran as skipped so terminal
// executions carry a complete per-node picture.
func (r *run) finishRecords() {
	for _, n := range r.wf.Nodes {
		if r.ec.NodeStateOf(n.ID, 0) == execution.NodeIdle {
			r.ec.MarkNode(n.ID, 0, execution.NodeSkipped, nil, nil, nil)
		}
	}
}

func (r *run) fail(err error, nodeID string) {
	if r.failure != nil || r.cancelled {
		return
	}
	if engineerrors.KindOf(err) == engineerrors.KindCancelled {
		r.cancelled = true
		r.ec.Log(execlog.LevelWarn, execlog.CategoryCancel, nodeID, "execution cancelled", nil)
		r.stopExecs()
		return
	}
	r.failure = err
	r.failNode = nodeID
	r.ec.Log(execlog.LevelError, execlog.CategoryError, nodeID, err.Error(), nil)
	r.stopExecs()
}

// scopeKey renders the traversal scope of an inheritance: group branches and
// retry attempts. Connection, merge and wait-any bookkeeping is keyed per
// scope so loop iterations and retry attempts traverse fresh state.
func scopeKey(inh inheritance) string {
	if len(inh.groups) == 0 && len(inh.guards) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range inh.groups {
		fmt.Fprintf(&b, "g%d.%d|", m.g.id, m.branch)
	}
	for _, f := range inh.guards {
		if f.kind == registry.GuardRetry {
			fmt.Fprintf(&b, "r%s.%d|", f.owner.ID, f.attempt)
		}
	}
	return b.String()
}

// iterationOf returns the innermost sequential group branch, used to index
// node records inside loops.
func iterationOf(inh inheritance) int {
	for i := len(inh.groups) - 1; i >= 0; i-- {
		if inh.groups[i].g.sequential {
			return inh.groups[i].branch
		}
	}
	return 0
}
