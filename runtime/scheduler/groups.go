package scheduler

import (
	"fmt"
	"time"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type (
	// group tracks the subgraphs dispatched from one control-flow node's
	// follow-ups: loop iterations (sequential) or parallel branches. A branch
	// is drained when every unit belonging to it has completed; the group
	// fires the owner's done handle per its DoneSpec once branches drain.
	group struct {
		id         int
		owner      workflow.Node
		inh        inheritance
		followUps  []registry.FollowUp
		done       *registry.DoneSpec
		sequential bool

		branchPending map[int]int
		branchesDone  int
		doneFired     bool
		// results collects main-handle outputs of leaf units inside the
		// group, in completion order. Loop done envelopes aggregate these.
		results workflow.Envelope
	}

	// guardFrame is a live recovery scope opened by a retry or try/catch
	// node over everything dispatched from its outputs.
	guardFrame struct {
		kind    registry.GuardKind
		guard   registry.Guard
		owner   workflow.Node
		attempt int

		// pending counts live units inside the frame.
		pending int
		// tripped marks a try frame whose catch path has fired.
		tripped bool
		// catchDead marks a try frame whose catch connections were declared
		// dead after a clean drain.
		catchDead bool

		// outer is the inheritance the owner ran under; catch envelopes and
		// retry re-dispatches hold it while in flight.
		outer inheritance
		// childInh is outer plus this frame; guarded units run under it.
		childInh inheritance
		// emission is the owner's guarded output, replayed on retry.
		emission registry.Output
	}
)

// hold pins every group branch and guard frame in inh while work attributed
// to them is in flight.
func (r *run) hold(inh inheritance) {
	for _, m := range inh.groups {
		m.g.branchPending[m.branch]++
	}
	for _, f := range inh.guards {
		f.pending++
	}
}

// release undoes hold innermost-first, draining branches and frames whose
// counts reach zero.
func (r *run) release(inh inheritance) {
	for i := len(inh.guards) - 1; i >= 0; i-- {
		f := inh.guards[i]
		f.pending--
		if f.pending == 0 {
			r.frameDrained(f)
		}
	}
	for i := len(inh.groups) - 1; i >= 0; i-- {
		m := inh.groups[i]
		m.g.branchPending[m.branch]--
		if m.g.branchPending[m.branch] == 0 {
			r.branchDrained(m.g, m.branch)
		}
	}
}

// newGroup opens a tracking group for a control-flow output and dispatches
// its follow-ups: the first one for sequential groups (loop), all of them for
// concurrent groups (parallel).
func (r *run) newGroup(owner workflow.Node, out registry.Output, inh inheritance) {
	r.groupSeq++
	g := &group{
		id:            r.groupSeq,
		owner:         owner,
		inh:           inh,
		followUps:     out.FollowUps,
		done:          out.Done,
		branchPending: make(map[int]int),
	}
	for _, fu := range out.FollowUps {
		if fu.Sequential {
			g.sequential = true
			break
		}
	}
	if len(g.followUps) == 0 {
		// Nothing to iterate over: done fires immediately with an empty
		// envelope (loop over an empty array).
		r.fireDone(g)
		return
	}
	if g.sequential {
		r.dispatchBranch(g, 0)
		return
	}
	for i := range g.followUps {
		r.dispatchBranch(g, i)
		if r.failure != nil || r.cancelled {
			return
		}
	}
}

// dispatchBranch delivers one follow-up envelope on the owner's handle
// connections under a fresh branch scope. A branch that enqueues nothing
// drains immediately.
func (r *run) dispatchBranch(g *group, branch int) {
	for {
		fu := g.followUps[branch]
		groups := make([]membership, len(g.inh.groups), len(g.inh.groups)+1)
		copy(groups, g.inh.groups)
		branchInh := inheritance{
			groups: append(groups, membership{g: g, branch: branch}),
			guards: g.inh.guards,
		}
		outputs := map[string]workflow.Envelope{
			workflow.NormalizeHandle(fu.Handle): fu.Envelope,
		}
		r.fanOut(g.owner, outputs, branchInh, nil, false)
		if g.branchPending[branch] > 0 {
			return
		}
		// Empty branch: advance in place rather than recursing through
		// branchDrained, so a long loop over an unconnected handle does not
		// grow the stack.
		next, done := r.advanceBranch(g)
		if done {
			return
		}
		branch = next
	}
}

// advanceBranch records one drained branch and reports the next sequential
// branch to dispatch, or done=true when the group requires no further
// dispatch from the caller.
func (r *run) advanceBranch(g *group) (next int, done bool) {
	g.branchesDone++
	if g.sequential && g.branchesDone < len(g.followUps) {
		return g.branchesDone, false
	}
	if g.done != nil {
		if g.done.AfterFirst || g.branchesDone >= len(g.followUps) {
			r.fireDone(g)
		}
	}
	return 0, true
}

// branchDrained is invoked when a branch's pending count returns to zero.
func (r *run) branchDrained(g *group, branch int) {
	next, done := r.advanceBranch(g)
	if done {
		return
	}
	_ = branch
	r.dispatchBranch(g, next)
}

// fireDone emits the owner's done-handle envelope. When the DoneSpec carries
// no envelope the group's collected leaf outputs are aggregated instead,
// which is how loop surfaces its per-iteration results.
func (r *run) fireDone(g *group) {
	if g.doneFired {
		return
	}
	g.doneFired = true
	if g.done == nil {
		return
	}
	env := g.done.Envelope
	if env == nil {
		env = g.results
		if env == nil {
			env = workflow.Envelope{}
		}
	}
	outs, _ := r.ec.OutputsOf(g.owner.ID)
	merged := make(map[string]workflow.Envelope, len(outs)+1)
	for h, e := range outs {
		merged[h] = e
	}
	merged[workflow.HandleDone] = env
	r.ec.RecordOutput(g.owner.ID, merged)

	r.fanOut(g.owner, map[string]workflow.Envelope{workflow.HandleDone: env}, g.inh, nil, false)
}

// frameDrained runs when a guard frame's last in-flight unit completes. A try
// frame that drained without tripping declares its catch connections dead so
// downstream wait-all merges stop waiting on them.
func (r *run) frameDrained(f *guardFrame) {
	if f.kind != registry.GuardTry || f.tripped || f.catchDead {
		return
	}
	f.catchDead = true
	for _, c := range r.wf.ConnectionsFrom(f.owner.ID, workflow.HandleCatch) {
		r.markDead(c, f.outer)
	}
}

// handleFailure routes a node failure through the enclosing guards,
// innermost first, retry before try. It reports whether the failure was
// recovered and whether the node record should still be marked failed.
func (r *run) handleFailure(u *unit, err error) (recovered, markFailed bool) {
	kind := engineerrors.KindOf(err)
	if kind == engineerrors.KindConfig || kind == engineerrors.KindCancelled {
		r.fail(engineerrors.FromError(err).WithNode(u.node.ID), u.node.ID)
		return false, true
	}
	for i := len(u.inh.guards) - 1; i >= 0; i-- {
		f := u.inh.guards[i]
		switch f.kind {
		case registry.GuardRetry:
			if r.tryRetry(f, u, err) {
				return true, false
			}
		case registry.GuardTry:
			if r.tryCatch(f, u, err) {
				return true, true
			}
		}
	}
	r.fail(engineerrors.FromError(err).WithNode(u.node.ID), u.node.ID)
	return false, true
}

// tryRetry schedules a re-dispatch of the guarded emission when the frame has
// attempts left and the predicate admits the failure.
func (r *run) tryRetry(f *guardFrame, u *unit, err error) bool {
	pred := f.guard.Predicate
	if pred == nil {
		pred = engineerrors.Retryable
	}
	if !pred(err) {
		return false
	}
	maxAttempts := f.guard.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if f.attempt >= maxAttempts {
		return false
	}
	f.attempt++
	delay := retryBackoff(f.guard, f.attempt)
	r.ec.Log(execlog.LevelWarn, execlog.CategoryRetry, f.owner.ID,
		fmt.Sprintf("retry attempt %d of %d after %s: %v", f.attempt, maxAttempts, delay, err),
		map[string]any{
			"attempt":     f.attempt,
			"maxAttempts": maxAttempts,
			"delayMs":     delay.Milliseconds(),
			"failedNode":  u.node.ID,
		})

	// Hold the enclosing scopes across the backoff so loop iterations and
	// outer guards do not drain while the timer is pending.
	r.outstanding++
	r.hold(f.outer)
	time.AfterFunc(delay, func() {
		r.post(func() {
			r.redispatch(f)
			r.release(f.outer)
		})
	})
	return true
}

// redispatch replays the guarded emission under the frame's scope. The bumped
// attempt number keys a fresh traversal scope, so wait-any and merge
// bookkeeping of the failed attempt does not leak into the new one.
func (r *run) redispatch(f *guardFrame) {
	if r.failure != nil || r.cancelled {
		return
	}
	emission := f.emission
	emission.Guard = nil
	r.fanOutOutput(f.owner, emission, f.childInh)
}

// tryCatch converts the failure into a catch envelope delivered on the
// owner's catch connections, outside the frame.
func (r *run) tryCatch(f *guardFrame, u *unit, err error) bool {
	if !engineerrors.Catchable(err) {
		return false
	}
	f.tripped = true
	r.ec.Log(execlog.LevelError, execlog.CategoryError, u.node.ID,
		fmt.Sprintf("failure recovered by %q: %v", f.owner.Name, err),
		map[string]any{"recoveredBy": f.owner.ID, "kind": string(engineerrors.KindOf(err))})

	catch := workflow.SingleItem(workflow.Item{
		"error":   true,
		"nodeId":  u.node.ID,
		"message": err.Error(),
	})
	r.fanOut(f.owner, map[string]workflow.Envelope{workflow.HandleCatch: catch}, f.outer, nil, false)
	return true
}

// retryBackoff computes the exponential backoff before the given attempt
// (attempt ≥ 2): delay × multiplier^(attempt−2).
func retryBackoff(g registry.Guard, attempt int) time.Duration {
	delay := g.Delay
	if delay < 0 {
		delay = 0
	}
	mult := g.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
	}
	return delay
}
