package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// enqueue appends a unit to the work queue and pins its groups and guards.
func (r *run) enqueue(u *unit) {
	r.hold(u.inh)
	r.ec.MarkNode(u.node.ID, iterationOf(u.inh), execution.NodeQueued, nil, nil, nil)
	r.queue = append(r.queue, u)
}

// post delivers an event to the scheduler loop, giving up if the loop has
// already exited (grace expiry abandons in-flight executors).
func (r *run) post(ev func()) {
	select {
	case r.events <- ev:
	case <-r.doneCh:
	}
}

// start dispatches a unit. Disabled nodes pass their main input through
// without invoking an executor; everything else runs on the worker pool under
// the node's own timeout, if any.
func (r *run) start(u *unit) {
	node := u.node
	iter := iterationOf(u.inh)

	if node.Disabled {
		r.ec.Log(execlog.LevelDebug, execlog.CategoryDebug, node.ID, "disabled node passed through", nil)
		r.ec.MarkNode(node.ID, iter, execution.NodeSkipped, nil, u.input.Main(), nil)
		out := registry.Output{OutputsByHandle: map[string]workflow.Envelope{
			workflow.HandleMain: u.input.Main(),
		}}
		r.applySuccess(u, out, 0)
		r.release(u.inh)
		return
	}

	exec, ok := r.s.reg.Lookup(node.Type)
	if !ok {
		r.fail(engineerrors.Config(node.ID, "type", fmt.Sprintf("unknown node type %q", node.Type)), node.ID)
		r.release(u.inh)
		return
	}

	r.ec.MarkNode(node.ID, iter, execution.NodeRunning, nil, u.input.Main(), nil)
	r.ec.Log(execlog.LevelInfo, execlog.CategoryNodeStart, node.ID,
		fmt.Sprintf("node %q started", node.Name),
		map[string]any{"type": node.Type, "iteration": iter, "items": len(u.input.Main())})

	r.inflight++
	r.outstanding++
	go func() {
		ctx := r.ctx
		if t := node.NodeTimeout(); t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		started := time.Now()
		out, err := safeExecute(exec, ctx, node, u.input, r.ec)
		dur := time.Since(started)
		r.post(func() {
			r.inflight--
			r.finish(u, out, err, dur)
		})
	}()
}

// safeExecute invokes the executor, converting a panic into an exec-kind
// failure so a buggy executor fails its node rather than the engine.
func safeExecute(exec registry.Executor, ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (out registry.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = engineerrors.Newf(engineerrors.KindExec, "executor panic in node %q: %v", node.ID, rec)
		}
	}()
	return exec.Execute(ctx, node, input, ec)
}

// finish applies an executor result on the scheduler loop.
func (r *run) finish(u *unit, out registry.Output, err error, dur time.Duration) {
	node := u.node
	iter := iterationOf(u.inh)

	if err != nil {
		// Nothing was emitted: every outgoing connection of this node is
		// dead in the failed attempt's scope.
		r.markDeadOutgoing(node, u.inh)
		recovered, markFailed := r.handleFailure(u, err)
		if markFailed {
			r.ec.MarkNode(node.ID, iter, execution.NodeFailed, err, nil, nil)
		}
		if !recovered {
			r.ec.Log(execlog.LevelError, execlog.CategoryNodeEnd, node.ID,
				fmt.Sprintf("node %q failed after %s: %v", node.Name, dur.Round(time.Millisecond), err),
				map[string]any{"durationMs": dur.Milliseconds(), "kind": string(engineerrors.KindOf(err))})
		}
		r.release(u.inh)
		return
	}

	r.applySuccess(u, out, dur)
	r.release(u.inh)
}

// applySuccess records outputs, opens any guard declared by the output, and
// fans the emission out to successors.
func (r *run) applySuccess(u *unit, out registry.Output, dur time.Duration) {
	node := u.node
	iter := iterationOf(u.inh)
	outs := normalizeOutputs(out.OutputsByHandle)

	childInh := u.inh
	if out.Guard != nil {
		f := &guardFrame{
			kind:    out.Guard.Kind,
			guard:   *out.Guard,
			owner:   node,
			attempt: 1,
			outer:   u.inh,
		}
		guards := make([]*guardFrame, len(u.inh.guards), len(u.inh.guards)+1)
		copy(guards, u.inh.guards)
		childInh = inheritance{groups: u.inh.groups, guards: append(guards, f)}
		f.childInh = childInh
		f.emission = out
	}

	r.ec.RecordOutput(node.ID, outs)
	if !node.Disabled {
		r.ec.MarkNode(node.ID, iter, execution.NodeSuccess, nil, nil, outs)
		r.ec.Log(execlog.LevelInfo, execlog.CategoryNodeEnd, node.ID,
			fmt.Sprintf("node %q finished in %s", node.Name, dur.Round(time.Millisecond)),
			map[string]any{"durationMs": dur.Milliseconds(), "items": len(outs[workflow.HandleMain])})
	}

	// Leaf outputs inside a group feed the group's aggregated done envelope.
	if len(u.inh.groups) > 0 {
		if main, ok := outs[workflow.HandleMain]; ok && r.isLeaf(node, outs) {
			for _, m := range u.inh.groups {
				m.g.results = append(m.g.results, main...)
			}
		}
	}

	stripped := out
	stripped.Guard = nil
	stripped.OutputsByHandle = outs
	r.fanOutOutput(node, stripped, childInh)
}

// isLeaf reports whether none of the node's emitted handles has an outgoing
// connection.
func (r *run) isLeaf(node workflow.Node, outs map[string]workflow.Envelope) bool {
	for h := range outs {
		if len(r.wf.ConnectionsFrom(node.ID, h)) > 0 {
			return false
		}
	}
	return true
}

// fanOutOutput fans an executor output out to successors: direct handle
// emissions first, then a tracking group for follow-ups and done.
func (r *run) fanOutOutput(node workflow.Node, out registry.Output, inh inheritance) {
	deferred := make(map[string]bool)
	for _, fu := range out.FollowUps {
		deferred[workflow.NormalizeHandle(fu.Handle)] = true
	}
	if out.Done != nil {
		deferred[workflow.HandleDone] = true
	}
	if n := len(inh.guards); n > 0 {
		if f := inh.guards[n-1]; f.owner.ID == node.ID && f.kind == registry.GuardTry {
			// The catch handle fires on failure or dies on clean drain; it is
			// never dead-marked at emission time.
			deferred[workflow.HandleCatch] = true
		}
	}
	r.fanOut(node, out.OutputsByHandle, inh, deferred, true)
	if len(out.FollowUps) > 0 || out.Done != nil {
		r.newGroup(node, out, inh)
	}
}

// fanOut delivers envelopes on the node's outgoing connections. When markRest
// is set, connections on handles the node did not emit are marked dead in
// this scope, which is what lets wait-all merges downstream of an IF complete
// on the taken branch alone.
func (r *run) fanOut(node workflow.Node, outputs map[string]workflow.Envelope, inh inheritance, deferred map[string]bool, markRest bool) {
	outputs = normalizeOutputs(outputs)
	for _, c := range r.wf.Connections {
		if c.SourceNodeID != node.ID {
			continue
		}
		h := workflow.NormalizeHandle(c.SourceHandle)
		if deferred[h] {
			continue
		}
		if env, ok := outputs[h]; ok {
			r.deliver(c, env, inh)
		} else if markRest {
			r.markDead(c, inh)
		}
		if r.failure != nil || r.cancelled {
			return
		}
	}
}

// deliver hands one envelope to a connection's target under the target's
// merge policy. Bookkeeping is keyed by the target's delivery scope, not the
// arrival's: a fan-in target shared by sibling branches collects all of them
// under the scope the branches have in common.
func (r *run) deliver(conn workflow.Connection, env workflow.Envelope, inh inheritance) {
	if r.failure != nil || r.cancelled {
		return
	}
	target, ok := r.wf.NodeByID(conn.TargetNodeID)
	if !ok {
		return
	}
	inh = r.deliveryInh(target, inh)
	sk := scopeKey(inh)
	r.conns[conn.ID+"|"+sk] = connDelivered

	if waitAllMerge(target) {
		r.bufferMergeArrival(target, conn, env, inh, sk)
		return
	}

	// Wait-any: the first arrival in a scope fires the target; later
	// arrivals in the same scope are discarded with a branch record so the
	// discard is visible in the log.
	fk := target.ID + "|" + sk
	if r.fired[fk] {
		r.ec.Log(execlog.LevelWarn, execlog.CategoryBranch, target.ID,
			fmt.Sprintf("discarded arrival from %q: node already fired", conn.SourceNodeID),
			map[string]any{"connectionId": conn.ID})
		return
	}
	r.fired[fk] = true
	input := registry.Input{
		workflow.NormalizeHandle(conn.TargetHandle): []workflow.Envelope{env},
	}
	r.enqueue(&unit{node: target, input: input, inh: inh})
}

// bufferMergeArrival stages a wait-all delivery and fires the merge once
// every incoming connection in the scope has either delivered or died.
func (r *run) bufferMergeArrival(target workflow.Node, conn workflow.Connection, env workflow.Envelope, inh inheritance, sk string) {
	bk := target.ID + "|" + sk
	buf := r.buffers[bk]
	if buf == nil {
		buf = &mergeBuffer{
			target:    target,
			inh:       inh,
			delivered: make(map[string]workflow.Envelope),
		}
		r.buffers[bk] = buf
	} else {
		buf.inh = commonInheritance(buf.inh, inh)
	}
	if buf.fired {
		return
	}
	r.hold(inh)
	buf.holds = append(buf.holds, inh)
	buf.delivered[conn.ID] = env
	r.tryFireMerge(target, sk)
}

// tryFireMerge fires a wait-all merge when no incoming connection is still
// pending in the scope and at least one delivered.
func (r *run) tryFireMerge(target workflow.Node, sk string) {
	buf := r.buffers[target.ID+"|"+sk]
	if buf == nil || buf.fired {
		return
	}
	incoming := r.wf.ConnectionsTo(target.ID)
	delivered := false
	for _, c := range incoming {
		switch r.connStateOf(c, sk) {
		case connPending:
			return
		case connDelivered:
			delivered = true
		}
	}
	buf.fired = true
	holds := buf.holds
	buf.holds = nil

	if !delivered {
		for _, h := range holds {
			r.release(h)
		}
		return
	}

	// Deterministic assembly: per target handle, one envelope per delivering
	// connection in source-node-id lexical order.
	sorted := make([]workflow.Connection, len(incoming))
	copy(sorted, incoming)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SourceNodeID < sorted[j].SourceNodeID
	})
	input := make(registry.Input)
	for _, c := range sorted {
		env, ok := buf.delivered[c.ID]
		if !ok {
			continue
		}
		th := workflow.NormalizeHandle(c.TargetHandle)
		input[th] = append(input[th], env)
	}
	r.enqueue(&unit{node: buf.target, input: input, inh: buf.inh})
	for _, h := range holds {
		r.release(h)
	}
}

// markDead marks a connection as never-delivering in the scope and cascades:
// a target whose every incoming connection is dead is skipped, and its own
// outgoing connections die in turn.
func (r *run) markDead(conn workflow.Connection, inh inheritance) {
	target, ok := r.wf.NodeByID(conn.TargetNodeID)
	if !ok {
		return
	}
	inh = r.deliveryInh(target, inh)
	sk := scopeKey(inh)
	ck := conn.ID + "|" + sk
	if r.conns[ck] != connPending {
		return
	}
	r.conns[ck] = connDead

	if waitAllMerge(target) {
		if r.buffers[target.ID+"|"+sk] != nil {
			r.tryFireMerge(target, sk)
			return
		}
		if r.allIncomingDead(target, sk) {
			r.skipNode(target, inh)
		}
		return
	}
	if !r.fired[target.ID+"|"+sk] && r.allIncomingDead(target, sk) {
		r.skipNode(target, inh)
	}
}

// markDeadOutgoing declares every outgoing connection of a node dead in the
// scope. Failed nodes emit nothing.
func (r *run) markDeadOutgoing(node workflow.Node, inh inheritance) {
	for _, c := range r.wf.Connections {
		if c.SourceNodeID == node.ID {
			r.markDead(c, inh)
		}
	}
}

// skipNode records an excluded-branch node as skipped and cascades death to
// its successors.
func (r *run) skipNode(target workflow.Node, inh inheritance) {
	r.ec.MarkNode(target.ID, iterationOf(inh), execution.NodeSkipped, nil, nil, nil)
	r.markDeadOutgoing(target, inh)
}

func (r *run) allIncomingDead(target workflow.Node, sk string) bool {
	for _, c := range r.wf.ConnectionsTo(target.ID) {
		if r.connStateOf(c, sk) != connDead {
			return false
		}
	}
	return true
}

// connStateOf reads a connection's state in a scope. Connections from
// statically unreachable nodes are always dead.
func (r *run) connStateOf(c workflow.Connection, sk string) connState {
	if r.unreachable[c.SourceNodeID] {
		return connDead
	}
	return r.conns[c.ID+"|"+sk]
}

// waitAllMerge reports whether the target node merges with wait-all policy.
func waitAllMerge(n workflow.Node) bool {
	if n.Type != "merge" {
		return false
	}
	v, ok := n.Parameters["waitForAll"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

// normalizeOutputs rewrites output handle keys through NormalizeHandle.
func normalizeOutputs(outputs map[string]workflow.Envelope) map[string]workflow.Envelope {
	if outputs == nil {
		return map[string]workflow.Envelope{}
	}
	out := make(map[string]workflow.Envelope, len(outputs))
	for h, env := range outputs {
		out[workflow.NormalizeHandle(h)] = env
	}
	return out
}

// deliveryInh strips group memberships a delivery target does not belong to.
// A fan-in node reachable from more than one follow-up handle of a group's
// owner is part of none of that group's branches: deliveries to it are keyed
// and its unit runs under the scope the branches share, so sibling arrivals
// meet in one buffer (or one wait-any firing) instead of each waiting on
// connections that only ever resolve in another branch's scope. Guard frames
// opened inside a stripped branch are dropped with it.
func (r *run) deliveryInh(target workflow.Node, inh inheritance) inheritance {
	kept := len(inh.groups)
	for kept > 0 && r.crossBranch(inh.groups[kept-1].g, target.ID) {
		kept--
	}
	if kept == len(inh.groups) {
		return inh
	}
	out := inheritance{groups: inh.groups[:kept]}
	for _, f := range inh.guards {
		if len(f.childInh.groups) <= kept {
			out.guards = append(out.guards, f)
		}
	}
	return out
}

// crossBranch reports whether the target is reachable from more than one
// distinct follow-up handle of the group's owner. Sequential groups ride a
// single handle and never qualify, which keeps loop iterations isolated.
func (r *run) crossBranch(g *group, targetID string) bool {
	handles := make(map[string]bool, len(g.followUps))
	for _, fu := range g.followUps {
		handles[workflow.NormalizeHandle(fu.Handle)] = true
	}
	if len(handles) < 2 {
		return false
	}
	n := 0
	for h := range handles {
		if r.reachableVia(g.owner.ID, h)[targetID] {
			n++
			if n > 1 {
				return true
			}
		}
	}
	return false
}

// reachableVia returns the node ids reachable from one handle of a node,
// cached per (node, handle).
func (r *run) reachableVia(nodeID, handle string) map[string]bool {
	key := nodeID + "|" + handle
	if set, ok := r.reach[key]; ok {
		return set
	}
	set := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if set[id] {
			return
		}
		set[id] = true
		for _, c := range r.wf.Connections {
			if c.SourceNodeID == id {
				visit(c.TargetNodeID)
			}
		}
	}
	for _, c := range r.wf.ConnectionsFrom(nodeID, handle) {
		visit(c.TargetNodeID)
	}
	r.reach[key] = set
	return set
}

// commonInheritance returns the longest shared prefix of two inheritances. A
// wait-all merge fed from different parallel branches runs under the scope
// both branches share.
func commonInheritance(a, b inheritance) inheritance {
	var out inheritance
	for i := 0; i < len(a.groups) && i < len(b.groups); i++ {
		if a.groups[i].g != b.groups[i].g || a.groups[i].branch != b.groups[i].branch {
			break
		}
		out.groups = append(out.groups, a.groups[i])
	}
	for i := 0; i < len(a.guards) && i < len(b.guards); i++ {
		if a.guards[i] != b.guards[i] {
			break
		}
		out.guards = append(out.guards, a.guards[i])
	}
	return out
}
