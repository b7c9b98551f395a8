package workflow

import (
	"github.com/nervemind/nervemind/runtime/engineerrors"
)

// Validate checks the workflow graph invariants that do not require executor
// metadata: unique node ids, no dangling connection endpoints, trigger and
// schedule coherence, and cycle rejection. loopSafe reports whether a node
// type closes cycles safely (loop, retry); cycles that do not pass through a
// loop-safe node are rejected. A nil loopSafe treats every type as unsafe.
func Validate(w *Workflow, loopSafe func(nodeType string) bool) error {
	if len(w.Nodes) == 0 {
		return engineerrors.Newf(engineerrors.KindConfig, "workflow %d has no nodes", w.ID)
	}
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if seen[n.ID] {
			return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: duplicate node id %q", w.ID, n.ID)
		}
		seen[n.ID] = true
	}
	for _, c := range w.Connections {
		if !seen[c.SourceNodeID] {
			return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: connection %q references unknown source node %q", w.ID, c.ID, c.SourceNodeID)
		}
		if !seen[c.TargetNodeID] {
			return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: connection %q references unknown target node %q", w.ID, c.ID, c.TargetNodeID)
		}
		if c.SourceNodeID == c.TargetNodeID {
			src, _ := w.NodeByID(c.SourceNodeID)
			if loopSafe == nil || !loopSafe(src.Type) {
				return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: connection %q is a self-loop on node %q", w.ID, c.ID, c.SourceNodeID)
			}
		}
	}
	switch w.TriggerType {
	case TriggerManual, TriggerWebhook, TriggerFile:
		if w.Schedule != "" {
			return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: schedule set but trigger type is %q", w.ID, w.TriggerType)
		}
	case TriggerSchedule:
		if w.Schedule == "" {
			return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: schedule trigger requires a schedule expression", w.ID)
		}
	default:
		return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: unknown trigger type %q", w.ID, w.TriggerType)
	}
	return validateCycles(w, loopSafe)
}

// validateCycles rejects cycles that do not pass through a loop-safe node.
// Edges leaving a loop-safe node are treated as cycle breakers: the scheduler
// models loop iterations as re-enqueued dispatch units, so a back edge into a
// loop body is legal only when the loop node itself mediates it.
func validateCycles(w *Workflow, loopSafe func(nodeType string) bool) error {
	safe := func(id string) bool {
		if loopSafe == nil {
			return false
		}
		n, ok := w.NodeByID(id)
		return ok && loopSafe(n.Type)
	}

	adj := make(map[string][]string)
	for _, c := range w.Connections {
		if safe(c.SourceNodeID) || safe(c.TargetNodeID) {
			continue
		}
		adj[c.SourceNodeID] = append(adj[c.SourceNodeID], c.TargetNodeID)
	}

	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int, len(w.Nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		for _, next := range adj[id] {
			switch state[next] {
			case inStack:
				return false
			case unvisited:
				if !visit(next) {
					return false
				}
			}
		}
		state[id] = finished
		return true
	}
	for _, n := range w.Nodes {
		if state[n.ID] == unvisited {
			if !visit(n.ID) {
				return engineerrors.Newf(engineerrors.KindConfig, "workflow %d: cycle detected that does not pass through a looping node", w.ID)
			}
		}
	}
	return nil
}
