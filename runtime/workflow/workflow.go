// Package workflow defines the declarative workflow data model executed by
// the scheduler: workflows, nodes, connections and the envelopes that flow
// between them. Definitions are produced by external editors as canonical
// JSON, validated against a schema and graph rules, and passed to the
// scheduler as immutable snapshots.
package workflow

import "time"

// TriggerKind identifies how an execution was started.
type TriggerKind string

const (
	// TriggerManual marks executions started explicitly by a user or the CLI.
	TriggerManual TriggerKind = "manual"
	// TriggerSchedule marks executions started by a cron schedule tick.
	TriggerSchedule TriggerKind = "schedule"
	// TriggerWebhook marks executions started by an inbound HTTP request.
	TriggerWebhook TriggerKind = "webhook"
	// TriggerFile marks executions started by a filesystem event.
	TriggerFile TriggerKind = "file"
)

// Well-known handle names. Executors may define additional handles (switch
// cases, parallel branch names); these cover the built-in flow semantics.
const (
	// HandleMain is the default input and output handle.
	HandleMain = "main"
	// HandleTrue carries the IF node's matched branch.
	HandleTrue = "true"
	// HandleFalse carries the IF node's unmatched branch.
	HandleFalse = "false"
	// HandleDefault carries the SWITCH node's fallback branch.
	HandleDefault = "default"
	// HandleTry carries the try/catch node's success path.
	HandleTry = "try"
	// HandleCatch carries the try/catch node's recovered-failure path.
	HandleCatch = "catch"
	// HandleDone fires when a loop or parallel node has completed all work.
	HandleDone = "done"
	// HandleConfig is a secondary input handle for configuration envelopes.
	HandleConfig = "config"
)

type (
	// Workflow is an immutable directed graph of nodes and connections. The
	// editor collaborator creates and mutates definitions; the scheduler only
	// ever sees a snapshot taken at execution start.
	Workflow struct {
		// ID identifies the workflow in the store.
		ID int64 `json:"id"`
		// Name is the human-facing workflow name.
		Name string `json:"name"`
		// Description is free-form documentation.
		Description string `json:"description,omitempty"`
		// Nodes is the ordered set of vertices. Node ids are unique within the
		// workflow.
		Nodes []Node `json:"nodes"`
		// Connections is the set of directed edges between node handles.
		Connections []Connection `json:"connections"`
		// Settings carries free-form workflow-level settings such as retry
		// defaults.
		Settings map[string]any `json:"settings,omitempty"`
		// Active reports whether trigger services should fire this workflow.
		Active bool `json:"active"`
		// TriggerType is the kind of trigger that starts the workflow.
		TriggerType TriggerKind `json:"triggerType"`
		// Schedule is the cron expression for schedule-triggered workflows.
		// Non-empty exactly when TriggerType is TriggerSchedule.
		Schedule string `json:"schedule,omitempty"`
		// Version increases monotonically on every definition change.
		Version int `json:"version"`
	}

	// Node is a vertex of the workflow graph. Its Type selects an executor in
	// the registry at execution time. Nodes are immutable during an execution.
	Node struct {
		// ID is an opaque identifier unique within the workflow.
		ID string `json:"id"`
		// Type is the registry key resolving to an executor.
		Type string `json:"type"`
		// Name is the display name. Node outputs are addressable in templates
		// by name as well as by id.
		Name string `json:"name"`
		// Position is editor canvas placement. The scheduler ignores it.
		Position Position `json:"position"`
		// Parameters is the string-keyed configuration map. String values may
		// contain {{…}} templates resolved at executor entry.
		Parameters map[string]any `json:"parameters,omitempty"`
		// CredentialID optionally references a vault credential by numeric id.
		CredentialID *int64 `json:"credentialId,omitempty"`
		// Disabled nodes are skipped: their main input passes through to their
		// main output unchanged.
		Disabled bool `json:"disabled"`
		// Notes is free-form author commentary.
		Notes string `json:"notes,omitempty"`
	}

	// Position is the node's editor canvas coordinate.
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Connection is a directed edge from (sourceNode, sourceHandle) to
	// (targetNode, targetHandle). Connections are immutable during an
	// execution.
	Connection struct {
		// ID identifies the connection within the workflow.
		ID string `json:"id"`
		// SourceNodeID is the producing node.
		SourceNodeID string `json:"sourceNodeId"`
		// TargetNodeID is the consuming node.
		TargetNodeID string `json:"targetNodeId"`
		// SourceHandle names the output port on the source node ("main",
		// "true", "case0", "try", ...). Empty means "main".
		SourceHandle string `json:"sourceHandle"`
		// TargetHandle names the input port on the target node. Empty means
		// "main".
		TargetHandle string `json:"targetHandle"`
	}

	// Item is a single unit of data: a string-keyed JSON-serializable map.
	Item = map[string]any

	// Envelope is the unit of data flowing on a connection: an ordered set of
	// items. Most executors operate on single-item envelopes; loop explodes an
	// array into N single-item envelopes and merge concatenates.
	Envelope []Item
)

// SingleItem returns an envelope holding one item. A nil item yields an
// envelope with one empty item so downstream templates resolve to empty
// values rather than failing.
func SingleItem(item Item) Envelope {
	if item == nil {
		item = Item{}
	}
	return Envelope{item}
}

// First returns the envelope's first item, or an empty item when the envelope
// is empty. Executors that operate on single-item envelopes use this to read
// their input.
func (e Envelope) First() Item {
	if len(e) == 0 {
		return Item{}
	}
	return e[0]
}

// Clone returns a shallow copy of the envelope with each item map copied one
// level deep. Nested values are shared; executors treat items as read-mostly
// and build fresh maps for outputs.
func (e Envelope) Clone() Envelope {
	if e == nil {
		return nil
	}
	out := make(Envelope, len(e))
	for i, item := range e {
		m := make(Item, len(item))
		for k, v := range item {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodeByName returns the first node with the given display name.
func (w *Workflow) NodeByName(name string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// ConnectionsFrom returns the connections originating at the given node and
// source handle, in definition order. Delivery order on a connection follows
// production order, so definition order is the stable tiebreak for fan-out.
func (w *Workflow) ConnectionsFrom(nodeID, sourceHandle string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.SourceNodeID == nodeID && normalizeHandle(c.SourceHandle) == normalizeHandle(sourceHandle) {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsTo returns the connections terminating at the given node, in
// definition order.
func (w *Workflow) ConnectionsTo(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.TargetNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// NodeTimeout reads the per-node "timeoutMs" parameter. Zero means the node
// inherits the workflow deadline.
func (n Node) NodeTimeout() time.Duration {
	raw, ok := n.Parameters["timeoutMs"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}

func normalizeHandle(h string) string {
	if h == "" {
		return HandleMain
	}
	return h
}

// NormalizeHandle maps the empty handle name to "main".
func NormalizeHandle(h string) string { return normalizeHandle(h) }
