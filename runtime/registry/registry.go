// Package registry maps node type strings to their executors. Built-in
// executors register themselves at process start; plugin-contributed
// executors are added after plugin discovery. Once startup completes the
// registry is frozen: a duplicate type is rejected so the engine never runs
// with an ambiguous registry.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// Category tags an executor for palette grouping and policy decisions.
type Category string

const (
	// CategoryTrigger marks entry-node executors.
	CategoryTrigger Category = "trigger"
	// CategoryAction marks side-effecting executors (HTTP, command).
	CategoryAction Category = "action"
	// CategoryFlow marks control-flow executors (if, switch, merge, loop...).
	CategoryFlow Category = "flow"
	// CategoryData marks pure data transforms (set, filter, sort).
	CategoryData Category = "data"
	// CategoryAI marks model-backed executors (llmChat, rag).
	CategoryAI Category = "ai"
	// CategoryIntegration marks third-party integrations.
	CategoryIntegration Category = "integration"
	// CategoryUtility marks helpers (rateLimit, noop).
	CategoryUtility Category = "utility"
)

type (
	// Metadata describes an executor's static contract: its type key, its
	// handles, and the capabilities the scheduler consults during validation
	// and traversal.
	Metadata struct {
		// Type is the registry key referenced by Node.Type.
		Type string
		// Category groups the executor.
		Category Category
		// Inputs lists input handle ids. Empty means a single "main" handle.
		Inputs []string
		// Outputs lists output handle ids. Empty means a single "main" handle.
		Outputs []string
		// IsTrigger reports whether nodes of this type may be entry nodes.
		IsTrigger bool
		// SupportsLooping reports whether this type closes graph cycles
		// safely by re-enqueuing dispatch units (loop, retry).
		SupportsLooping bool
		// RequiresCredential reports whether nodes of this type must carry a
		// credential reference.
		RequiresCredential bool
	}

	// Input is the effective input delivered to an executor, keyed by input
	// handle. Each handle carries one envelope per delivering connection, in
	// source-node-id lexical order so multi-input executors (merge) are
	// deterministic. The scheduler assembles it according to the target's
	// merge policy before dispatch.
	Input map[string][]workflow.Envelope

	// Output is the result of one executor invocation.
	Output struct {
		// OutputsByHandle carries the envelopes produced per output handle.
		// Handles absent from the map did not fire; their connections become
		// dead for wait-all merges downstream.
		OutputsByHandle map[string]workflow.Envelope
		// FollowUps instructs the scheduler to dispatch additional tracked
		// envelopes (loop iterations, parallel branches). Typically empty.
		FollowUps []FollowUp
		// Done, when non-nil, makes the scheduler emit an envelope on the
		// "done" handle once the follow-up subgraphs have drained.
		Done *DoneSpec
		// Guard, when non-nil, establishes a recovery scope over everything
		// dispatched from this output (retry re-runs, try/catch trapping).
		Guard *Guard
	}

	// FollowUp is a scheduler dispatch instruction issued by control-flow
	// executors.
	FollowUp struct {
		// Handle names the output handle whose connections receive Envelope.
		Handle string
		// Envelope is the payload to deliver.
		Envelope workflow.Envelope
		// Sequential delays this dispatch until the previous follow-up's
		// subgraph has fully drained. Loop iterations set this; parallel
		// branches do not.
		Sequential bool
	}

	// DoneSpec describes the envelope emitted on the "done" handle after
	// follow-up subgraphs drain.
	DoneSpec struct {
		// Envelope is the payload delivered on "done".
		Envelope workflow.Envelope
		// AfterFirst fires done after the first follow-up subgraph completes
		// instead of waiting for all of them (parallel waitForAll=false).
		AfterFirst bool
	}

	// GuardKind selects the recovery semantics of a Guard.
	GuardKind string

	// Guard declares a recovery scope over the subgraph dispatched from a
	// control-flow node's outputs.
	Guard struct {
		// Kind is GuardRetry or GuardTry.
		Kind GuardKind
		// MaxAttempts caps total attempts for retry guards. Values below 1
		// are treated as 1.
		MaxAttempts int
		// Delay is the backoff before the second attempt.
		Delay time.Duration
		// Multiplier scales the delay per subsequent attempt. Values below 1
		// are treated as 1.
		Multiplier float64
		// Predicate gates which failures are retried. Nil applies the engine
		// default (exec, timeout and rate-limit kinds).
		Predicate func(error) bool
	}

	// Executor realises a node type. Implementations are stateless across
	// executions and safe for concurrent use: the scheduler may run the same
	// executor for different nodes in parallel.
	Executor interface {
		// Metadata returns the executor's static contract.
		Metadata() Metadata
		// Execute runs the node against its effective input. Implementations
		// must honour ctx cancellation at I/O boundaries and before long CPU
		// loops.
		Execute(ctx context.Context, node workflow.Node, input Input, ec *execution.Context) (Output, error)
	}

	// Registry holds the executor set for an engine instance.
	Registry struct {
		mu        sync.RWMutex
		executors map[string]Executor
		frozen    bool
	}
)

const (
	// GuardRetry re-runs the guarded subgraph on retryable failure.
	GuardRetry GuardKind = "retry"
	// GuardTry converts failures in the guarded subgraph into catch
	// envelopes.
	GuardTry GuardKind = "try"
)

// Main returns the first envelope delivered on the main handle, or an empty
// single-item envelope when none was delivered. Single-input executors use
// this to read their effective input.
func (in Input) Main() workflow.Envelope {
	envs := in[workflow.HandleMain]
	if len(envs) == 0 {
		return workflow.SingleItem(nil)
	}
	return envs[0]
}

// On returns all envelopes delivered on the given handle.
func (in Input) On(handle string) []workflow.Envelope {
	return in[workflow.NormalizeHandle(handle)]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. A duplicate type or a registration after Freeze
// is rejected with a registry-kind error; the engine treats either as a
// startup failure.
func (r *Registry) Register(e Executor) error {
	meta := e.Metadata()
	if meta.Type == "" {
		return engineerrors.New(engineerrors.KindRegistry, "executor type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return engineerrors.Newf(engineerrors.KindRegistry, "registry is frozen: cannot register %q", meta.Type)
	}
	if _, dup := r.executors[meta.Type]; dup {
		return engineerrors.Newf(engineerrors.KindRegistry, "executor %q already registered", meta.Type)
	}
	r.executors[meta.Type] = e
	return nil
}

// MustRegister registers a set of executors and panics on conflict. Built-in
// registration at process start uses this; an ambiguous built-in set is a
// programming error.
func (r *Registry) MustRegister(execs ...Executor) {
	for _, e := range execs {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Freeze marks the end of startup. Subsequent registrations fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup resolves a node type to its executor.
func (r *Registry) Lookup(nodeType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[nodeType]
	return e, ok
}

// ListTypes returns the registered type keys in lexical order.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SupportsLooping reports whether the given node type closes cycles safely.
// Workflow validation uses this to reject plain cycles.
func (r *Registry) SupportsLooping(nodeType string) bool {
	e, ok := r.Lookup(nodeType)
	return ok && e.Metadata().SupportsLooping
}

// IsTrigger reports whether the given node type may be an entry node.
func (r *Registry) IsTrigger(nodeType string) bool {
	e, ok := r.Lookup(nodeType)
	return ok && e.Metadata().IsTrigger
}
