package execution

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/interp"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type (
	// RetryDefaults are the workflow-level retry settings applied when a
	// retry node does not declare its own.
	RetryDefaults struct {
		// Attempts caps total attempts.
		Attempts int
		// Delay is the backoff before the second attempt.
		Delay time.Duration
	}

	// Context is the per-run mutable state. The scheduler exclusively owns it
	// for the lifetime of the run; executors receive it read-mostly and may
	// mutate only the output cache (via the scheduler's RecordOutput) and
	// append log records. All output cache access is guarded.
	Context struct {
		executionID string
		trigger     workflow.TriggerKind
		wf          *workflow.Workflow
		runCtx      context.Context
		logger      *execlog.Logger
		vault       CredentialVault
		variables   VariableStore
		store       Store
		startedAt   time.Time
		retry       RetryDefaults

		mu      sync.Mutex
		outputs map[string]map[string]workflow.Envelope
		records map[recordKey]*NodeRecord
	}

	recordKey struct {
		nodeID    string
		iteration int
	}

	// ContextOptions configures NewContext.
	ContextOptions struct {
		// ExecutionID overrides the generated id (tests).
		ExecutionID string
		// Workflow is the immutable snapshot to execute.
		Workflow *workflow.Workflow
		// Trigger records how the run started.
		Trigger workflow.TriggerKind
		// RunContext carries the cancellation signal and deadline.
		RunContext context.Context
		// Logger receives execution log records.
		Logger *execlog.Logger
		// Vault resolves credentials. Nil disables credential resolution.
		Vault CredentialVault
		// Variables resolves variables. Nil disables variable resolution.
		Variables VariableStore
		// Store persists node records. Nil disables persistence.
		Store Store
		// Retry is the workflow-level retry default.
		Retry RetryDefaults
	}
)

// NewContext builds the per-run context.
func NewContext(opts ContextOptions) *Context {
	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	runCtx := opts.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = execlog.New(execlog.LevelInfo, true)
	}
	return &Context{
		executionID: id,
		trigger:     opts.Trigger,
		wf:          opts.Workflow,
		runCtx:      runCtx,
		logger:      logger,
		vault:       opts.Vault,
		variables:   opts.Variables,
		store:       opts.Store,
		startedAt:   time.Now(),
		retry:       opts.Retry,
		outputs:     make(map[string]map[string]workflow.Envelope),
		records:     make(map[recordKey]*NodeRecord),
	}
}

// ExecutionID returns the run identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowID returns the executed workflow's id.
func (c *Context) WorkflowID() int64 { return c.wf.ID }

// Workflow returns the immutable workflow snapshot.
func (c *Context) Workflow() *workflow.Workflow { return c.wf }

// Trigger returns the trigger kind that started the run.
func (c *Context) Trigger() workflow.TriggerKind { return c.trigger }

// StartedAt returns the run start time.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// RetryDefaults returns the workflow-level retry settings.
func (c *Context) RetryDefaults() RetryDefaults { return c.retry }

// Logger returns the execution logger.
func (c *Context) Logger() *execlog.Logger { return c.logger }

// Done exposes the cancellation signal. Executors check it at I/O boundaries
// and before long CPU loops.
func (c *Context) Done() <-chan struct{} { return c.runCtx.Done() }

// IsCancelled reports whether the run has been cancelled or timed out.
func (c *Context) IsCancelled() bool {
	select {
	case <-c.runCtx.Done():
		return true
	default:
		return false
	}
}

// RecordOutput stores a node's output envelopes. Iterated nodes overwrite
// previous iterations: downstream lookups always see the last iteration.
func (c *Context) RecordOutput(nodeID string, outputs map[string]workflow.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = outputs
}

// OutputsOf returns the last recorded output envelopes of a node.
func (c *Context) OutputsOf(nodeID string) (map[string]workflow.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[nodeID]
	return out, ok
}

// NodeOutputItem resolves a node reference (id or display name) to the first
// item of its last main-handle output. Templates use this tier for
// {{NodeName.field}} lookups.
func (c *Context) NodeOutputItem(ref string) (workflow.Item, bool) {
	id := ref
	if _, ok := c.wf.NodeByID(ref); !ok {
		n, ok := c.wf.NodeByName(ref)
		if !ok {
			return nil, false
		}
		id = n.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	handles, ok := c.outputs[id]
	if !ok {
		return nil, false
	}
	env, ok := handles[workflow.HandleMain]
	if !ok || len(env) == 0 {
		return nil, false
	}
	return env[0], true
}

// CredentialByID resolves a credential and registers its plaintext for log
// redaction before returning it.
func (c *Context) CredentialByID(ctx context.Context, id int64) (Secret, error) {
	if c.vault == nil {
		return Secret{}, engineerrors.Newf(engineerrors.KindConfig, "credential %d requested but no vault configured", id)
	}
	secret, err := c.vault.ByID(ctx, id)
	if err != nil {
		return Secret{}, engineerrors.NewWithCause(engineerrors.KindConfig, "credential resolution failed", err)
	}
	c.logger.RegisterSecret(secret.Value)
	return secret, nil
}

// CredentialByName resolves a credential alias and registers its plaintext
// for log redaction before returning it.
func (c *Context) CredentialByName(ctx context.Context, name string) (Secret, bool) {
	if c.vault == nil {
		return Secret{}, false
	}
	secret, ok, err := c.vault.ByName(ctx, name)
	if err != nil || !ok {
		return Secret{}, false
	}
	c.logger.RegisterSecret(secret.Value)
	return secret, ok
}

// CredentialForNode resolves the node's credential. A numeric credentialId
// wins over an interpolated alias; when alias also resolves to a different
// credential a warning is logged so authors notice the shadowing.
func (c *Context) CredentialForNode(ctx context.Context, node workflow.Node, alias string) (Secret, error) {
	if node.CredentialID != nil {
		secret, err := c.CredentialByID(ctx, *node.CredentialID)
		if err != nil {
			return Secret{}, err
		}
		if alias != "" {
			if other, ok := c.CredentialByName(ctx, alias); ok && other.Value != secret.Value {
				c.Log(execlog.LevelWarn, execlog.CategoryInfo, node.ID,
					"credentialId shadows interpolated credential alias", map[string]any{"alias": alias})
			}
		}
		return secret, nil
	}
	if alias != "" {
		if secret, ok := c.CredentialByName(ctx, alias); ok {
			return secret, nil
		}
		return Secret{}, engineerrors.Config(node.ID, "credential", "alias "+alias+" did not resolve")
	}
	return Secret{}, engineerrors.Config(node.ID, "credential", "node requires a credential")
}

// Variable resolves a variable with execution > workflow > global precedence.
// Secret-typed values are registered for redaction.
func (c *Context) Variable(name string) (any, bool) {
	if c.variables == nil {
		return nil, false
	}
	ctx := c.runCtx
	lookups := []func() (Variable, bool, error){
		func() (Variable, bool, error) { return c.variables.Execution(ctx, c.executionID, name) },
		func() (Variable, bool, error) { return c.variables.Workflow(ctx, c.wf.ID, name) },
		func() (Variable, bool, error) { return c.variables.Global(ctx, name) },
	}
	for _, lookup := range lookups {
		v, ok, err := lookup()
		if err != nil || !ok {
			continue
		}
		if v.Type == VarSecret {
			if s, isStr := v.Value.(string); isStr {
				c.logger.RegisterSecret(s)
			}
		}
		return v.Value, true
	}
	return nil, false
}

// SetVariable writes an execution-scope variable.
func (c *Context) SetVariable(name string, value any) error {
	if c.variables == nil {
		return engineerrors.New(engineerrors.KindConfig, "no variable store configured")
	}
	return c.variables.SetExecution(c.runCtx, c.executionID, name, value)
}

// Scope builds the interpolation scope for the given current item.
func (c *Context) Scope(item workflow.Item) interp.Scope {
	return interp.Scope{
		Credential: func(name string) (string, bool) {
			s, ok := c.CredentialByName(c.runCtx, name)
			return s.Value, ok
		},
		Variable:   c.Variable,
		NodeOutput: c.NodeOutputItem,
		Item:       item,
	}
}

// Log emits a record on the execution logger.
func (c *Context) Log(level execlog.Level, category execlog.Category, nodeID, msg string, logCtx map[string]any) {
	c.logger.Emit(execlog.Record{
		ExecutionID: c.executionID,
		NodeID:      nodeID,
		Level:       level,
		Category:    category,
		Message:     msg,
		Context:     logCtx,
	})
}

// MarkNode transitions a node record and persists it. State transitions are
// monotonic: stale transitions (queued after running) are ignored.
func (c *Context) MarkNode(nodeID string, iteration int, state NodeState, nodeErr error, input workflow.Envelope, outputs map[string]workflow.Envelope) {
	now := time.Now()
	key := recordKey{nodeID: nodeID, iteration: iteration}

	c.mu.Lock()
	rec, ok := c.records[key]
	if !ok {
		rec = &NodeRecord{
			ExecutionID: c.executionID,
			NodeID:      nodeID,
			Iteration:   iteration,
			State:       NodeIdle,
		}
		c.records[key] = rec
	}
	if !stateAdvances(rec.State, state) {
		c.mu.Unlock()
		return
	}
	rec.State = state
	switch state {
	case NodeRunning:
		rec.StartedAt = now
		if input != nil {
			rec.InputJSON, _ = json.Marshal(input)
		}
	case NodeSuccess, NodeFailed, NodeSkipped:
		finished := now
		rec.FinishedAt = &finished
		if nodeErr != nil {
			rec.Error = nodeErr.Error()
		}
		if outputs != nil {
			rec.OutputJSON, _ = json.Marshal(outputs)
		}
	}
	snapshot := *rec
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveNodeRecord(c.runCtx, snapshot); err != nil {
			c.Log(execlog.LevelWarn, execlog.CategoryInfo, nodeID, "node record persistence failed", map[string]any{"error": err.Error()})
		}
	}
}

// NodeRecords returns a snapshot of all node records, ordered by
// (start time, node id).
func (c *Context) NodeRecords() []NodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	return out
}

// NodeStateOf returns the state of a node's record for the given iteration.
func (c *Context) NodeStateOf(nodeID string, iteration int) NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[recordKey{nodeID: nodeID, iteration: iteration}]; ok {
		return rec.State
	}
	return NodeIdle
}

func stateAdvances(from, to NodeState) bool {
	rank := map[NodeState]int{
		NodeIdle:    0,
		NodeQueued:  1,
		NodeRunning: 2,
		NodeSuccess: 3,
		NodeFailed:  3,
		NodeSkipped: 3,
	}
	return rank[to] > rank[from]
}
