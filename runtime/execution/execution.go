// Package execution defines per-run state: the execution and node record
// types persisted by stores, the collaborator contracts the core consumes
// (execution store, credential vault, variable store), and the Context that
// the scheduler owns for the lifetime of a run.
package execution

import (
	"context"
	"time"

	"github.com/nervemind/nervemind/runtime/workflow"
)

// Status is the lifecycle state of an execution. Transitions are monotonic
// along pending → running → {success, failed, cancelled}.
type Status string

const (
	// StatusPending means the execution has been accepted but not started.
	StatusPending Status = "pending"
	// StatusRunning means the scheduler is dispatching nodes.
	StatusRunning Status = "running"
	// StatusSuccess is the successful terminal state.
	StatusSuccess Status = "success"
	// StatusFailed is the failed terminal state.
	StatusFailed Status = "failed"
	// StatusCancelled is the cancelled terminal state.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// NodeState is the lifecycle state of one node within an execution.
// Transitions are monotonic along idle → queued → running → {success,
// failed, skipped}.
type NodeState string

const (
	// NodeIdle means the node has not been enqueued.
	NodeIdle NodeState = "idle"
	// NodeQueued means a dispatch unit for the node is on the queue.
	NodeQueued NodeState = "queued"
	// NodeRunning means the executor is in flight.
	NodeRunning NodeState = "running"
	// NodeSuccess means the executor completed.
	NodeSuccess NodeState = "success"
	// NodeFailed means the executor failed.
	NodeFailed NodeState = "failed"
	// NodeSkipped marks disabled nodes and nodes on excluded branches.
	NodeSkipped NodeState = "skipped"
)

type (
	// Execution is the persisted envelope of one run.
	Execution struct {
		// ID identifies the execution.
		ID string `json:"id" bson:"_id"`
		// WorkflowID names the executed workflow.
		WorkflowID int64 `json:"workflowId" bson:"workflow_id"`
		// Status is the lifecycle state.
		Status Status `json:"status" bson:"status"`
		// TriggerType records how the run started.
		TriggerType workflow.TriggerKind `json:"triggerType" bson:"trigger_type"`
		// StartedAt is the run start wall-clock time.
		StartedAt time.Time `json:"startedAt" bson:"started_at"`
		// FinishedAt is set exactly when Status is terminal.
		FinishedAt *time.Time `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
		// DurationMs is FinishedAt − StartedAt for terminal executions.
		DurationMs int64 `json:"durationMs" bson:"duration_ms"`
		// ErrorMessage is the one-line failure summary on failed runs.
		ErrorMessage string `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
		// ErrorNodeID names the node that originated the failure.
		ErrorNodeID string `json:"errorNodeId,omitempty" bson:"error_node_id,omitempty"`
		// OutputJSON is the optional per-node output snapshot.
		OutputJSON []byte `json:"outputJson,omitempty" bson:"output_json,omitempty"`
	}

	// NodeRecord is the persisted record of one node run. Nodes inside a loop
	// produce one record per iteration.
	NodeRecord struct {
		// ExecutionID correlates the record with its run.
		ExecutionID string `json:"executionId" bson:"execution_id"`
		// NodeID names the node.
		NodeID string `json:"nodeId" bson:"node_id"`
		// Iteration is the loop iteration index, zero outside loops.
		Iteration int `json:"iteration" bson:"iteration"`
		// State is the node lifecycle state.
		State NodeState `json:"state" bson:"state"`
		// StartedAt is when the executor was dispatched.
		StartedAt time.Time `json:"startedAt" bson:"started_at"`
		// FinishedAt is when the executor completed or failed.
		FinishedAt *time.Time `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
		// Error is the failure message for failed nodes.
		Error string `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
		// InputJSON is the recorded input envelope.
		InputJSON []byte `json:"inputJson,omitempty" bson:"input_json,omitempty"`
		// OutputJSON is the recorded output envelopes by handle.
		OutputJSON []byte `json:"outputJson,omitempty" bson:"output_json,omitempty"`
	}

	// Store persists executions and node records. The core writes the
	// envelope of each run and each node record; reads serve the status API.
	Store interface {
		// SaveExecution upserts the execution envelope.
		SaveExecution(ctx context.Context, e Execution) error
		// SaveNodeRecord upserts a node record keyed by (execution, node,
		// iteration).
		SaveNodeRecord(ctx context.Context, rec NodeRecord) error
		// FindExecution loads one execution by id.
		FindExecution(ctx context.Context, id string) (Execution, error)
		// FindByWorkflow lists executions of a workflow, newest first.
		FindByWorkflow(ctx context.Context, workflowID int64) ([]Execution, error)
		// DeleteAll removes all executions and node records.
		DeleteAll(ctx context.Context) error
	}

	// Secret is a plaintext credential returned by the vault. It is
	// short-lived: the core never persists it and registers its value for
	// log redaction the moment it is fetched.
	Secret struct {
		// Name is the symbolic credential name.
		Name string
		// Type hints at the injection style ("bearer", "basic", "header").
		Type string
		// Value is the plaintext secret.
		Value string
		// Extra carries credential-type specific fields (username, header
		// name).
		Extra map[string]string
	}

	// CredentialVault returns plaintext secrets on demand. Encryption at rest
	// is the vault's concern; the core only sees plaintext for the duration
	// of a single executor call.
	CredentialVault interface {
		// ByID resolves a credential by numeric id.
		ByID(ctx context.Context, id int64) (Secret, error)
		// ByName resolves a credential by symbolic name. The boolean reports
		// whether the name resolved.
		ByName(ctx context.Context, name string) (Secret, bool, error)
	}

	// VarType types a variable value.
	VarType string

	// Variable is a scoped, typed value resolvable in templates.
	Variable struct {
		// Name is the variable name.
		Name string
		// Type is the declared value type.
		Type VarType
		// Value is the variable value.
		Value any
	}

	// VariableStore supplies variables by scope. The context resolves
	// execution scope first, then workflow, then global.
	VariableStore interface {
		// Global resolves a global-scope variable.
		Global(ctx context.Context, name string) (Variable, bool, error)
		// Workflow resolves a workflow-scope variable.
		Workflow(ctx context.Context, workflowID int64, name string) (Variable, bool, error)
		// Execution resolves an execution-scope variable.
		Execution(ctx context.Context, executionID, name string) (Variable, bool, error)
		// SetExecution writes an execution-scope variable.
		SetExecution(ctx context.Context, executionID, name string, value any) error
	}
)

// Variable value types.
const (
	// VarString is a string value.
	VarString VarType = "string"
	// VarNumber is a float64 value.
	VarNumber VarType = "number"
	// VarBoolean is a bool value.
	VarBoolean VarType = "boolean"
	// VarJSON is an arbitrary JSON value.
	VarJSON VarType = "json"
	// VarSecret is a sensitive string excluded from any logged context.
	VarSecret VarType = "secret"
)
