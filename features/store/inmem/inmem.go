// Package inmem provides in-memory stores for workflows, executions,
// variables and credentials. The CLI and tests use them; deployments that
// need durability swap in the Mongo-backed stores.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type (
	// WorkflowStore holds workflow definitions in memory.
	WorkflowStore struct {
		mu        sync.RWMutex
		workflows map[int64]*workflow.Workflow
		nextID    int64
	}

	// ExecutionStore holds execution envelopes and node records in memory.
	ExecutionStore struct {
		mu         sync.RWMutex
		executions map[string]execution.Execution
		records    map[string][]execution.NodeRecord
	}

	// VariableStore holds scoped variables in memory.
	VariableStore struct {
		mu        sync.RWMutex
		global    map[string]execution.Variable
		workflow  map[int64]map[string]execution.Variable
		execution map[string]map[string]execution.Variable
	}

	// Vault serves credentials from a static in-memory set.
	Vault struct {
		mu      sync.RWMutex
		byID    map[int64]execution.Secret
		byName  map[string]int64
		nextID  int64
	}
)

// NewWorkflowStore returns an empty workflow store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[int64]*workflow.Workflow), nextID: 1}
}

// Save stores a workflow, assigning an id when it has none.
func (s *WorkflowStore) Save(_ context.Context, wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == 0 {
		wf.ID = s.nextID
		s.nextID++
	} else if wf.ID >= s.nextID {
		s.nextID = wf.ID + 1
	}
	s.workflows[wf.ID] = wf
	return nil
}

// Workflow loads one workflow by id.
func (s *WorkflowStore) Workflow(_ context.Context, id int64) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, engineerrors.Newf(engineerrors.KindConfig, "workflow %d not found", id)
	}
	return wf, nil
}

// List returns all workflows ordered by id.
func (s *WorkflowStore) List(_ context.Context) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NewExecutionStore returns an empty execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions: make(map[string]execution.Execution),
		records:    make(map[string][]execution.NodeRecord),
	}
}

// SaveExecution upserts the execution envelope.
func (s *ExecutionStore) SaveExecution(_ context.Context, e execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	return nil
}

// SaveNodeRecord upserts a node record keyed by (execution, node, iteration).
func (s *ExecutionStore) SaveNodeRecord(_ context.Context, rec execution.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records[rec.ExecutionID]
	for i, existing := range records {
		if existing.NodeID == rec.NodeID && existing.Iteration == rec.Iteration {
			records[i] = rec
			return nil
		}
	}
	s.records[rec.ExecutionID] = append(records, rec)
	return nil
}

// FindExecution loads one execution by id.
func (s *ExecutionStore) FindExecution(_ context.Context, id string) (execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return execution.Execution{}, engineerrors.Newf(engineerrors.KindConfig, "execution %q not found", id)
	}
	return e, nil
}

// FindByWorkflow lists executions of a workflow, newest first.
func (s *ExecutionStore) FindByWorkflow(_ context.Context, workflowID int64) ([]execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []execution.Execution
	for _, e := range s.executions {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// NodeRecords returns the stored node records of one execution.
func (s *ExecutionStore) NodeRecords(_ context.Context, executionID string) ([]execution.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[executionID]
	out := make([]execution.NodeRecord, len(records))
	copy(out, records)
	return out, nil
}

// DeleteAll removes all executions and node records.
func (s *ExecutionStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = make(map[string]execution.Execution)
	s.records = make(map[string][]execution.NodeRecord)
	return nil
}

// NewVariableStore returns an empty variable store.
func NewVariableStore() *VariableStore {
	return &VariableStore{
		global:    make(map[string]execution.Variable),
		workflow:  make(map[int64]map[string]execution.Variable),
		execution: make(map[string]map[string]execution.Variable),
	}
}

// SetGlobal writes a global-scope variable.
func (s *VariableStore) SetGlobal(v execution.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[v.Name] = v
}

// SetWorkflow writes a workflow-scope variable.
func (s *VariableStore) SetWorkflow(workflowID int64, v execution.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workflow[workflowID] == nil {
		s.workflow[workflowID] = make(map[string]execution.Variable)
	}
	s.workflow[workflowID][v.Name] = v
}

// Global implements execution.VariableStore.
func (s *VariableStore) Global(_ context.Context, name string) (execution.Variable, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.global[name]
	return v, ok, nil
}

// Workflow implements execution.VariableStore.
func (s *VariableStore) Workflow(_ context.Context, workflowID int64, name string) (execution.Variable, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.workflow[workflowID][name]
	return v, ok, nil
}

// Execution implements execution.VariableStore.
func (s *VariableStore) Execution(_ context.Context, executionID, name string) (execution.Variable, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.execution[executionID][name]
	return v, ok, nil
}

// SetExecution implements execution.VariableStore.
func (s *VariableStore) SetExecution(_ context.Context, executionID, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execution[executionID] == nil {
		s.execution[executionID] = make(map[string]execution.Variable)
	}
	s.execution[executionID][name] = execution.Variable{Name: name, Type: execution.VarJSON, Value: value}
	return nil
}

// NewVault returns an empty credential vault.
func NewVault() *Vault {
	return &Vault{
		byID:   make(map[int64]execution.Secret),
		byName: make(map[string]int64),
		nextID: 1,
	}
}

// Add stores a credential and returns its id.
func (v *Vault) Add(secret execution.Secret) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.byID[id] = secret
	if secret.Name != "" {
		v.byName[secret.Name] = id
	}
	return id
}

// ByID implements execution.CredentialVault.
func (v *Vault) ByID(_ context.Context, id int64) (execution.Secret, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.byID[id]
	if !ok {
		return execution.Secret{}, engineerrors.Newf(engineerrors.KindConfig, "credential %d not found", id)
	}
	return secret, nil
}

// ByName implements execution.CredentialVault.
func (v *Vault) ByName(_ context.Context, name string) (execution.Secret, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.byName[name]
	if !ok {
		return execution.Secret{}, false, nil
	}
	return v.byID[id], true, nil
}
