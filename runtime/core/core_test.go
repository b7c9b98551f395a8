package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/features/store/inmem"
	"github.com/nervemind/nervemind/runtime/core"
	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/executors"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type stubExecutor struct {
	meta registry.Metadata
	fn   func(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error)
}

func (s *stubExecutor) Metadata() registry.Metadata { return s.meta }

func (s *stubExecutor) Execute(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	return s.fn(ctx, node, input, ec)
}

func passthrough(_ context.Context, _ workflow.Node, input registry.Input, _ *execution.Context) (registry.Output, error) {
	return registry.Output{OutputsByHandle: map[string]workflow.Envelope{
		workflow.HandleMain: input.Main(),
	}}, nil
}

type fixture struct {
	engine     *core.Engine
	workflows  *inmem.WorkflowStore
	executions *inmem.ExecutionStore
}

func newFixture(t *testing.T, extra ...registry.Executor) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, executors.Register(reg, executors.Options{}))
	for _, e := range extra {
		require.NoError(t, reg.Register(e))
	}
	reg.Freeze()

	workflows := inmem.NewWorkflowStore()
	execs := inmem.NewExecutionStore()
	engine, err := core.New(core.Options{
		Registry:   reg,
		Workflows:  workflows,
		Executions: execs,
		Variables:  inmem.NewVariableStore(),
		Vault:      inmem.NewVault(),
	})
	require.NoError(t, err)
	return &fixture{engine: engine, workflows: workflows, executions: execs}
}

func (f *fixture) store(t *testing.T, wf *workflow.Workflow) int64 {
	t.Helper()
	require.NoError(t, f.workflows.Save(context.Background(), wf))
	return wf.ID
}

func linearWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "linear", TriggerType: workflow.TriggerManual,
		Nodes: []workflow.Node{
			{ID: "trigger-1", Type: "manualTrigger", Name: "Start"},
			{ID: "set-1", Type: "set", Name: "Set",
				Parameters: map[string]any{"values": map[string]any{"tag": "done"}}},
		},
		Connections: []workflow.Connection{
			{ID: "c1", SourceNodeID: "trigger-1", TargetNodeID: "set-1"},
		},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := core.New(core.Options{Workflows: inmem.NewWorkflowStore()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry")

	_, err = core.New(core.Options{Registry: registry.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow store")
}

func TestExecuteSyncSuccess(t *testing.T) {
	f := newFixture(t)
	id := f.store(t, linearWorkflow())

	rec, err := f.engine.ExecuteSync(context.Background(), id, workflow.TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, rec.Status)
	assert.Equal(t, id, rec.WorkflowID)
	assert.NotEmpty(t, rec.ID)
	require.NotNil(t, rec.FinishedAt)
	assert.Empty(t, f.engine.Running())

	// The terminal envelope is persisted and queryable.
	stored, err := f.engine.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, stored.Status)
}

func TestExecuteSyncPersistsNodeRecords(t *testing.T) {
	f := newFixture(t)
	id := f.store(t, linearWorkflow())

	rec, err := f.engine.ExecuteSync(context.Background(), id, workflow.TriggerManual, nil)
	require.NoError(t, err)

	records, err := f.executions.NodeRecords(context.Background(), rec.ID)
	require.NoError(t, err)
	byNode := make(map[string]execution.NodeRecord, len(records))
	for _, r := range records {
		byNode[r.NodeID] = r
	}
	assert.Equal(t, execution.NodeSuccess, byNode["trigger-1"].State)
	assert.Equal(t, execution.NodeSuccess, byNode["set-1"].State)
}

func TestExecuteSyncFailurePersistsError(t *testing.T) {
	boom := &stubExecutor{
		meta: registry.Metadata{Type: "boom"},
		fn: func(context.Context, workflow.Node, registry.Input, *execution.Context) (registry.Output, error) {
			return registry.Output{}, engineerrors.New(engineerrors.KindExec, "kaboom")
		},
	}
	f := newFixture(t, boom)
	wf := linearWorkflow()
	wf.Nodes = append(wf.Nodes, workflow.Node{ID: "boom-1", Type: "boom", Name: "Boom"})
	wf.Connections = append(wf.Connections,
		workflow.Connection{ID: "c2", SourceNodeID: "set-1", TargetNodeID: "boom-1"})
	id := f.store(t, wf)

	rec, err := f.engine.ExecuteSync(context.Background(), id, workflow.TriggerManual, nil)
	require.Error(t, err)
	assert.Equal(t, execution.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "kaboom")
	assert.Equal(t, "boom-1", rec.ErrorNodeID)
}

func TestExecuteSyncUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ExecuteSync(context.Background(), 99, workflow.TriggerManual, nil)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestExecuteSyncRejectsInvalidWorkflow(t *testing.T) {
	f := newFixture(t)
	wf := linearWorkflow()
	wf.Connections = append(wf.Connections,
		workflow.Connection{ID: "c9", SourceNodeID: "set-1", TargetNodeID: "ghost"})
	id := f.store(t, wf)

	_, err := f.engine.ExecuteSync(context.Background(), id, workflow.TriggerManual, nil)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
	assert.Empty(t, f.engine.Running())
}

func TestExecuteAsyncCancel(t *testing.T) {
	started := make(chan struct{})
	blocking := &stubExecutor{
		meta: registry.Metadata{Type: "block"},
		fn: func(ctx context.Context, _ workflow.Node, _ registry.Input, _ *execution.Context) (registry.Output, error) {
			close(started)
			<-ctx.Done()
			return registry.Output{}, ctx.Err()
		},
	}
	f := newFixture(t, blocking)
	wf := linearWorkflow()
	wf.Nodes[1] = workflow.Node{ID: "set-1", Type: "block", Name: "Block"}
	id := f.store(t, wf)

	execID, err := f.engine.Execute(context.Background(), id, workflow.TriggerManual, nil)
	require.NoError(t, err)
	<-started
	assert.Contains(t, f.engine.Running(), execID)

	require.NoError(t, f.engine.Cancel(execID))
	require.Eventually(t, func() bool {
		rec, err := f.engine.Status(context.Background(), execID)
		return err == nil && rec.Status == execution.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.engine.Cancel(execID), core.ErrNotRunning)
}

func TestWorkflowTimeoutSetting(t *testing.T) {
	blocking := &stubExecutor{
		meta: registry.Metadata{Type: "block"},
		fn: func(ctx context.Context, _ workflow.Node, _ registry.Input, _ *execution.Context) (registry.Output, error) {
			<-ctx.Done()
			return registry.Output{}, ctx.Err()
		},
	}
	f := newFixture(t, blocking)
	wf := linearWorkflow()
	wf.Nodes[1] = workflow.Node{ID: "set-1", Type: "block", Name: "Block"}
	wf.Settings = map[string]any{"timeoutMs": float64(50)}
	id := f.store(t, wf)

	rec, err := f.engine.ExecuteSync(context.Background(), id, workflow.TriggerManual, nil)
	require.Error(t, err)
	assert.Equal(t, execution.StatusFailed, rec.Status)
	assert.Equal(t, engineerrors.KindTimeout, engineerrors.KindOf(err))
}

func TestWorkflowRetrySettings(t *testing.T) {
	failures := 2
	flaky := &stubExecutor{
		meta: registry.Metadata{Type: "flaky"},
		fn: func(_ context.Context, _ workflow.Node, input registry.Input, _ *execution.Context) (registry.Output, error) {
			if failures > 0 {
				failures--
				return registry.Output{}, engineerrors.New(engineerrors.KindExec, "transient")
			}
			return passthrough(nil, workflow.Node{}, input, nil)
		},
	}
	f := newFixture(t, flaky)
	wf := &workflow.Workflow{
		Name: "retry-settings", TriggerType: workflow.TriggerManual,
		Settings: map[string]any{"retryAttempts": float64(3), "retryDelayMs": float64(1)},
		Nodes: []workflow.Node{
			{ID: "trigger-1", Type: "manualTrigger", Name: "Start"},
			{ID: "retry-1", Type: "retry", Name: "Retry"},
			{ID: "flaky-1", Type: "flaky", Name: "Flaky"},
		},
		Connections: []workflow.Connection{
			{ID: "c1", SourceNodeID: "trigger-1", TargetNodeID: "retry-1"},
			{ID: "c2", SourceNodeID: "retry-1", TargetNodeID: "flaky-1"},
		},
	}
	id := f.store(t, wf)

	rec, err := f.engine.ExecuteSync(context.Background(), id, workflow.TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, rec.Status)
	assert.Equal(t, 0, failures)
}

type statusRecordingStore struct {
	*inmem.ExecutionStore

	mu       sync.Mutex
	statuses []execution.Status
}

func (s *statusRecordingStore) SaveExecution(ctx context.Context, e execution.Execution) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, e.Status)
	s.mu.Unlock()
	return s.ExecutionStore.SaveExecution(ctx, e)
}

func TestExecutionStatusProgression(t *testing.T) {
	reg := registry.New()
	require.NoError(t, executors.Register(reg, executors.Options{}))
	reg.Freeze()

	store := &statusRecordingStore{ExecutionStore: inmem.NewExecutionStore()}
	workflows := inmem.NewWorkflowStore()
	engine, err := core.New(core.Options{
		Registry:   reg,
		Workflows:  workflows,
		Executions: store,
		Variables:  inmem.NewVariableStore(),
		Vault:      inmem.NewVault(),
	})
	require.NoError(t, err)

	wf := linearWorkflow()
	require.NoError(t, workflows.Save(context.Background(), wf))

	rec, err := engine.ExecuteSync(context.Background(), wf.ID, workflow.TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, rec.Status)

	// The pending row lands before the run goroutine starts, then flips to
	// running, then to the terminal status.
	store.mu.Lock()
	statuses := append([]execution.Status(nil), store.statuses...)
	store.mu.Unlock()
	require.Equal(t, []execution.Status{
		execution.StatusPending,
		execution.StatusRunning,
		execution.StatusSuccess,
	}, statuses)
}

func TestStatusWithoutStore(t *testing.T) {
	reg := registry.New()
	require.NoError(t, executors.Register(reg, executors.Options{}))
	engine, err := core.New(core.Options{Registry: reg, Workflows: inmem.NewWorkflowStore()})
	require.NoError(t, err)

	_, err = engine.Status(context.Background(), "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no execution store")
}

func TestStatusUnknownExecution(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Status(context.Background(), "missing")
	require.Error(t, err)
}
