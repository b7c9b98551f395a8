package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type fakeVault struct {
	byID   map[int64]Secret
	byName map[string]Secret
}

func (v *fakeVault) ByID(_ context.Context, id int64) (Secret, error) {
	s, ok := v.byID[id]
	if !ok {
		return Secret{}, engineerrors.Newf(engineerrors.KindConfig, "credential %d not found", id)
	}
	return s, nil
}

func (v *fakeVault) ByName(_ context.Context, name string) (Secret, bool, error) {
	s, ok := v.byName[name]
	return s, ok, nil
}

type fakeVariables struct {
	global    map[string]Variable
	workflow  map[string]Variable
	execution map[string]Variable
}

func (v *fakeVariables) Global(_ context.Context, name string) (Variable, bool, error) {
	s, ok := v.global[name]
	return s, ok, nil
}

func (v *fakeVariables) Workflow(_ context.Context, _ int64, name string) (Variable, bool, error) {
	s, ok := v.workflow[name]
	return s, ok, nil
}

func (v *fakeVariables) Execution(_ context.Context, _, name string) (Variable, bool, error) {
	s, ok := v.execution[name]
	return s, ok, nil
}

func (v *fakeVariables) SetExecution(_ context.Context, _, name string, value any) error {
	if v.execution == nil {
		v.execution = make(map[string]Variable)
	}
	v.execution[name] = Variable{Name: name, Value: value}
	return nil
}

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:          1,
		Name:        "wf",
		TriggerType: workflow.TriggerManual,
		Nodes: []workflow.Node{
			{ID: "http-1", Type: "httpRequest", Name: "Fetch"},
		},
	}
}

func newTestContext(t *testing.T, opts ContextOptions) *Context {
	t.Helper()
	if opts.Workflow == nil {
		opts.Workflow = testWorkflow()
	}
	return NewContext(opts)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNodeOutputItemByIDAndName(t *testing.T) {
	ec := newTestContext(t, ContextOptions{})
	ec.RecordOutput("http-1", map[string]workflow.Envelope{
		workflow.HandleMain: {{"status": 200}},
	})

	item, ok := ec.NodeOutputItem("http-1")
	require.True(t, ok)
	assert.Equal(t, 200, item["status"])

	item, ok = ec.NodeOutputItem("Fetch")
	require.True(t, ok)
	assert.Equal(t, 200, item["status"])

	_, ok = ec.NodeOutputItem("unknown")
	assert.False(t, ok)
}

func TestRecordOutputOverwritesIterations(t *testing.T) {
	ec := newTestContext(t, ContextOptions{})
	ec.RecordOutput("http-1", map[string]workflow.Envelope{workflow.HandleMain: {{"i": 0}}})
	ec.RecordOutput("http-1", map[string]workflow.Envelope{workflow.HandleMain: {{"i": 1}}})

	item, ok := ec.NodeOutputItem("http-1")
	require.True(t, ok)
	assert.Equal(t, 1, item["i"])
}

func TestCredentialRegistersSecretForRedaction(t *testing.T) {
	logger := execlog.New(execlog.LevelInfo, true)
	h := &captureHandler{}
	logger.AddHandler(h)

	vault := &fakeVault{byID: map[int64]Secret{7: {Name: "api", Value: "hunter2"}}}
	ec := newTestContext(t, ContextOptions{Logger: logger, Vault: vault})

	secret, err := ec.CredentialByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret.Value)

	ec.Log(execlog.LevelInfo, execlog.CategoryInfo, "http-1", "sent hunter2", nil)
	require.Len(t, h.recs, 1)
	assert.Equal(t, "sent ***", h.recs[0].Message)
}

func TestCredentialForNodePrecedence(t *testing.T) {
	logger := execlog.New(execlog.LevelInfo, true)
	h := &captureHandler{}
	logger.AddHandler(h)

	id := int64(7)
	vault := &fakeVault{
		byID:   map[int64]Secret{7: {Name: "api", Value: "id-secret"}},
		byName: map[string]Secret{"apiAlias": {Name: "apiAlias", Value: "alias-secret"}},
	}
	ec := newTestContext(t, ContextOptions{Logger: logger, Vault: vault})
	node := workflow.Node{ID: "http-1", CredentialID: &id}

	secret, err := ec.CredentialForNode(context.Background(), node, "apiAlias")
	require.NoError(t, err)
	assert.Equal(t, "id-secret", secret.Value)

	var warned bool
	for _, rec := range h.recs {
		if rec.Level == execlog.LevelWarn {
			warned = true
		}
	}
	assert.True(t, warned, "shadowed alias should be warned about")
}

func TestCredentialForNodeAliasFallback(t *testing.T) {
	vault := &fakeVault{byName: map[string]Secret{"apiAlias": {Value: "alias-secret"}}}
	ec := newTestContext(t, ContextOptions{Vault: vault})

	secret, err := ec.CredentialForNode(context.Background(), workflow.Node{ID: "http-1"}, "apiAlias")
	require.NoError(t, err)
	assert.Equal(t, "alias-secret", secret.Value)

	_, err = ec.CredentialForNode(context.Background(), workflow.Node{ID: "http-1"}, "nope")
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))

	_, err = ec.CredentialForNode(context.Background(), workflow.Node{ID: "http-1"}, "")
	require.Error(t, err)
}

func TestVariablePrecedence(t *testing.T) {
	vars := &fakeVariables{
		global:    map[string]Variable{"env": {Name: "env", Type: VarString, Value: "global"}},
		workflow:  map[string]Variable{"env": {Name: "env", Type: VarString, Value: "workflow"}},
		execution: map[string]Variable{"env": {Name: "env", Type: VarString, Value: "execution"}},
	}
	ec := newTestContext(t, ContextOptions{Variables: vars})

	v, ok := ec.Variable("env")
	require.True(t, ok)
	assert.Equal(t, "execution", v)

	delete(vars.execution, "env")
	v, _ = ec.Variable("env")
	assert.Equal(t, "workflow", v)

	delete(vars.workflow, "env")
	v, _ = ec.Variable("env")
	assert.Equal(t, "global", v)

	_, ok = ec.Variable("missing")
	assert.False(t, ok)
}

func TestSetVariableRoundTrip(t *testing.T) {
	vars := &fakeVariables{}
	ec := newTestContext(t, ContextOptions{Variables: vars})
	require.NoError(t, ec.SetVariable("count", float64(3)))

	v, ok := ec.Variable("count")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
}

func TestMarkNodeMonotonicTransitions(t *testing.T) {
	ec := newTestContext(t, ContextOptions{})

	ec.MarkNode("http-1", 0, NodeQueued, nil, nil, nil)
	assert.Equal(t, NodeQueued, ec.NodeStateOf("http-1", 0))

	ec.MarkNode("http-1", 0, NodeRunning, nil, workflow.SingleItem(nil), nil)
	assert.Equal(t, NodeRunning, ec.NodeStateOf("http-1", 0))

	// Stale transitions are ignored.
	ec.MarkNode("http-1", 0, NodeQueued, nil, nil, nil)
	assert.Equal(t, NodeRunning, ec.NodeStateOf("http-1", 0))

	ec.MarkNode("http-1", 0, NodeSuccess, nil, nil, map[string]workflow.Envelope{workflow.HandleMain: {{"ok": true}}})
	assert.Equal(t, NodeSuccess, ec.NodeStateOf("http-1", 0))

	// Terminal states do not regress.
	ec.MarkNode("http-1", 0, NodeFailed, nil, nil, nil)
	assert.Equal(t, NodeSuccess, ec.NodeStateOf("http-1", 0))

	recs := ec.NodeRecords()
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].FinishedAt)
	assert.NotEmpty(t, recs[0].OutputJSON)
}

func TestMarkNodePerIterationRecords(t *testing.T) {
	ec := newTestContext(t, ContextOptions{})
	ec.MarkNode("http-1", 0, NodeSuccess, nil, nil, nil)
	ec.MarkNode("http-1", 1, NodeFailed, engineerrors.New(engineerrors.KindExec, "boom"), nil, nil)

	assert.Equal(t, NodeSuccess, ec.NodeStateOf("http-1", 0))
	assert.Equal(t, NodeFailed, ec.NodeStateOf("http-1", 1))
	assert.Len(t, ec.NodeRecords(), 2)
}

func TestScopeResolvesAllTiers(t *testing.T) {
	vault := &fakeVault{byName: map[string]Secret{"token": {Value: "s3cret"}}}
	vars := &fakeVariables{global: map[string]Variable{"env": {Type: VarString, Value: "prod"}}}
	ec := newTestContext(t, ContextOptions{Vault: vault, Variables: vars})
	ec.RecordOutput("http-1", map[string]workflow.Envelope{workflow.HandleMain: {{"status": 200}}})

	scope := ec.Scope(workflow.Item{"name": "ada"})

	v, ok := scope.Credential("token")
	require.True(t, ok)
	assert.Equal(t, "s3cret", v)

	val, ok := scope.Variable("env")
	require.True(t, ok)
	assert.Equal(t, "prod", val)

	item, ok := scope.NodeOutput("Fetch")
	require.True(t, ok)
	assert.Equal(t, 200, item["status"])

	assert.Equal(t, "ada", scope.Item["name"])
}

func TestIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ec := newTestContext(t, ContextOptions{RunContext: ctx})
	assert.False(t, ec.IsCancelled())
	cancel()
	assert.True(t, ec.IsCancelled())
}

type captureHandler struct {
	recs []execlog.Record
}

func (c *captureHandler) Handle(rec execlog.Record) { c.recs = append(c.recs, rec) }
