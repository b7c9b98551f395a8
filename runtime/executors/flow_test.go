package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

func TestIfRoutesWholeEnvelope(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "if-1", Parameters: map[string]any{"condition": `item.ok`}}
	env := workflow.Envelope{{"ok": true}, {"ok": false}}

	out, err := (&ifExecutor{}).Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Equal(t, env, out.OutputsByHandle[workflow.HandleTrue])
	_, hasFalse := out.OutputsByHandle[workflow.HandleFalse]
	assert.False(t, hasFalse, "only one branch handle fires")
}

func TestIfFalseBranch(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "if-1", Parameters: map[string]any{"condition": `item.count > 10`}}
	env := workflow.Envelope{{"count": float64(3)}}

	out, err := (&ifExecutor{}).Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Equal(t, env, out.OutputsByHandle[workflow.HandleFalse])
}

func TestIfRequiresCondition(t *testing.T) {
	ec := newExecContext(nil)
	_, err := (&ifExecutor{}).Execute(context.Background(), workflow.Node{ID: "if-1"}, mainInput(nil), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestSwitchRoutesToMatchingCase(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "switch-1", Parameters: map[string]any{
		"expression": `item.tier`,
		"cases":      []any{"free", "pro", "enterprise"},
	}}
	env := workflow.Envelope{{"tier": "pro"}}

	out, err := (&switchExecutor{}).Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Equal(t, env, out.OutputsByHandle["case1"])
}

func TestSwitchFallsBackToDefault(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "switch-1", Parameters: map[string]any{
		"expression": `item.tier`,
		"cases":      []any{"free"},
	}}
	env := workflow.Envelope{{"tier": "platinum"}}

	out, err := (&switchExecutor{}).Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Equal(t, env, out.OutputsByHandle[workflow.HandleDefault])
}

func TestSwitchNumericCaseComparison(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "switch-1", Parameters: map[string]any{
		"expression": `item.code`,
		"cases":      []any{float64(1), float64(2)},
	}}
	env := workflow.Envelope{{"code": float64(2)}}

	out, err := (&switchExecutor{}).Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Equal(t, env, out.OutputsByHandle["case1"])
}

func TestSwitchRequiresCasesArray(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "switch-1", Parameters: map[string]any{"expression": `1`}}
	_, err := (&switchExecutor{}).Execute(context.Background(), node, mainInput(nil), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestMergeConcat(t *testing.T) {
	ec := newExecContext(nil)
	input := registry.Input{workflow.HandleMain: []workflow.Envelope{
		{{"a": 1}},
		{{"b": 2}, {"c": 3}},
	}}

	out, err := (&mergeExecutor{}).Execute(context.Background(), workflow.Node{ID: "merge-1"}, input, ec)
	require.NoError(t, err)
	assert.Len(t, out.OutputsByHandle[workflow.HandleMain], 3)
}

func TestMergePassthroughTakesFirstNonEmpty(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "merge-1", Parameters: map[string]any{"mode": "passthrough"}}
	input := registry.Input{workflow.HandleMain: []workflow.Envelope{
		{},
		{{"winner": true}},
	}}

	out, err := (&mergeExecutor{}).Execute(context.Background(), node, input, ec)
	require.NoError(t, err)
	env := out.OutputsByHandle[workflow.HandleMain]
	require.Len(t, env, 1)
	assert.Equal(t, true, env[0]["winner"])
}

func TestMergeZipTruncatesToShortest(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "merge-1", Parameters: map[string]any{"mode": "zip"}}
	input := registry.Input{workflow.HandleMain: []workflow.Envelope{
		{{"a": 1}, {"a": 2}, {"a": 3}},
		{{"b": 10}, {"b": 20}},
	}}

	out, err := (&mergeExecutor{}).Execute(context.Background(), node, input, ec)
	require.NoError(t, err)
	env := out.OutputsByHandle[workflow.HandleMain]
	require.Len(t, env, 2)
	assert.Equal(t, workflow.Item{"a": 1, "b": 10}, env[0])
	assert.Equal(t, workflow.Item{"a": 2, "b": 20}, env[1])
}

func TestMergeUnknownMode(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "merge-1", Parameters: map[string]any{"mode": "average"}}
	_, err := (&mergeExecutor{}).Execute(context.Background(), node, mainInput(nil), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}
