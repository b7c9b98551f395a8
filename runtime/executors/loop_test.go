package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/workflow"
)

func TestLoopExplodesEnvelope(t *testing.T) {
	ec := newExecContext(nil)
	env := workflow.Envelope{{"i": 1}, {"i": 2}, {"i": 3}}

	out, err := (&loopExecutor{}).Execute(context.Background(), workflow.Node{ID: "loop-1"}, mainInput(env), ec)
	require.NoError(t, err)
	require.Len(t, out.FollowUps, 3)
	for i, fu := range out.FollowUps {
		assert.Equal(t, workflow.HandleMain, fu.Handle)
		assert.True(t, fu.Sequential, "iteration %d must be sequential", i)
		require.Len(t, fu.Envelope, 1)
	}
	assert.Equal(t, 2, out.FollowUps[1].Envelope[0]["i"])
	require.NotNil(t, out.Done)
	assert.False(t, out.Done.AfterFirst)
}

func TestLoopItemsPath(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "loop-1", Parameters: map[string]any{"itemsPath": "users"}}
	env := workflow.Envelope{{"users": []any{
		map[string]any{"name": "ada"},
		"plain-string",
	}}}

	out, err := (&loopExecutor{}).Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	require.Len(t, out.FollowUps, 2)
	assert.Equal(t, "ada", out.FollowUps[0].Envelope[0]["name"])
	assert.Equal(t, "plain-string", out.FollowUps[1].Envelope[0]["value"])
}

func TestLoopItemsPathMustBeArray(t *testing.T) {
	ec := newExecContext(nil)
	node := workflow.Node{ID: "loop-1", Parameters: map[string]any{"itemsPath": "name"}}
	_, err := (&loopExecutor{}).Execute(context.Background(), node, mainInput(workflow.Envelope{{"name": "ada"}}), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestLoopEmptyInputStillSignalsDone(t *testing.T) {
	ec := newExecContext(nil)
	out, err := (&loopExecutor{}).Execute(context.Background(), workflow.Node{ID: "loop-1"}, mainInput(workflow.Envelope{}), ec)
	require.NoError(t, err)
	assert.Empty(t, out.FollowUps)
	assert.NotNil(t, out.Done)
}

func TestParallelFansOutToConnectedBranches(t *testing.T) {
	wf := &workflow.Workflow{
		ID:          1,
		Name:        "wf",
		TriggerType: workflow.TriggerManual,
		Nodes: []workflow.Node{
			{ID: "par-1", Type: "parallel", Name: "Par"},
			{ID: "a", Type: "noop", Name: "A"},
			{ID: "b", Type: "noop", Name: "B"},
			{ID: "after", Type: "noop", Name: "After"},
		},
		Connections: []workflow.Connection{
			{ID: "c1", SourceNodeID: "par-1", TargetNodeID: "a", SourceHandle: "branch0"},
			{ID: "c2", SourceNodeID: "par-1", TargetNodeID: "b", SourceHandle: "branch1"},
			{ID: "c3", SourceNodeID: "par-1", TargetNodeID: "after", SourceHandle: workflow.HandleDone},
		},
	}
	ec := newExecContext(wf)
	env := workflow.Envelope{{"payload": true}}

	out, err := (&parallelExecutor{}).Execute(context.Background(), workflow.Node{ID: "par-1"}, mainInput(env), ec)
	require.NoError(t, err)
	require.Len(t, out.FollowUps, 2)
	assert.Equal(t, "branch0", out.FollowUps[0].Handle)
	assert.Equal(t, "branch1", out.FollowUps[1].Handle)
	assert.False(t, out.FollowUps[0].Sequential)
	require.NotNil(t, out.Done)
	assert.False(t, out.Done.AfterFirst)

	// Each branch gets its own envelope copy.
	out.FollowUps[0].Envelope[0]["payload"] = false
	assert.Equal(t, true, out.FollowUps[1].Envelope[0]["payload"])
}

func TestParallelAfterFirst(t *testing.T) {
	wf := &workflow.Workflow{
		ID:          1,
		Name:        "wf",
		TriggerType: workflow.TriggerManual,
		Nodes: []workflow.Node{
			{ID: "par-1", Type: "parallel", Name: "Par"},
			{ID: "a", Type: "noop", Name: "A"},
		},
		Connections: []workflow.Connection{
			{ID: "c1", SourceNodeID: "par-1", TargetNodeID: "a", SourceHandle: "branch0"},
		},
	}
	ec := newExecContext(wf)
	node := workflow.Node{ID: "par-1", Parameters: map[string]any{"waitForAll": false}}

	out, err := (&parallelExecutor{}).Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)
	require.NotNil(t, out.Done)
	assert.True(t, out.Done.AfterFirst)
}
