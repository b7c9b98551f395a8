package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/workflow"
)

func TestRateLimitRejectMode(t *testing.T) {
	ec := newExecContext(nil)
	e := newRateLimitExecutor()
	node := workflow.Node{ID: "rl-1", Parameters: map[string]any{
		"requestsPerSecond": float64(1),
		"burst":             float64(1),
		"mode":              "reject",
	}}
	env := workflow.Envelope{{"n": 1}}

	out, err := e.Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Equal(t, env, out.OutputsByHandle[workflow.HandleMain])

	// The bucket is drained; the second admission is rejected.
	_, err = e.Execute(context.Background(), node, mainInput(env), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindRateLimited, engineerrors.KindOf(err))
	assert.True(t, engineerrors.Retryable(err))
}

func TestRateLimitQueueMode(t *testing.T) {
	ec := newExecContext(nil)
	e := newRateLimitExecutor()
	node := workflow.Node{ID: "rl-1", Parameters: map[string]any{
		"requestsPerSecond": float64(50),
		"mode":              "queue",
	}}

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
		require.NoError(t, err)
	}
	// Two of three admissions had to wait for a token at 50 rps.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateLimitQueueHonoursCancellation(t *testing.T) {
	ec := newExecContext(nil)
	e := newRateLimitExecutor()
	node := workflow.Node{ID: "rl-1", Parameters: map[string]any{
		"requestsPerSecond": float64(0.1),
		"mode":              "queue",
	}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Execute(ctx, node, mainInput(workflow.SingleItem(nil)), ec)
	require.Error(t, err)
}

func TestRateLimitSharedAcrossExecutions(t *testing.T) {
	e := newRateLimitExecutor()
	node := workflow.Node{ID: "rl-1", Parameters: map[string]any{
		"requestsPerSecond": float64(1),
		"mode":              "reject",
	}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), newExecContext(nil))
	require.NoError(t, err)

	// A different execution context hits the same bucket.
	_, err = e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), newExecContext(nil))
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindRateLimited, engineerrors.KindOf(err))
}

func TestRateLimitValidation(t *testing.T) {
	ec := newExecContext(nil)
	e := newRateLimitExecutor()

	node := workflow.Node{ID: "rl-1", Parameters: map[string]any{"requestsPerSecond": float64(0)}}
	_, err := e.Execute(context.Background(), node, mainInput(nil), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))

	node = workflow.Node{ID: "rl-1", Parameters: map[string]any{"mode": "throttle"}}
	_, err = e.Execute(context.Background(), node, mainInput(nil), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}
