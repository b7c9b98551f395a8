package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/model"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type fakeChatClient struct {
	reqs []model.Request
	resp model.Response
	err  error
}

func (c *fakeChatClient) Chat(_ context.Context, req model.Request) (model.Response, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return model.Response{}, c.err
	}
	return c.resp, nil
}

func singleProvider(name string, client model.Client) model.Resolver {
	return model.ResolverFunc(func(provider string) (model.Client, bool) {
		if provider == name {
			return client, true
		}
		return nil, false
	})
}

func TestLLMChatCompletesPerItem(t *testing.T) {
	client := &fakeChatClient{resp: model.Response{
		Text:  "bonjour",
		Model: "test-model",
		Usage: model.Usage{PromptTokens: 10, CompletionTokens: 4},
	}}
	e := &llmChatExecutor{models: singleProvider("openai", client)}
	ec := newExecContext(nil)
	node := workflow.Node{ID: "llm-1", Parameters: map[string]any{
		"provider": "openai",
		"prompt":   "translate {{ word }}",
		"system":   "you translate to french",
		"model":    "test-model",
	}}
	env := workflow.Envelope{{"word": "hello"}, {"word": "cat"}}

	out, err := e.Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	got := out.OutputsByHandle[workflow.HandleMain]
	require.Len(t, got, 2)
	assert.Equal(t, "bonjour", got[0]["response"])
	assert.Equal(t, "test-model", got[0]["model"])
	usage := got[0]["usage"].(map[string]any)
	assert.Equal(t, float64(10), usage["promptTokens"])

	require.Len(t, client.reqs, 2)
	assert.Equal(t, "translate hello", client.reqs[0].Prompt)
	assert.Equal(t, "translate cat", client.reqs[1].Prompt)
	assert.Equal(t, "you translate to french", client.reqs[0].System)
}

func TestLLMChatUnknownProvider(t *testing.T) {
	e := &llmChatExecutor{models: singleProvider("openai", &fakeChatClient{})}
	ec := newExecContext(nil)
	node := workflow.Node{ID: "llm-1", Parameters: map[string]any{
		"provider": "bedrock",
		"prompt":   "hi",
	}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestLLMChatNoResolver(t *testing.T) {
	e := &llmChatExecutor{}
	ec := newExecContext(nil)
	node := workflow.Node{ID: "llm-1", Parameters: map[string]any{"provider": "openai", "prompt": "hi"}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestLLMChatMapsRateLimit(t *testing.T) {
	client := &fakeChatClient{err: model.ErrRateLimited}
	e := &llmChatExecutor{models: singleProvider("openai", client)}
	ec := newExecContext(nil)
	node := workflow.Node{ID: "llm-1", Parameters: map[string]any{"provider": "openai", "prompt": "hi"}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindRateLimited, engineerrors.KindOf(err))
	assert.True(t, engineerrors.Retryable(err))
}
