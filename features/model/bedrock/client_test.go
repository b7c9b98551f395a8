package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/model"
)

type fakeConverse struct {
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverse) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.output, f.err
}

func converseOutput(blocks ...string) *bedrockruntime.ConverseOutput {
	msg := brtypes.Message{Role: brtypes.ConversationRoleAssistant}
	for _, text := range blocks {
		msg.Content = append(msg.Content, &brtypes.ContentBlockMemberText{Value: text})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: msg},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(9),
			OutputTokens: aws.Int32(4),
		},
	}
}

func TestChatAssemblesResponse(t *testing.T) {
	fake := &fakeConverse{output: converseOutput("hello", " from bedrock")}
	c, err := New(Options{Client: fake, DefaultModel: "anthropic.claude-3-haiku"})
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), model.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from bedrock", resp.Text)
	assert.Equal(t, "anthropic.claude-3-haiku", resp.Model)
	assert.Equal(t, 9, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
}

func TestChatBuildsConverseInput(t *testing.T) {
	fake := &fakeConverse{output: converseOutput("ok")}
	c, err := New(Options{Client: fake, DefaultModel: "default-model"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), model.Request{
		Model:       "override-model",
		System:      "be brief",
		Prompt:      "hi",
		Temperature: 0.3,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "override-model", aws.ToString(fake.input.ModelId))
	require.Len(t, fake.input.System, 1)
	sys, ok := fake.input.System[0].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "be brief", sys.Value)
	require.NotNil(t, fake.input.InferenceConfig)
	assert.Equal(t, int32(256), aws.ToInt32(fake.input.InferenceConfig.MaxTokens))
	assert.Equal(t, float32(0.3), aws.ToFloat32(fake.input.InferenceConfig.Temperature))
}

func TestChatOmitsInferenceConfigByDefault(t *testing.T) {
	fake := &fakeConverse{output: converseOutput("ok")}
	c, err := New(Options{Client: fake, DefaultModel: "default-model"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), model.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Nil(t, fake.input.InferenceConfig)
}

func TestChatMapsThrottling(t *testing.T) {
	fake := &fakeConverse{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	c, err := New(Options{Client: fake, DefaultModel: "default-model"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), model.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimited)
}

func TestChatWrapsOtherAPIErrors(t *testing.T) {
	fake := &fakeConverse{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}}
	c, err := New(Options{Client: fake, DefaultModel: "default-model"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), model.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrRateLimited)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DefaultModel: "m"})
	require.Error(t, err)

	_, err = New(Options{Client: &fakeConverse{}})
	require.Error(t, err)
}
