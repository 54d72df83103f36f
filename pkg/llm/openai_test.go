package llm

import (
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIProviderValidates(t *testing.T) {
	_, err := NewOpenAIProvider(Config{Model: "gpt-4o"})
	assert.ErrorContains(t, err, "api key")

	_, err = NewOpenAIProvider(Config{APIKey: "sk-test"})
	assert.ErrorContains(t, err, "default model")

	p, err := NewOpenAIProvider(Config{APIKey: "sk-test", Model: "gpt-4o"})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestBuildParams(t *testing.T) {
	p, err := NewOpenAIProvider(Config{APIKey: "sk-test", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	seed := int64(42)
	temp := 0.2
	params := p.buildParams(Request{
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Seed:        &seed,
		Temperature: &temp,
		MaxTokens:   256,
		ResponseFormat: &ResponseSchema{
			Name:   "plan",
			Schema: map[string]any{"type": "object"},
		},
		Tools: []ToolDefinition{{
			Name:        "search",
			Description: "web search",
			Parameters:  map[string]any{"type": "object"},
		}},
	})

	assert.Equal(t, "gpt-4o-mini", string(params.Model))
	assert.Equal(t, int64(42), params.Seed.Or(0))
	assert.InDelta(t, 0.2, params.Temperature.Or(0), 1e-9)
	assert.Equal(t, int64(256), params.MaxCompletionTokens.Or(0))
	require.NotNil(t, params.ResponseFormat.OfJSONSchema)
	assert.Equal(t, "plan", params.ResponseFormat.OfJSONSchema.JSONSchema.Name)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfFunction)
	assert.Equal(t, "search", params.Tools[0].OfFunction.Function.Name)

	t.Run("request model overrides default", func(t *testing.T) {
		params := p.buildParams(Request{Model: "gpt-4o"})
		assert.Equal(t, "gpt-4o", string(params.Model))
	})
}

func TestTranslateMessages(t *testing.T) {
	msgs := translateMessages([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{
			{ID: "call-1", Name: "search", Arguments: `{"q":"go"}`},
		}},
		{Role: RoleTool, Content: `{"hits":3}`, ToolCallID: "call-1", ToolName: "search"},
	})
	require.Len(t, msgs, 5)

	require.NotNil(t, msgs[0].OfSystem)
	assert.Equal(t, "be brief", msgs[0].OfSystem.Content.OfString.Or(""))
	require.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)

	require.NotNil(t, msgs[3].OfAssistant)
	require.Len(t, msgs[3].OfAssistant.ToolCalls, 1)
	fn := msgs[3].OfAssistant.ToolCalls[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "call-1", fn.ID)
	assert.Equal(t, "search", fn.Function.Name)
	assert.Equal(t, `{"q":"go"}`, fn.Function.Arguments)

	require.NotNil(t, msgs[4].OfTool)
	assert.Equal(t, "call-1", msgs[4].OfTool.ToolCallID)
}

func TestTranslateCompletion(t *testing.T) {
	resp := translateCompletion(&openai.ChatCompletion{
		Model: "gpt-4o-2024-08-06",
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: "tool_calls",
			Message: openai.ChatCompletionMessage{
				Content: "calling a tool",
				ToolCalls: []openai.ChatCompletionMessageToolCallUnion{{
					ID: "call-9",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      "approve",
						Arguments: `{}`,
					},
				}},
			},
		}},
		Usage: openai.CompletionUsage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19},
	})

	assert.Equal(t, "calling a tool", resp.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call-9", resp.ToolCalls[0].ID)
	assert.Equal(t, "approve", resp.ToolCalls[0].Name)
	assert.Equal(t, 19, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o-2024-08-06", resp.Usage.Model)
}

func TestTranslateCompletionEmptyChoices(t *testing.T) {
	resp := translateCompletion(&openai.ChatCompletion{
		Usage: openai.CompletionUsage{TotalTokens: 3},
	})
	assert.Empty(t, resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}
