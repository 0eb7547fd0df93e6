package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeGemini struct {
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (f *fakeGemini) GenerateContent(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.contents = contents
	f.config = config
	return f.resp, f.err
}

func TestGeminiConversation(t *testing.T) {
	t.Parallel()

	fake := &fakeGemini{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
				{Text: "pondering", Thought: true},
				{Text: "Running it."},
				{FunctionCall: &genai.FunctionCall{Name: "run_command", Args: map[string]any{"command": "date"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 3, TotalTokenCount: 13},
	}}
	p := &GeminiProvider{model: "m", api: fake}

	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are helpful"},
			{Role: RoleUser, Content: "two things"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "a", Name: "get_time", Arguments: "{}"},
				{ID: "b", Name: "web_search", Arguments: `{"query":"go"}`},
			}},
			{Role: RoleTool, ToolCallID: "a", Name: "get_time", Content: "noon"},
			{Role: RoleTool, ToolCallID: "b", Name: "web_search", Content: "results"},
		},
		Tools: []ToolDefinition{{
			Name:       "update_persona",
			Parameters: json.RawMessage(`{"type":"object","properties":{"file_name":{"type":"string","enum":["SOUL","IDENTITY"]},"new_content":{"type":"string"}},"required":["file_name","new_content"]}`),
		}},
		Temperature: 0.2,
		MaxTokens:   100,
	})
	require.NoError(t, err)

	assert.Equal(t, "Running it.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "run_command", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"command":"date"}`, resp.ToolCalls[0].Arguments)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
	assert.Equal(t, 13, resp.Usage.TotalTokens)

	require.NotNil(t, fake.config.SystemInstruction)
	assert.Equal(t, "you are helpful", fake.config.SystemInstruction.Parts[0].Text)
	assert.Equal(t, int32(100), fake.config.MaxOutputTokens)

	require.Len(t, fake.contents, 3, "user, model calls, merged tool results")
	assert.Equal(t, genai.RoleModel, fake.contents[1].Role)
	assert.Len(t, fake.contents[1].Parts, 2)
	results := fake.contents[2]
	assert.Equal(t, genai.RoleUser, results.Role)
	require.Len(t, results.Parts, 2)
	assert.Equal(t, "results", results.Parts[1].FunctionResponse.Response["output"])

	schema := fake.config.Tools[0].FunctionDeclarations[0].Parameters
	require.NotNil(t, schema)
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, []string{"SOUL", "IDENTITY"}, schema.Properties["file_name"].Enum)
	assert.ElementsMatch(t, []string{"file_name", "new_content"}, schema.Required)
}

func TestGeminiErrors(t *testing.T) {
	t.Parallel()

	p := &GeminiProvider{model: "m", api: &fakeGemini{err: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "slow down"}}}
	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorRateLimit, apiErr.Kind)

	p = &GeminiProvider{model: "m", api: &fakeGemini{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety, Content: &genai.Content{}}},
	}}}
	_, err = p.Complete(context.Background(), Request{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorBadRequest, apiErr.Kind)

	p = &GeminiProvider{model: "m", api: &fakeGemini{resp: &genai.GenerateContentResponse{}}}
	_, err = p.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestDecodeArgs(t *testing.T) {
	t.Parallel()
	assert.Equal(t, map[string]any{"a": "b"}, decodeArgs(`{"a":"b"}`))
	assert.Empty(t, decodeArgs(""))
	assert.Empty(t, decodeArgs("not json"))
}
