package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"google.golang.org/genai"
)

type fakeModels struct {
	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
	resp        *genai.GenerateContentResponse
	err         error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	f.gotContents = contents
	f.gotConfig = config
	return f.resp, f.err
}

func (f *fakeModels) Get(context.Context, string, *genai.GetModelConfig) (*genai.Model, error) {
	return &genai.Model{}, f.err
}

func TestToGeminiContents(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are helpful."},
		{Role: RoleUser, Content: "What's on today?", Images: []Image{{MIMEType: "image/jpeg", Data: []byte("jpg")}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "a", Function: FunctionCall{Name: "list_calendar_events", Arguments: map[string]any{"days": 1}}, Signature: []byte("sig")},
			{ID: "b", Function: FunctionCall{Name: "list_tasks", Arguments: map[string]any{}}},
		}},
		{Role: RoleTool, ToolCallID: "a", ToolName: "list_calendar_events", Content: "standup 09:00"},
		{Role: RoleTool, ToolCallID: "b", ToolName: "list_tasks", Content: "none"},
		{Role: RoleAssistant, Content: "Standup at nine."},
	}

	system, contents := toGeminiContents(messages)
	if system != "You are helpful." {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 4 {
		t.Fatalf("contents = %d, want 4 (user, model, merged tool results, model)", len(contents))
	}

	user := contents[0]
	if user.Role != genai.RoleUser || len(user.Parts) != 2 || user.Parts[1].InlineData == nil {
		t.Errorf("user content = %+v", user)
	}

	calls := contents[1]
	if calls.Role != genai.RoleModel || len(calls.Parts) != 2 {
		t.Fatalf("model content = %+v", calls)
	}
	if fc := calls.Parts[0].FunctionCall; fc == nil || fc.Name != "list_calendar_events" || fc.ID != "a" {
		t.Errorf("first function call = %+v", fc)
	}
	if string(calls.Parts[0].ThoughtSignature) != "sig" {
		t.Errorf("signature not carried: %q", calls.Parts[0].ThoughtSignature)
	}

	results := contents[2]
	if results.Role != genai.RoleUser || len(results.Parts) != 2 {
		t.Fatalf("tool results = %+v", results)
	}
	if fr := results.Parts[1].FunctionResponse; fr == nil || fr.Name != "list_tasks" || fr.Response["result"] != "none" {
		t.Errorf("second function response = %+v", fr)
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := []map[string]any{
		{"type": "function", "function": map[string]any{
			"name":        "get_weather",
			"description": "Current weather",
			"parameters":  map[string]any{"type": "object"},
		}},
		{"type": "function"},
	}
	got := toGeminiTools(tools)
	if len(got) != 1 || len(got[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", got)
	}
	decl := got[0].FunctionDeclarations[0]
	if decl.Name != "get_weather" || decl.Description != "Current weather" || decl.ParametersJsonSchema == nil {
		t.Errorf("declaration = %+v", decl)
	}
	if toGeminiTools(nil) != nil {
		t.Error("no tools should produce nil")
	}
}

func TestGeminiClient_Chat(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		ModelVersion: "gemini-2.5-flash-001",
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
			{Text: "thinking...", Thought: true},
			{Text: "Checking "},
			{FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"location": "Rome"}}},
		}}}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 20},
	}}
	c := &GeminiClient{models: fake, defaultModel: "gemini-2.5-flash", temperature: 0.5, logger: slog.New(slog.DiscardHandler)}

	resp, err := c.Chat(context.Background(), "gemini-2.5-flash", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "weather in Rome"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if fake.gotConfig.SystemInstruction == nil || fake.gotConfig.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("system instruction = %+v", fake.gotConfig.SystemInstruction)
	}
	if fake.gotConfig.Temperature == nil || *fake.gotConfig.Temperature != 0.5 {
		t.Errorf("temperature = %v", fake.gotConfig.Temperature)
	}
	if resp.Message.Content != "Checking " {
		t.Errorf("content = %q, thought parts must be dropped", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].ID != "call_0" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Model != "gemini-2.5-flash-001" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestGeminiClient_APIError(t *testing.T) {
	fake := &fakeModels{err: genai.APIError{Code: 503, Message: "overloaded"}}
	c := &GeminiClient{models: fake, logger: slog.New(slog.DiscardHandler)}

	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 503 {
		t.Fatalf("err = %v, want ProviderError 503", err)
	}
	if !IsUnavailable(err) {
		t.Error("503 should be unavailable")
	}
}

func TestGeminiClient_EmptyResponse(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{}}
	c := &GeminiClient{models: fake, logger: slog.New(slog.DiscardHandler)}

	if _, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}
