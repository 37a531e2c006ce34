package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/sidekick/internal/httpkit"
)

// geminiModels is the subset of *genai.Models the client uses.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	models       geminiModels
	defaultModel string
	temperature  float64
	logger       *slog.Logger
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
// defaultModel is used by Ping.
func NewGeminiClient(ctx context.Context, apiKey, defaultModel string, temperature float64, logger *slog.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{
		models:       client.Models,
		defaultModel: defaultModel,
		temperature:  temperature,
		logger:       logger,
	}, nil
}

// Chat sends the conversation to Gemini and converts the reply.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	system, contents := toGeminiContents(messages)

	cfg := &genai.GenerateContentConfig{
		Tools: toGeminiTools(tools),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if c.temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(c.temperature))
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, wrapGeminiError(err)
	}
	c.logger.Log(ctx, levelTrace, "gemini response", "model", model, "candidates", len(resp.Candidates))

	out, err := fromGeminiResponse(resp)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = model
	}
	out.CreatedAt = start
	out.TotalDuration = time.Since(start)
	return out, nil
}

// Ping fetches the default model's metadata.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.models.Get(ctx, c.defaultModel, nil); err != nil {
		return wrapGeminiError(err)
	}
	return nil
}

func wrapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return fmt.Errorf("gemini: %w", err)
}

// toGeminiContents splits out system messages into one instruction
// and converts the rest. Consecutive tool results are merged into a
// single user turn as Gemini expects.
func toGeminiContents(messages []Message) (string, []*genai.Content) {
	var system []string
	var contents []*genai.Content

	appendParts := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}})
			}
			appendParts(genai.RoleUser, parts)
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: tc.Function.Arguments,
					},
					ThoughtSignature: tc.Signature,
				})
			}
			appendParts(genai.RoleModel, parts)
		case RoleTool:
			appendParts(genai.RoleUser, []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolName,
					Response: map[string]any{"result": m.Content},
				},
			}})
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func toGeminiTools(tools []map[string]any) []*genai.Tool {
	specs := ParseToolSpecs(tools)
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decl := &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
		}
		if s.Parameters != nil {
			decl.ParametersJsonSchema = s.Parameters
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("gemini: empty response (%s)", reason)
	}

	msg := Message{Role: RoleAssistant}
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		if p.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        p.FunctionCall.ID,
				Function:  FunctionCall{Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Args},
				Signature: p.ThoughtSignature,
			})
			continue
		}
		text.WriteString(p.Text)
	}
	msg.Content = text.String()
	ensureCallIDs(msg.ToolCalls)

	out := &ChatResponse{Model: resp.ModelVersion, Message: msg}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}
