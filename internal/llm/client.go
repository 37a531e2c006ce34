package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools uses the OpenAI/Ollama function schema:
	// {"type":"function","function":{"name","description","parameters"}}.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ProviderError is a non-2xx response from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Unavailable reports whether the failure is on the provider side
// (5xx or rate limiting) rather than a problem with the request.
func (e *ProviderError) Unavailable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsUnavailable reports whether err means the model could not be
// reached: a transport failure, a timeout, or a provider-side error.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Unavailable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ToolSpec is the decoded form of one entry in a tools list.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ParseToolSpecs extracts name, description and parameters from tool
// definitions in the function schema. Malformed entries are skipped.
func ParseToolSpecs(tools []map[string]any) []ToolSpec {
	specs := make([]ToolSpec, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		specs = append(specs, ToolSpec{Name: name, Description: desc, Parameters: params})
	}
	return specs
}
