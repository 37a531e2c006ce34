package tools

import (
	"context"
	"fmt"

	"github.com/nugget/sidekick/internal/search"
)

// RegisterSearchTools registers web_search backed by mgr.
func (r *Registry) RegisterSearchTools(mgr *search.Manager) error {
	return r.Register(&Tool{
		Name:        "web_search",
		Description: "Search the web for current information, news, or facts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     10,
					"description": "Maximum number of results. Default 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code, e.g. en.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			opts := search.Options{Language: stringArg(args, "language")}
			if n, ok := intArg(args, "count"); ok {
				opts.Count = n
			}
			results, err := mgr.Search(ctx, stringArg(args, "query"), opts)
			if err != nil {
				return "", fmt.Errorf("web search: %w", err)
			}
			return search.Format(results), nil
		},
	})
}
