package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/sidekick/internal/fetch"
)

// RegisterFetchTools registers read_webpage backed by client.
func (r *Registry) RegisterFetchTools(client *fetch.Client) error {
	return r.Register(&Tool{
		Name:        "read_webpage",
		Description: "Download a web page and return its readable text. Use it to read a link the user shared or a search result.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The page URL. A bare host gets https://.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"minimum":     200,
					"maximum":     fetch.DefaultMaxChars,
					"description": fmt.Sprintf("Maximum characters of text to return. Default %d.", fetch.DefaultMaxChars),
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			maxChars, _ := intArg(args, "max_chars")
			page, err := client.Get(ctx, stringArg(args, "url"), maxChars)
			if err != nil {
				return "", err
			}
			return formatPage(page), nil
		},
	})
}

func formatPage(p *fetch.Page) string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
	}
	fmt.Fprintf(&b, "URL: %s\n", p.URL)
	if p.Status >= 400 {
		fmt.Fprintf(&b, "Status: %d\n", p.Status)
	}
	b.WriteString("\n")
	if p.Text == "" {
		b.WriteString("(no readable text)")
	} else {
		b.WriteString(p.Text)
	}
	if p.Truncated {
		b.WriteString("\n\n[truncated]")
	}
	return b.String()
}
