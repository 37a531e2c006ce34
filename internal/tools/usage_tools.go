package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/sidekick/internal/usage"
)

// RegisterUsageTools registers usage_summary, which reports the
// calling owner's token usage and estimated cost.
func (r *Registry) RegisterUsageTools(store *usage.Store) error {
	return r.Register(&Tool{
		Name:        "usage_summary",
		Description: "Report how many language-model tokens the user has consumed and the estimated cost, optionally broken down by model or role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "role"},
					"description": "Optional breakdown.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			owner, ok := OwnerFrom(ctx)
			if !ok {
				return "", fmt.Errorf("no owner in context")
			}
			period, _ := args["period"].(string)
			groupBy, _ := args["group_by"].(string)

			start, end := parsePeriod(period, time.Now())
			summary, err := store.Summary(ctx, owner, start, end)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Usage (%s):\n", period)
			fmt.Fprintf(&sb, "  Requests: %d\n", summary.TotalRecords)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(summary.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(summary.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", summary.TotalCostUSD)

			var grouped map[string]*usage.Summary
			switch groupBy {
			case "model":
				grouped, err = store.SummaryByModel(ctx, owner, start, end)
			case "role":
				grouped, err = store.SummaryByRole(ctx, owner, start, end)
			}
			if err != nil {
				return "", err
			}
			if len(grouped) > 0 {
				keys := make([]string, 0, len(grouped))
				for k := range grouped {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(&sb, "\nBy %s:\n", groupBy)
				for _, k := range keys {
					s := grouped[k]
					fmt.Fprintf(&sb, "  %s: %d requests, %s in / %s out, $%.4f\n",
						k, s.TotalRecords, formatTokenCount(s.TotalInputTokens), formatTokenCount(s.TotalOutputTokens), s.TotalCostUSD)
				}
			}
			return sb.String(), nil
		},
	})
}

// parsePeriod converts a period name to a start/end time range.
func parsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(1 * time.Minute) // slight future buffer

	switch period {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, end
	case "yesterday":
		yesterday := now.AddDate(0, 0, -1)
		start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, endOfDay
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
