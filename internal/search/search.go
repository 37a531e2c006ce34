// Package search runs web searches against a configured backend
// (Brave or SearXNG) for the web_search capability.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// DefaultCount is the result count used when a query does not ask for
// one.
const DefaultCount = 5

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	Count    int    // maximum results; 0 means DefaultCount
	Language string // ISO 639-1 code, e.g. "en"
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNotConfigured is returned when no provider can serve a query.
var ErrNotConfigured = errors.New("no search provider configured")

// Manager routes queries to the primary provider and falls back to the
// others, in name order, when it fails.
type Manager struct {
	providers map[string]Provider
	primary   string
	logger    *slog.Logger
}

// NewManager creates a manager that prefers the named provider.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider. The first provider registered becomes the
// primary if none was named.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// Search runs query on the primary provider, then on each remaining
// provider until one succeeds. The errors of every attempt are joined
// when all fail.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	order := m.order()
	if len(order) == 0 {
		return nil, ErrNotConfigured
	}

	var errs []error
	for _, name := range order {
		results, err := m.providers[name].Search(ctx, query, opts)
		if err == nil {
			if len(results) > opts.count() {
				results = results[:opts.count()]
			}
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", name, "error", err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) order() []string {
	var order []string
	if _, ok := m.providers[m.primary]; ok {
		order = append(order, m.primary)
	}
	for _, name := range m.Providers() {
		if name != m.primary {
			order = append(order, name)
		}
	}
	return order
}

// Format renders results as a numbered list for the model.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(r.Title)
		sb.WriteString("\n   ")
		sb.WriteString(r.URL)
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}

func providerError(provider string, status int, body string) error {
	return fmt.Errorf("%s: HTTP %d: %s", provider, status, body)
}
