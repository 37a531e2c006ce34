package tools

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nugget/sidekick/internal/search"
)

type stubSearch struct {
	query string
	opts  search.Options
}

func (s *stubSearch) Name() string { return "stub" }

func (s *stubSearch) Search(_ context.Context, query string, opts search.Options) ([]search.Result, error) {
	s.query, s.opts = query, opts
	return []search.Result{{Title: "Go", URL: "https://go.dev"}}, nil
}

func TestWebSearchTool(t *testing.T) {
	stub := &stubSearch{}
	mgr := search.NewManager("stub", slog.New(slog.DiscardHandler))
	mgr.Register(stub)

	r := NewRegistry()
	if err := r.RegisterSearchTools(mgr); err != nil {
		t.Fatalf("RegisterSearchTools: %v", err)
	}

	out, err := r.Execute(context.Background(), "web_search", map[string]any{"query": "golang", "count": float64(3)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "1. Go\n   https://go.dev" {
		t.Errorf("output = %q", out)
	}
	if stub.query != "golang" || stub.opts.Count != 3 {
		t.Errorf("provider saw query=%q opts=%+v", stub.query, stub.opts)
	}

	_, err = r.Execute(context.Background(), "web_search", map[string]any{"count": 3})
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) {
		t.Errorf("missing query err = %v, want InvalidArgumentsError", err)
	}
}
