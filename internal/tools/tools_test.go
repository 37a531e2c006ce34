package tools

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/sidekick/internal/database"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo " + name,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []string{"text"},
			"additionalProperties": false,
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(echoTool("echo"))
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate Register = %v, want already registered", err)
	}
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	bad := echoTool("bad")
	bad.Parameters = map[string]any{"type": "no-such-type"}
	if err := r.Register(bad); err == nil {
		t.Fatal("expected schema compile error")
	}
	if r.Get("bad") != nil {
		t.Error("rejected tool must not be registered")
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, d := range r.Definitions() {
		if d["type"] != "function" {
			t.Errorf("type = %v, want function", d["type"])
		}
		got = append(got, d["function"].(map[string]any)["name"].(string))
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, got); diff != "" {
		t.Errorf("definition order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Tool{
		Name:    "boom",
		Handler: func(context.Context, map[string]any) (string, error) { return "", errors.New("exploded") },
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Tool{
		Name:    "panics",
		Handler: func(context.Context, map[string]any) (string, error) { panic("nil map") },
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		want     string
		wantType any
	}{
		{name: "ok", tool: "echo", args: map[string]any{"text": "hi"}, want: "hi"},
		{name: "ok with integer-valued float", tool: "echo", args: map[string]any{"text": "hi", "count": float64(2)}, want: "hi"},
		{name: "unknown", tool: "nope", wantType: &ErrToolUnavailable{}},
		{name: "missing required", tool: "echo", args: map[string]any{}, wantType: &InvalidArgumentsError{}},
		{name: "wrong type", tool: "echo", args: map[string]any{"text": 5}, wantType: &InvalidArgumentsError{}},
		{name: "extra property", tool: "echo", args: map[string]any{"text": "x", "extra": true}, wantType: &InvalidArgumentsError{}},
		{name: "below minimum", tool: "echo", args: map[string]any{"text": "x", "count": 0}, wantType: &InvalidArgumentsError{}},
		{name: "handler error", tool: "boom", wantType: &ExecutionError{}},
		{name: "handler panic", tool: "panics", wantType: &ExecutionError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), tt.tool, tt.args)
			switch want := tt.wantType.(type) {
			case nil:
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				if got != tt.want {
					t.Errorf("result = %q, want %q", got, tt.want)
				}
			case *ErrToolUnavailable:
				if !errors.As(err, &want) {
					t.Errorf("err = %v, want ErrToolUnavailable", err)
				}
			case *InvalidArgumentsError:
				if !errors.As(err, &want) {
					t.Errorf("err = %v, want InvalidArgumentsError", err)
				}
			case *ExecutionError:
				if !errors.As(err, &want) {
					t.Errorf("err = %v, want ExecutionError", err)
				}
			}
		})
	}
}

func TestOwnerContext(t *testing.T) {
	if _, ok := OwnerFrom(context.Background()); ok {
		t.Error("empty context should have no owner")
	}
	ctx := WithOwner(context.Background(), "42")
	if got, ok := OwnerFrom(ctx); !ok || got != "42" {
		t.Errorf("OwnerFrom = %q, %v", got, ok)
	}
	if got := ConversationIDFromContext(ctx); got != "default" {
		t.Errorf("ConversationIDFromContext = %q, want default", got)
	}
}

func TestCompileSchema_ValidateJSON(t *testing.T) {
	schema, err := CompileSchema("intent", map[string]any{
		"type":     "object",
		"required": []string{"intent"},
		"properties": map[string]any{
			"intent": map[string]any{"type": "string", "enum": []string{"chat", "list_schedules"}},
		},
	})
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	if err := ValidateJSON(schema, []byte(`{"intent":"chat"}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := ValidateJSON(schema, []byte(`{"intent":"dance"}`)); err == nil {
		t.Error("enum violation accepted")
	}
	if err := ValidateJSON(schema, []byte(`not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}
