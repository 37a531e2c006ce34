// Package intent classifies free text into schedule-management intents
// with the LLM, treating the model's JSON as untrusted input.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nugget/sidekick/internal/llm"
	"github.com/nugget/sidekick/internal/prompts"
	"github.com/nugget/sidekick/internal/tools"
)

// Kind is a classified intent.
type Kind string

// Intents the detector distinguishes.
const (
	CreateSchedule Kind = "create_schedule"
	EditSchedule   Kind = "edit_schedule"
	DeleteSchedule Kind = "delete_schedule"
	ListSchedules  Kind = "list_schedules"
	Chat           Kind = "chat"
)

// ErrMalformed means the model's reply failed validation twice.
var ErrMalformed = errors.New("malformed intent")

// Result is a validated classification.
type Result struct {
	Intent        Kind           `json:"intent"`
	Kind          string         `json:"kind,omitempty"`
	Frequency     string         `json:"frequency,omitempty"`
	DayOfWeek     *int           `json:"day_of_week,omitempty"`
	DayOfMonth    *int           `json:"day_of_month,omitempty"`
	ScheduledDate string         `json:"scheduled_date,omitempty"`
	Time          string         `json:"time,omitempty"`
	Content       string         `json:"content,omitempty"`
	ScheduleID    *int64         `json:"schedule_id,omitempty"`
	Updates       map[string]any `json:"updates,omitempty"`
}

func nullable(t string, extra map[string]any) map[string]any {
	s := map[string]any{"type": []string{t, "null"}}
	for k, v := range extra {
		s[k] = v
	}
	return s
}

// resultSchema is the contract the model's JSON must satisfy.
var resultSchema = map[string]any{
	"type":     "object",
	"required": []string{"intent"},
	"properties": map[string]any{
		"intent": map[string]any{
			"enum": []string{string(CreateSchedule), string(EditSchedule), string(DeleteSchedule), string(ListSchedules), string(Chat)},
		},
		"kind":           nullable("string", map[string]any{}),
		"frequency":      nullable("string", map[string]any{}),
		"day_of_week":    nullable("integer", map[string]any{"minimum": 0, "maximum": 6}),
		"day_of_month":   nullable("integer", map[string]any{"minimum": 1, "maximum": 31}),
		"scheduled_date": nullable("string", map[string]any{}),
		"time":           nullable("string", map[string]any{}),
		"content":        nullable("string", map[string]any{}),
		"schedule_id":    nullable("integer", map[string]any{"minimum": 1}),
		"updates":        nullable("object", map[string]any{}),
	},
	"allOf": []any{
		map[string]any{
			"if":   map[string]any{"properties": map[string]any{"intent": map[string]any{"const": string(CreateSchedule)}}},
			"then": map[string]any{"required": []string{"frequency", "time", "content"}},
		},
	},
}

// Detector asks the model to classify messages.
type Detector struct {
	llm    llm.Client
	model  string
	schema *jsonschema.Schema
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a Detector using model on client.
func NewDetector(client llm.Client, model string, logger *slog.Logger) (*Detector, error) {
	schema, err := tools.CompileSchema("intent", resultSchema)
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{llm: client, model: model, schema: schema, logger: logger, now: time.Now}, nil
}

// Detect classifies message. schedules and history are rendered
// context for the prompt. A reply that fails validation is retried
// once; a second failure returns ErrMalformed.
func (d *Detector) Detect(ctx context.Context, message, schedules, history string, loc *time.Location) (*Result, error) {
	if loc == nil {
		loc = time.Local
	}
	msgs := []llm.Message{{
		Role:    llm.RoleUser,
		Content: prompts.IntentPrompt(message, schedules, history, d.now().In(loc)),
	}}

	var lastErr error
	for attempt := range 2 {
		resp, err := d.llm.Chat(ctx, d.model, msgs, nil)
		if err != nil {
			return nil, fmt.Errorf("classify intent: %w", err)
		}
		res, err := d.parse(resp.Message.Content)
		if err == nil {
			d.logger.Debug("intent detected", "intent", res.Intent, "attempt", attempt+1)
			return res, nil
		}
		lastErr = err
		d.logger.Debug("intent reply rejected", "attempt", attempt+1, "error", err)
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(prompts.IntentRetry, err)},
		)
	}
	return nil, fmt.Errorf("%w: %w", ErrMalformed, lastErr)
}

// parse extracts, validates, and decodes the JSON object in reply.
func (d *Detector) parse(reply string) (*Result, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return nil, err
	}
	if err := tools.ValidateJSON(d.schema, raw); err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// extractJSON returns the outermost {...} span of s, which tolerates
// code fences and chatter around the object.
func extractJSON(s string) ([]byte, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in reply")
	}
	return []byte(s[start : end+1]), nil
}
