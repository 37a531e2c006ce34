// Package agent runs conversation turns: a two-state machine that
// alternates between asking the model and executing the tool calls it
// requests, committing every step to the conversation store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/llm"
	"github.com/nugget/sidekick/internal/memory"
	"github.com/nugget/sidekick/internal/prompts"
	"github.com/nugget/sidekick/internal/tools"
	"github.com/nugget/sidekick/internal/usage"
)

// Defaults applied by [New] to zero Config fields.
const (
	DefaultMaxToolIterations = 8
	DefaultMaxParallelTools  = 4
	DefaultToolTimeout       = 30 * time.Second
	DefaultLLMTimeout        = 2 * time.Minute
)

// Config bounds a turn.
type Config struct {
	Model             string
	MaxToolIterations int // Agent/Tools round trips before ErrToolLoopExceeded
	MaxParallelTools  int
	ToolTimeout       time.Duration
	LLMTimeout        time.Duration
	Location          *time.Location // zone for the date in the system prompt
	HTML              bool           // ask the model for Telegram HTML
}

// IntentHandler gets the first look at plain-text messages. When it
// reports handled, its reply ends the turn without the tool loop.
type IntentHandler interface {
	Handle(ctx context.Context, ownerID, text string, history []memory.Message) (reply string, handled bool, err error)
}

// TurnPublisher is notified after every completed turn.
type TurnPublisher interface {
	PublishEvent(ctx context.Context, kind string, payload any) error
}

// TurnEvent describes a finished turn.
type TurnEvent struct {
	ThreadID   string        `json:"thread_id"`
	OwnerID    string        `json:"owner_id"`
	Rounds     int           `json:"tool_rounds"`
	ToolCalls  int           `json:"tool_calls"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Turn is one inbound user message.
type Turn struct {
	ThreadID  string
	OwnerID   string
	Text      string
	Images    []memory.Part
	UsageRole string // usage.Role*; interactive when empty
}

// Orchestrator runs turns against a model, a tool registry, and a
// conversation store. It is safe for concurrent use; turns on the same
// thread are serialized.
type Orchestrator struct {
	logger   *slog.Logger
	llm      llm.Client
	store    memory.Store
	registry *tools.Registry
	cfg      Config
	locks    *threadLocks
	now      func() time.Time

	usage  *usage.Store
	intent IntentHandler
	events TurnPublisher
}

// New creates an Orchestrator. registry may be nil for a tool-less
// assistant.
func New(logger *slog.Logger, client llm.Client, store memory.Store, registry *tools.Registry, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Orchestrator{
		logger:   logger,
		llm:      client,
		store:    store,
		registry: registry,
		cfg:      cfg,
		locks:    newThreadLocks(),
		now:      time.Now,
	}
}

// SetUsageStore records token usage for every model call.
func (o *Orchestrator) SetUsageStore(u *usage.Store) { o.usage = u }

// SetIntentHandler enables intent detection ahead of the tool loop.
func (o *Orchestrator) SetIntentHandler(h IntentHandler) { o.intent = h }

// SetEventPublisher publishes a "turn" event after each turn.
func (o *Orchestrator) SetEventPublisher(p TurnPublisher) { o.events = p }

// RunTurn appends text to the thread, runs the state machine to
// completion, and returns the reply.
func (o *Orchestrator) RunTurn(ctx context.Context, threadID, ownerID, text string) (string, error) {
	return o.Run(ctx, Turn{ThreadID: threadID, OwnerID: ownerID, Text: text})
}

// Run executes one turn. Messages committed before a failure stay in
// the log so the next turn continues from them.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) (string, error) {
	if turn.ThreadID == "" {
		return "", errors.New("thread id is required")
	}
	unlock, err := o.locks.lock(ctx, turn.ThreadID)
	if err != nil {
		return "", err
	}
	defer unlock()
	return o.run(ctx, o.store, turn)
}

// Ask answers prompt as a standalone exchange on a scratch thread that
// is discarded afterwards. Tools stay available.
func (o *Orchestrator) Ask(ctx context.Context, ownerID, prompt, role string) (string, error) {
	scratch := memory.NewMemStore(0)
	return o.run(ctx, scratch, Turn{ThreadID: "ask", OwnerID: ownerID, Text: prompt, UsageRole: role})
}

// Reset clears a thread's history and summary.
func (o *Orchestrator) Reset(ctx context.Context, threadID string) error {
	unlock, err := o.locks.lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()
	return o.store.Clear(context.WithoutCancel(ctx), threadID)
}

// Summary returns the stored running summary for a thread.
func (o *Orchestrator) Summary(ctx context.Context, threadID string) (string, error) {
	conv, err := o.store.Conversation(ctx, threadID)
	if err != nil {
		return "", err
	}
	return conv.Summary, nil
}

// Summarize asks the model for a fresh summary of the thread and
// stores it. The summary is injected into later system prompts.
func (o *Orchestrator) Summarize(ctx context.Context, threadID, ownerID string) (string, error) {
	unlock, err := o.locks.lock(ctx, threadID)
	if err != nil {
		return "", err
	}
	defer unlock()

	storeCtx := context.WithoutCancel(ctx)
	conv, err := o.store.Conversation(storeCtx, threadID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	transcript := Transcript(conv.Messages)
	if transcript == "" {
		return conv.Summary, nil
	}

	resp, err := o.chat(ctx, threadID, ownerID, usage.RoleAuxiliary, []llm.Message{
		{Role: llm.RoleUser, Content: prompts.SummaryPrompt(transcript, conv.Summary)},
	}, nil)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return conv.Summary, nil
	}
	if err := o.store.SetSummary(storeCtx, threadID, summary); err != nil {
		return "", fmt.Errorf("store summary: %w", err)
	}
	return summary, nil
}

// run is the state machine. The caller holds the thread lock when
// store is shared.
func (o *Orchestrator) run(ctx context.Context, store memory.Store, turn Turn) (reply string, err error) {
	start := o.now()
	log := o.logger.With("thread", turn.ThreadID, "owner", turn.OwnerID)
	// Committed writes must not be abandoned half way because the
	// caller went away.
	storeCtx := context.WithoutCancel(ctx)

	var rounds, calls int
	defer func() {
		o.publishTurn(ctx, turn, rounds, calls, start, err)
	}()

	conv, err := store.Conversation(storeCtx, turn.ThreadID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}

	user := memory.Message{Role: memory.RoleUser, Content: turn.Text}
	if len(turn.Images) > 0 {
		user.Parts = append([]memory.Part{{Kind: memory.PartText, Text: turn.Text}}, turn.Images...)
	}

	if o.intent != nil && len(turn.Images) == 0 && strings.TrimSpace(turn.Text) != "" && store == o.store {
		if reply, handled, err := o.intent.Handle(ctx, turn.OwnerID, turn.Text, conv.Messages); err != nil {
			log.Warn("intent detection failed, continuing with conversation", "error", err)
		} else if handled {
			answer := memory.Message{Role: memory.RoleAssistant, Content: reply}
			if err := store.Append(storeCtx, turn.ThreadID, user, answer); err != nil {
				return "", fmt.Errorf("append intent reply: %w", err)
			}
			log.Info("turn handled by intent", "reply_len", len(reply))
			return reply, nil
		}
	}

	if err := store.Append(storeCtx, turn.ThreadID, user); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}

	var (
		produced []memory.Message // assistant messages from this turn
		last     memory.Message
		nudged   bool
	)
	state := StateAgent
	for {
		log.Log(ctx, config.LevelTrace, "turn state", "state", state, "rounds", rounds)

		switch state {
		case StateAgent:
			history, err := store.Messages(storeCtx, turn.ThreadID)
			if err != nil {
				return "", fmt.Errorf("load messages: %w", err)
			}
			msgs := o.buildPrompt(turn.OwnerID, conv.Summary, history)
			if nudged {
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompts.EmptyResponseNudge})
			}

			resp, err := o.chat(ctx, turn.ThreadID, turn.OwnerID, turn.UsageRole, msgs, o.registry.Definitions())
			if err != nil {
				return "", err
			}
			last = fromLLM(resp.Message)
			if err := store.Append(storeCtx, turn.ThreadID, last); err != nil {
				return "", fmt.Errorf("append assistant message: %w", err)
			}
			produced = append(produced, last)
			state = Route(last).Next

			// One retry when the model goes quiet after using tools.
			if state == StateDone && strings.TrimSpace(last.Content) == "" && rounds > 0 && !nudged {
				nudged = true
				state = StateAgent
			}

		case StateTools:
			if rounds >= o.cfg.MaxToolIterations {
				log.Warn("tool loop cap reached", "max", o.cfg.MaxToolIterations)
				return "", fmt.Errorf("%w after %d rounds", ErrToolLoopExceeded, rounds)
			}
			rounds++
			calls += len(last.ToolCalls)
			results := o.executeTools(ctx, turn, last.ToolCalls)
			if err := store.Append(storeCtx, turn.ThreadID, results...); err != nil {
				return "", fmt.Errorf("append tool results: %w", err)
			}
			state = StateAgent

		case StateDone:
			reply = finalReply(produced)
			log.Info("turn complete", "rounds", rounds, "tool_calls", calls,
				"reply_len", len(reply), "elapsed", o.now().Sub(start).Round(time.Millisecond))
			return reply, nil
		}
	}
}

// buildPrompt prepends a freshly rendered system prompt to history.
func (o *Orchestrator) buildPrompt(ownerID, summary string, history []memory.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{
		Role: llm.RoleSystem,
		Content: prompts.SystemPrompt(prompts.SystemContext{
			OwnerID: ownerID,
			Now:     o.now().In(o.cfg.Location),
			Summary: summary,
			HTML:    o.cfg.HTML,
		}),
	})
	for _, m := range history {
		msgs = append(msgs, toLLM(m))
	}
	return msgs
}

// chat calls the model under the LLM timeout and records usage.
func (o *Orchestrator) chat(ctx context.Context, threadID, ownerID, role string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	resp, err := o.llm.Chat(cctx, o.cfg.Model, msgs, defs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if llm.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		return nil, fmt.Errorf("llm chat: %w", err)
	}

	if o.usage != nil {
		if role == "" {
			role = usage.RoleInteractive
		}
		rec := usage.Record{
			Timestamp:      o.now(),
			ConversationID: threadID,
			OwnerID:        ownerID,
			Model:          resp.Model,
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			Role:           role,
		}
		if err := o.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			o.logger.Warn("failed to record usage", "error", err)
		}
	}
	return resp, nil
}

// executeTools runs calls concurrently and returns one tool-result
// message per call in request order. Failures become result text.
func (o *Orchestrator) executeTools(ctx context.Context, turn Turn, calls []memory.ToolCall) []memory.Message {
	results := make([]memory.Message, len(calls))

	tctx := tools.WithOwner(ctx, turn.OwnerID)
	tctx = tools.WithConversationID(tctx, turn.ThreadID)

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			out, err := o.executeTool(tctx, call)
			content := out
			if err != nil {
				o.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
				content = "Error: " + err.Error()
			}
			results[i] = memory.Message{
				Role:       memory.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// executeTool runs one call under the tool timeout. A handler that
// ignores cancellation is abandoned when the timeout fires.
func (o *Orchestrator) executeTool(parent context.Context, call memory.ToolCall) (string, error) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.ToolTimeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	started := o.now()
	go func() {
		out, err := o.registry.Execute(ctx, call.Name, call.Arguments)
		done <- result{out, err}
	}()

	var r result
	select {
	case r = <-done:
		o.logger.Debug("tool executed", "tool", call.Name, "call_id", call.ID,
			"elapsed", o.now().Sub(started).Round(time.Millisecond), "ok", r.err == nil)
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err == nil || ctx.Err() == nil {
		return r.out, r.err
	}
	if parent.Err() != nil {
		return "", &tools.ExecutionError{ToolName: call.Name, Err: fmt.Errorf("cancelled: %w", context.Cause(parent))}
	}
	return "", &tools.ExecutionError{ToolName: call.Name, Err: fmt.Errorf("timed out after %s", o.cfg.ToolTimeout)}
}

func (o *Orchestrator) publishTurn(ctx context.Context, turn Turn, rounds, calls int, start time.Time, err error) {
	if o.events == nil {
		return
	}
	ev := TurnEvent{
		ThreadID:   turn.ThreadID,
		OwnerID:    turn.OwnerID,
		Rounds:     rounds,
		ToolCalls:  calls,
		Duration:   o.now().Sub(start),
		FinishedAt: o.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := o.events.PublishEvent(context.WithoutCancel(ctx), "turn", ev); perr != nil {
		o.logger.Debug("turn event not published", "error", perr)
	}
}

// finalReply is the most recent non-empty assistant text of the turn.
func finalReply(produced []memory.Message) string {
	for i := len(produced) - 1; i >= 0; i-- {
		if text := strings.TrimSpace(produced[i].Content); text != "" {
			return text
		}
	}
	return prompts.EmptyResponseFallback
}

// Transcript renders user and assistant text as "role: content" lines.
func Transcript(msgs []memory.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role != memory.RoleUser && m.Role != memory.RoleAssistant {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Role + ": " + text)
	}
	return sb.String()
}

func toLLM(m memory.Message) llm.Message {
	out := llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
	for _, p := range m.Parts {
		if p.Kind == memory.PartImage && len(p.Data) > 0 {
			out.Images = append(out.Images, llm.Image{MIMEType: p.MIMEType, Data: p.Data})
		}
	}
	for _, c := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        c.ID,
			Function:  llm.FunctionCall{Name: c.Name, Arguments: c.Arguments},
			Signature: c.Signature,
		})
	}
	return out
}

func fromLLM(m llm.Message) memory.Message {
	out := memory.Message{Role: memory.RoleAssistant, Content: m.Content}
	for i, c := range m.ToolCalls {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args := c.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, memory.ToolCall{
			ID:        id,
			Name:      c.Function.Name,
			Arguments: args,
			Signature: c.Signature,
		})
	}
	return out
}
