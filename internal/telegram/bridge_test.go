package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/sidekick/internal/agent"
	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/memory"
	"github.com/nugget/sidekick/internal/scheduler"
)

const testToken = "123:SECRET"

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type sentMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
}

// fakeBot is a minimal Bot API server.
type fakeBot struct {
	mu         sync.Mutex
	sent       []sentMessage
	offsets    []int64
	updates    []Update
	rejectHTML bool
	failSend   int // HTTP status for sendMessage, 0 = succeed
	fileDelay  time.Duration
}

func (f *fakeBot) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/file/bot"+testToken+"/photos/p.png" {
			time.Sleep(f.fileDelay)
			w.Write(pngBytes)
			return
		}
		method, ok := strings.CutPrefix(r.URL.Path, "/bot"+testToken+"/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "Bad Request: "+err.Error())
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		switch method {
		case "getUpdates":
			f.offsets = append(f.offsets, int64(params["offset"].(float64)))
			ups := f.updates
			f.updates = nil
			if len(ups) == 0 {
				f.mu.Unlock()
				select {
				case <-r.Context().Done():
				case <-time.After(20 * time.Millisecond):
				}
				f.mu.Lock()
				ups = []Update{}
			}
			writeResult(w, ups)
		case "sendMessage":
			mode, _ := params["parse_mode"].(string)
			if f.failSend != 0 {
				writeError(w, f.failSend, "Forbidden: bot was blocked by the user")
				return
			}
			if f.rejectHTML && mode == "HTML" {
				writeError(w, http.StatusBadRequest, "Bad Request: can't parse entities: unexpected end tag")
				return
			}
			f.sent = append(f.sent, sentMessage{
				ChatID:    int64(params["chat_id"].(float64)),
				Text:      params["text"].(string),
				ParseMode: mode,
			})
			writeResult(w, map[string]any{"message_id": len(f.sent)})
		case "getMe":
			writeResult(w, User{ID: 123, IsBot: true, FirstName: "Sidekick", Username: "sidekick_bot"})
		case "sendChatAction":
			writeResult(w, true)
		case "getFile":
			writeResult(w, File{FileID: params["file_id"].(string), FilePath: "photos/p.png", FileSize: int64(len(pngBytes))})
		default:
			writeError(w, http.StatusNotFound, "Not Found")
		}
	})
}

func writeResult(w http.ResponseWriter, v any) {
	raw, _ := json.Marshal(v)
	json.NewEncoder(w).Encode(apiResponse{OK: true, Result: raw})
}

func writeError(w http.ResponseWriter, code int, desc string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(apiResponse{OK: false, ErrorCode: code, Description: desc})
}

func (f *fakeBot) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestClient(t *testing.T, bot *fakeBot, maxLen int) *Client {
	t.Helper()
	srv := httptest.NewServer(bot.handler())
	t.Cleanup(srv.Close)
	return NewClient(config.TelegramConfig{
		Token:         testToken,
		APIURL:        srv.URL,
		MaxMessageLen: maxLen,
	}, slog.New(slog.DiscardHandler))
}

type fakeRunner struct {
	mu      sync.Mutex
	turns   []agent.Turn
	reply   string
	err     error
	resets  []string
	summary string
}

func (r *fakeRunner) Run(_ context.Context, turn agent.Turn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	return r.reply, r.err
}

func (r *fakeRunner) Reset(_ context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, threadID)
	return nil
}

func (r *fakeRunner) Summarize(context.Context, string, string) (string, error) {
	return r.summary, nil
}

func (r *fakeRunner) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

type fakeSchedules struct {
	entries []*scheduler.Entry
}

func (s *fakeSchedules) FindByOwner(_ context.Context, owner string) ([]*scheduler.Entry, error) {
	var out []*scheduler.Entry
	for _, e := range s.entries {
		if e.OwnerID == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeSchedules) Delete(_ context.Context, id int64, owner string) (bool, error) {
	for i, e := range s.entries {
		if e.ID == id && e.OwnerID == owner {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func newTestBridge(t *testing.T, bot *fakeBot, runner *fakeRunner, allowed ...int64) *Bridge {
	t.Helper()
	return NewBridge(BridgeConfig{
		Client: newTestClient(t, bot, MaxMessageLen),
		Runner: runner,
		Schedules: &fakeSchedules{entries: []*scheduler.Entry{
			{ID: 1, OwnerID: "42", Kind: scheduler.KindStatic, Frequency: scheduler.FrequencyDaily, TimeOfDay: "08:00", Content: "Stand-up", Active: true},
			{ID: 2, OwnerID: "7", Kind: scheduler.KindStatic, Frequency: scheduler.FrequencyDaily, TimeOfDay: "09:00", Content: "theirs", Active: true},
		}},
		Logger:       slog.New(slog.DiscardHandler),
		AllowedUsers: allowed,
	})
}

func textMessage(from int64, text string) *Message {
	return &Message{MessageID: 1, From: &User{ID: from}, Chat: Chat{ID: from, Type: "private"}, Text: text}
}

func TestBridge_Turn(t *testing.T) {
	bot := &fakeBot{}
	runner := &fakeRunner{reply: "**Done.**"}
	b := newTestBridge(t, bot, runner)

	b.handleMessage(context.Background(), textMessage(42, "  hello  "))

	if len(runner.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(runner.turns))
	}
	turn := runner.turns[0]
	if turn.ThreadID != "42" || turn.OwnerID != "42" || turn.Text != "hello" {
		t.Errorf("turn = %+v", turn)
	}
	sent := bot.messages()
	if len(sent) != 1 || sent[0].Text != "<b>Done.</b>" || sent[0].ParseMode != "HTML" || sent[0].ChatID != 42 {
		t.Errorf("sent = %+v", sent)
	}
}

func TestBridge_TurnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"loop exceeded", fmt.Errorf("turn: %w", agent.ErrToolLoopExceeded)},
		{"model unavailable", agent.ErrModelUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := &fakeBot{}
			b := newTestBridge(t, bot, &fakeRunner{err: tt.err})
			b.handleMessage(context.Background(), textMessage(42, "hi"))
			sent := bot.messages()
			want := RenderMarkdown(agent.UserMessage(tt.err))
			if len(sent) != 1 || sent[0].Text != want {
				t.Errorf("sent = %+v, want %q", sent, want)
			}
		})
	}
}

func TestBridge_AllowedUsers(t *testing.T) {
	bot := &fakeBot{}
	runner := &fakeRunner{reply: "ok"}
	b := newTestBridge(t, bot, runner, 42)

	b.handleMessage(context.Background(), textMessage(99, "let me in"))
	if len(runner.turns) != 0 || len(bot.messages()) != 0 {
		t.Fatalf("unauthorized user was served: turns=%d sent=%d", len(runner.turns), len(bot.messages()))
	}
	b.handleMessage(context.Background(), textMessage(42, "hi"))
	if len(runner.turns) != 1 {
		t.Errorf("allowed user not served")
	}
}

func TestBridge_Photo(t *testing.T) {
	bot := &fakeBot{}
	runner := &fakeRunner{reply: "A cat."}
	b := newTestBridge(t, bot, runner)

	m := &Message{
		From:    &User{ID: 42},
		Chat:    Chat{ID: 42},
		Caption: "what is this?",
		Photo: []PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "big", Width: 800, Height: 600},
		},
	}
	b.handleMessage(context.Background(), m)

	if len(runner.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(runner.turns))
	}
	turn := runner.turns[0]
	if turn.Text != "what is this?" || len(turn.Images) != 1 {
		t.Fatalf("turn = %+v", turn)
	}
	img := turn.Images[0]
	if img.Kind != memory.PartImage || img.MIMEType != "image/png" || string(img.Data) != string(pngBytes) {
		t.Errorf("image = %+v", img)
	}
}

func TestBridge_Commands(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/help", helpText},
		{"/start@SidekickBot", helpText},
		{"/schedules", "Active schedules:\n#1 every day at 08:00 [static]: Stand-up"},
		{"/delete", "Usage: /delete <id>"},
		{"/delete x", "Usage: /delete <id>"},
		{"/delete 2", "No active schedule #2 found."},
		{"/delete #1", "Deleted schedule #1."},
		{"/reset", "Conversation cleared."},
		{"/summary", "Nothing to summarize yet."},
		{"/launch", "Unknown command. Try /help."},
	}
	bot := &fakeBot{}
	runner := &fakeRunner{}
	b := newTestBridge(t, bot, runner)
	for i, tt := range tests {
		b.handleMessage(context.Background(), textMessage(42, tt.text))
		sent := bot.messages()
		if len(sent) != i+1 {
			t.Fatalf("%s: sent %d messages, want %d", tt.text, len(sent), i+1)
		}
		got := sent[i]
		if got.Text != tt.want || got.ParseMode != "" {
			t.Errorf("%s: reply = %q (mode %q), want %q", tt.text, got.Text, got.ParseMode, tt.want)
		}
	}
	if len(runner.turns) != 0 {
		t.Errorf("commands reached the orchestrator: %+v", runner.turns)
	}
	if len(runner.resets) != 1 || runner.resets[0] != "42" {
		t.Errorf("resets = %v", runner.resets)
	}
}

func TestBridge_Deliver(t *testing.T) {
	bot := &fakeBot{}
	b := newTestBridge(t, bot, &fakeRunner{})
	if err := b.Deliver(context.Background(), "42", "Stand-up"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sent := bot.messages(); len(sent) != 1 || sent[0].ChatID != 42 || sent[0].Text != "Stand-up" {
		t.Errorf("sent = %+v", sent)
	}
	if err := b.Deliver(context.Background(), "not-a-chat", "x"); err == nil {
		t.Error("Deliver to a non-numeric owner should fail")
	}
}

func TestBridge_Start(t *testing.T) {
	bot := &fakeBot{updates: []Update{
		{UpdateID: 10, Message: textMessage(42, "one")},
		{UpdateID: 11},
		{UpdateID: 12, Message: textMessage(42, "two")},
	}}
	runner := &fakeRunner{reply: "ok"}
	b := newTestBridge(t, bot, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for (runner.turnCount() < 2 || len(bot.messages()) < 2) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if runner.turnCount() != 2 {
		t.Errorf("turns = %d, want 2", runner.turnCount())
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.offsets) < 2 || bot.offsets[0] != 0 || bot.offsets[1] != 13 {
		t.Errorf("offsets = %v, want [0 13 ...]", bot.offsets)
	}
}

func TestBridge_StartKeepsChatOrder(t *testing.T) {
	photo := &Message{
		MessageID: 1,
		From:      &User{ID: 42},
		Chat:      Chat{ID: 42},
		Caption:   "what is this?",
		Photo:     []PhotoSize{{FileID: "big", Width: 800, Height: 600}},
	}
	bot := &fakeBot{
		fileDelay: 100 * time.Millisecond,
		updates: []Update{
			{UpdateID: 1, Message: photo},
			{UpdateID: 2, Message: textMessage(42, "and this one?")},
			{UpdateID: 3, Message: textMessage(7, "hello")},
		},
	}
	runner := &fakeRunner{reply: "ok"}
	b := newTestBridge(t, bot, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for runner.turnCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	var chat42 []string
	for _, turn := range runner.turns {
		if turn.ThreadID == "42" {
			chat42 = append(chat42, turn.Text)
		}
	}
	want := []string{"what is this?", "and this one?"}
	if len(runner.turns) != 3 || len(chat42) != 2 || chat42[0] != want[0] || chat42[1] != want[1] {
		t.Errorf("chat 42 turns = %q (of %d), want %q", chat42, len(runner.turns), want)
	}
}

func TestClient_HTMLFallback(t *testing.T) {
	bot := &fakeBot{rejectHTML: true}
	c := newTestClient(t, bot, MaxMessageLen)
	if err := c.Send(context.Background(), 1, "**a & b**", FormatMarkdown); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := bot.messages()
	if len(sent) != 1 || sent[0].ParseMode != "" || sent[0].Text != "a & b" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestClient_SendChunks(t *testing.T) {
	bot := &fakeBot{}
	c := newTestClient(t, bot, 64)
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 10)
	if err := c.Send(context.Background(), 1, text, FormatPlain); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := bot.messages()
	if len(sent) < 7 {
		t.Fatalf("sent %d chunks, want at least 7", len(sent))
	}
	var got []string
	for _, m := range sent {
		if units(m.Text) > 64 {
			t.Errorf("chunk too long: %d", units(m.Text))
		}
		got = append(got, strings.Fields(m.Text)...)
	}
	if strings.Join(got, " ") != strings.Join(strings.Fields(text), " ") {
		t.Errorf("chunks lost text")
	}
}

func TestClient_DeliveryError(t *testing.T) {
	bot := &fakeBot{failSend: http.StatusForbidden}
	c := newTestClient(t, bot, MaxMessageLen)
	err := c.Send(context.Background(), 5, "hello", FormatMarkdown)

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DeliveryError", err)
	}
	if de.ChatID != 5 || de.Chunk != 0 || de.Total != 1 {
		t.Errorf("DeliveryError = %+v", de)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusForbidden {
		t.Errorf("wrapped error = %v, want 403 APIError", err)
	}
}

func TestClient_ErrorsHideToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(config.TelegramConfig{Token: testToken, APIURL: url}, slog.New(slog.DiscardHandler))
	err := c.SendMessage(context.Background(), 1, "x", "")
	if err == nil {
		t.Fatal("expected an error from a closed server")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("error leaks the token: %v", err)
	}
}

func TestClient_Download(t *testing.T) {
	bot := &fakeBot{}
	c := newTestClient(t, bot, MaxMessageLen)
	f, err := c.GetFile(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	data, err := c.Download(context.Background(), f)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Errorf("data = %q", data)
	}
	if _, err := c.Download(context.Background(), &File{FilePath: "x", FileSize: maxFileSize + 1}); err == nil {
		t.Error("oversized file should be refused")
	}
}

func TestClient_GetMe(t *testing.T) {
	c := newTestClient(t, &fakeBot{}, MaxMessageLen)
	me, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if me.ID != 123 || !me.IsBot || me.Username != "sidekick_bot" {
		t.Errorf("me = %+v", me)
	}
}
