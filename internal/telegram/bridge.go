package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/sidekick/internal/agent"
	"github.com/nugget/sidekick/internal/memory"
	"github.com/nugget/sidekick/internal/scheduler"
	"github.com/nugget/sidekick/internal/tools"
)

// handleTimeout bounds how long a single inbound message may be
// processed (turn + reply).
const handleTimeout = 5 * time.Minute

// typingInterval refreshes the typing indicator, which Telegram clears
// after about five seconds.
const typingInterval = 4 * time.Second

const helpText = `I'm your assistant. Just write to me, or send a photo with a caption.

/schedules  list your schedules
/delete <id>  delete a schedule
/summary  summarize our conversation
/reset  start a fresh conversation
/help  show this message`

// Runner is the conversation surface the bridge drives. The real
// implementation is *agent.Orchestrator.
type Runner interface {
	Run(ctx context.Context, turn agent.Turn) (string, error)
	Reset(ctx context.Context, threadID string) error
	Summarize(ctx context.Context, threadID, ownerID string) (string, error)
}

// ScheduleStore is the part of the schedule store the commands use.
type ScheduleStore interface {
	FindByOwner(ctx context.Context, ownerID string) ([]*scheduler.Entry, error)
	Delete(ctx context.Context, id int64, ownerID string) (bool, error)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client        *Client
	Runner        Runner
	Schedules     ScheduleStore
	Logger        *slog.Logger
	AllowedUsers  []int64 // empty allows everyone
	MaxConcurrent int     // concurrent update handlers
}

// Bridge receives Telegram updates, routes them through the
// orchestrator, and sends the replies back. It also delivers
// scheduled messages.
type Bridge struct {
	client    *Client
	runner    Runner
	schedules ScheduleStore
	logger    *slog.Logger
	allowed   []int64
	sem       chan struct{}

	mu sync.Mutex
	// queues holds pending messages per chat. A key is present while
	// that chat's worker is running.
	queues map[int64][]*Message

	wg sync.WaitGroup
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = 8
	}
	return &Bridge{
		client:    cfg.Client,
		runner:    cfg.Runner,
		schedules: cfg.Schedules,
		logger:    logger,
		allowed:   cfg.AllowedUsers,
		sem:       make(chan struct{}, n),
		queues:    make(map[int64][]*Message),
	}
}

// Start long-polls for updates until ctx is cancelled. Messages from
// one chat are handled in arrival order; different chats run
// concurrently. It returns after in-flight handlers finish.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("telegram bridge started")
	defer func() {
		b.wg.Wait()
		b.logger.Info("telegram bridge stopped")
	}()

	var offset int64
	backoff := time.Second
	for ctx.Err() == nil {
		updates, err := b.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("telegram getUpdates failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			if u.Message == nil {
				continue
			}
			b.enqueue(ctx, u.Message)
		}
	}
}

// enqueue adds m to its chat's queue, starting a worker for the chat
// if none is running.
func (b *Bridge) enqueue(ctx context.Context, m *Message) {
	b.mu.Lock()
	q, running := b.queues[m.Chat.ID]
	b.queues[m.Chat.ID] = append(q, m)
	b.mu.Unlock()
	if running {
		return
	}
	b.wg.Add(1)
	go b.drain(ctx, m.Chat.ID)
}

// drain handles a chat's messages one at a time until its queue is
// empty. Each message holds a slot of the shared semaphore.
func (b *Bridge) drain(ctx context.Context, chatID int64) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.queues[chatID]
		if len(q) == 0 || ctx.Err() != nil {
			delete(b.queues, chatID)
			b.mu.Unlock()
			return
		}
		m := q[0]
		b.queues[chatID] = q[1:]
		b.mu.Unlock()

		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}
		b.handleMessage(ctx, m)
		<-b.sem
	}
}

// Deliver sends a scheduled message to the owner's private chat.
func (b *Bridge) Deliver(ctx context.Context, ownerID, text string) error {
	chatID, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram deliver: owner %q is not a chat id", ownerID)
	}
	return b.client.Send(ctx, chatID, text, FormatMarkdown)
}

func (b *Bridge) allowedUser(id int64) bool {
	return len(b.allowed) == 0 || slices.Contains(b.allowed, id)
}

// handleMessage processes one inbound message and replies.
func (b *Bridge) handleMessage(ctx context.Context, m *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if m.From == nil || m.From.IsBot {
		return
	}
	if !b.allowedUser(m.From.ID) {
		b.logger.Warn("telegram message from unauthorized user",
			"user_id", m.From.ID, "username", m.From.Username)
		return
	}

	ownerID := strconv.FormatInt(m.From.ID, 10)
	threadID := strconv.FormatInt(m.Chat.ID, 10)
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	log := b.logger.With("thread", threadID, "owner", ownerID)

	if strings.HasPrefix(text, "/") && len(m.Photo) == 0 {
		b.reply(ctx, m.Chat.ID, b.command(ctx, threadID, ownerID, text), FormatPlain)
		return
	}

	stopTyping := b.typing(ctx, m.Chat.ID)
	defer stopTyping()

	var images []memory.Part
	if len(m.Photo) > 0 {
		img, err := b.fetchPhoto(ctx, m.Photo)
		if err != nil {
			log.Error("telegram photo download failed", "error", err)
			stopTyping()
			b.reply(ctx, m.Chat.ID, "Sorry, I couldn't download that photo.", FormatPlain)
			return
		}
		images = append(images, img)
	}
	if text == "" && len(images) == 0 {
		return
	}

	log.Info("telegram message received", "len", len(text), "images", len(images))
	reply, err := b.runner.Run(ctx, agent.Turn{
		ThreadID: threadID,
		OwnerID:  ownerID,
		Text:     text,
		Images:   images,
	})
	stopTyping()
	if err != nil {
		log.Error("turn failed", "error", err)
		reply = agent.UserMessage(err)
	}
	b.reply(ctx, m.Chat.ID, reply, FormatMarkdown)
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string, format Format) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := b.client.Send(ctx, chatID, text, format); err != nil {
		b.logger.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// typing shows the typing indicator until the returned func is called.
// The func may be called more than once.
func (b *Bridge) typing(ctx context.Context, chatID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := b.client.SendChatAction(ctx, chatID, "typing"); err != nil && ctx.Err() == nil {
				b.logger.Debug("telegram typing indicator failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// fetchPhoto downloads the largest size of a photo.
func (b *Bridge) fetchPhoto(ctx context.Context, sizes []PhotoSize) (memory.Part, error) {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	f, err := b.client.GetFile(ctx, best.FileID)
	if err != nil {
		return memory.Part{}, err
	}
	data, err := b.client.Download(ctx, f)
	if err != nil {
		return memory.Part{}, err
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return memory.Part{Kind: memory.PartImage, MIMEType: mime, Data: data}, nil
}

// command handles a slash command and returns the reply.
func (b *Bridge) command(ctx context.Context, threadID, ownerID, text string) string {
	fields := strings.Fields(text)
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	args := fields[1:]
	log := b.logger.With("thread", threadID, "owner", ownerID, "command", name)

	switch name {
	case "/start", "/help":
		return helpText

	case "/schedules":
		if b.schedules == nil {
			return "Schedules are not available."
		}
		entries, err := b.schedules.FindByOwner(ctx, ownerID)
		if err != nil {
			log.Error("list schedules failed", "error", err)
			return agent.UserMessage(err)
		}
		return tools.FormatSchedules(entries)

	case "/delete":
		if b.schedules == nil {
			return "Schedules are not available."
		}
		if len(args) != 1 {
			return "Usage: /delete <id>"
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
		if err != nil || id < 1 {
			return "Usage: /delete <id>"
		}
		ok, err := b.schedules.Delete(ctx, id, ownerID)
		if err != nil {
			log.Error("delete schedule failed", "id", id, "error", err)
			return agent.UserMessage(err)
		}
		if !ok {
			return fmt.Sprintf("No active schedule #%d found.", id)
		}
		return fmt.Sprintf("Deleted schedule #%d.", id)

	case "/reset":
		if err := b.runner.Reset(ctx, threadID); err != nil {
			log.Error("reset failed", "error", err)
			return agent.UserMessage(err)
		}
		return "Conversation cleared."

	case "/summary":
		summary, err := b.runner.Summarize(ctx, threadID, ownerID)
		if err != nil {
			log.Error("summarize failed", "error", err)
			return agent.UserMessage(err)
		}
		if summary == "" {
			return "Nothing to summarize yet."
		}
		return summary
	}
	return "Unknown command. Try /help."
}
