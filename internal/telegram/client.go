// Package telegram connects the assistant to the Telegram Bot API:
// long-poll intake, Markdown rendering to Telegram HTML, and chunked
// delivery.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/httpkit"
)

// maxFileSize bounds downloads. Bot API getFile serves at most 20 MB.
const maxFileSize = 20 << 20

// Client calls the Bot API over HTTPS.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	pollTimeout time.Duration
	maxLen      int
}

// NewClient creates a Bot API client from cfg.
func NewClient(cfg config.TelegramConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	poll := time.Duration(cfg.PollTimeout) * time.Second
	maxLen := cfg.MaxMessageLen
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.APIURL, "/"),
		token:       cfg.Token,
		http:        httpkit.NewClient(httpkit.WithTimeout(poll + 15*time.Second)),
		logger:      logger,
		pollTimeout: poll,
		maxLen:      maxLen,
	}
}

// call posts params as JSON to method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal: %w", method, err)
	}
	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs and errors.
		return fmt.Errorf("telegram %s: %w", method, redact(err))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var env apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		return fmt.Errorf("telegram %s: HTTP %d: decode: %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// GetMe returns the bot's own account. It doubles as a cheap
// credentials check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// SendMessage sends one message. parseMode is "HTML" or empty for
// plain text. text must already fit the API limit.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if parseMode != "" {
		params["parse_mode"] = parseMode
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// SendChatAction shows a status such as "typing" for a few seconds.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	return &f, nil
}

// Download fetches a file returned by GetFile.
func (c *Client) Download(ctx context.Context, f *File) ([]byte, error) {
	if f.FileSize > maxFileSize {
		return nil, fmt.Errorf("telegram download: file is %d bytes, limit %d", f.FileSize, maxFileSize)
	}
	url := c.baseURL + "/file/bot" + c.token + "/" + f.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", redact(err))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download %s: HTTP %d", f.FilePath, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("telegram download: file exceeds %d bytes", maxFileSize)
	}
	return data, nil
}

// Format says how Send should interpret text.
type Format int

const (
	FormatMarkdown Format = iota // rendered to Telegram HTML
	FormatHTML                   // sanitized to Telegram HTML
	FormatPlain                  // sent as is
)

// Send delivers text to chatID, splitting it into chunks that fit the
// message limit. Markdown and HTML are sanitized to Telegram's tag
// set; a chunk whose HTML Telegram rejects is resent as plain text.
// A failure stops delivery and returns *DeliveryError.
func (c *Client) Send(ctx context.Context, chatID int64, text string, format Format) error {
	var (
		chunks []string
		mode   = "HTML"
	)
	switch format {
	case FormatMarkdown:
		chunks = Chunk(RenderMarkdown(text), c.maxLen)
	case FormatHTML:
		chunks = Chunk(Sanitize(text), c.maxLen)
	default:
		chunks = chunkPlain(text, c.maxLen)
		mode = ""
	}

	for i, chunk := range chunks {
		err := c.sendChunk(ctx, chatID, chunk, mode)
		if err != nil && mode != "" && isParseError(err) {
			c.logger.Warn("telegram rejected HTML, resending as plain text",
				"chat_id", chatID, "chunk", i, "error", err)
			err = c.sendChunk(ctx, chatID, PlainText(chunk), "")
		}
		if err != nil {
			return &DeliveryError{ChatID: chatID, Chunk: i, Total: len(chunks), Err: err}
		}
	}
	c.logger.Debug("telegram message sent", "chat_id", chatID, "chunks", len(chunks), "len", len(text))
	return nil
}

// sendChunk sends one chunk, waiting out a single flood-control reply.
func (c *Client) sendChunk(ctx context.Context, chatID int64, text, mode string) error {
	err := c.SendMessage(ctx, chatID, text, mode)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests && apiErr.RetryAfter > 0 && apiErr.RetryAfter <= time.Minute {
		c.logger.Warn("telegram flood control", "chat_id", chatID, "retry_after", apiErr.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(apiErr.RetryAfter):
		}
		err = c.SendMessage(ctx, chatID, text, mode)
	}
	return err
}

// redact strips the request URL, which carries the bot token, from
// transport errors.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

// isParseError reports whether Telegram refused the message markup.
func isParseError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "parse entities")
}
