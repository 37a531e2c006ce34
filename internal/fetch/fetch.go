// Package fetch downloads web pages and reduces them to readable text
// for the model.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/nugget/sidekick/internal/httpkit"
)

const (
	DefaultTimeout  = 20 * time.Second
	DefaultMaxBytes = 4 << 20
	DefaultMaxChars = 20000
)

// ErrBlockedAddress is returned for URLs that resolve to loopback,
// private or link-local addresses.
var ErrBlockedAddress = errors.New("address is not publicly routable")

// Page is the readable form of a fetched URL.
type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithPrivateNetworks permits fetching from non-public addresses.
func WithPrivateNetworks() Option {
	return func(c *Client) { c.allowPrivate = true }
}

// WithMaxBytes caps how much of a response body is read.
func WithMaxBytes(n int64) Option {
	return func(c *Client) { c.maxBytes = n }
}

// Client fetches pages over HTTP(S).
type Client struct {
	http         *http.Client
	maxBytes     int64
	allowPrivate bool
}

// New creates a Client. By default only public addresses are dialed.
func New(opts ...Option) *Client {
	c := &Client{maxBytes: DefaultMaxBytes}
	for _, o := range opts {
		o(c)
	}

	transport := httpkit.NewTransport()
	if !c.allowPrivate {
		dialer := &net.Dialer{
			Timeout:   httpkit.DefaultDialTimeout,
			KeepAlive: httpkit.DefaultKeepAlive,
			Control:   publicOnly,
		}
		transport.DialContext = dialer.DialContext
		transport.Proxy = nil
	}
	c.http = httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout), httpkit.WithTransport(transport))
	return c
}

// Get fetches rawURL and returns at most maxChars characters of
// readable text (0 means DefaultMaxChars). A bare host gets https://.
// Non-2xx responses are returned as pages so the model can see them.
func (c *Client) Get(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	u, err := normalize(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return nil, ErrBlockedAddress
		}
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}

	page := &Page{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	mediaType, _, _ := mime.ParseMediaType(page.ContentType)
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page.Title, page.Text = Readable(string(body))
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" || mediaType == "":
		if !utf8.Valid(body) {
			page.Text = fmt.Sprintf("[binary content, %d bytes]", len(body))
			break
		}
		page.Text = strings.TrimSpace(string(body))
	default:
		page.Text = fmt.Sprintf("[%s content, %d bytes]", mediaType, len(body))
	}

	page.Text, page.Truncated = truncate(page.Text, maxChars)
	return page, nil
}

func normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("url is required")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	return u.String(), nil
}

// publicOnly is a net.Dialer Control hook; it sees the resolved
// address, so DNS names pointing inward are caught too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ErrBlockedAddress
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("%s: %w", ip, ErrBlockedAddress)
	}
	return nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return strings.TrimSpace(s[:pos]), true
		}
		i++
	}
	return s, false
}
