// Package oauth runs the Google authorization-code flow for calendar
// access and keeps each owner's token encrypted in SQLite.
package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/httpkit"
)

// Google's OAuth endpoints.
const (
	GoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// DefaultScopes grants read/write calendar access.
var DefaultScopes = []string{"https://www.googleapis.com/auth/calendar"}

// StateTTL bounds how long an authorization link stays usable.
const StateTTL = 15 * time.Minute

var (
	// ErrNotAuthorized means the owner has not completed the flow.
	ErrNotAuthorized = errors.New("calendar not authorized")
	// ErrInvalidState means the callback state is forged, malformed,
	// or expired.
	ErrInvalidState = errors.New("invalid oauth state")
)

// Option adjusts a Manager.
type Option func(*Manager)

// WithEndpoint overrides the provider endpoint.
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(m *Manager) { m.conf.Endpoint = ep }
}

// WithHTTPClient sets the client used for token exchange and refresh.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// Manager issues authorization links, handles callbacks, and hands out
// authenticated HTTP clients.
type Manager struct {
	conf       *oauth2.Config
	store      *TokenStore
	stateKey   []byte
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	// saveMu serializes token persistence so concurrent refreshes for
	// one owner do not interleave writes.
	saveMu sync.Mutex
}

// NewManager creates a Manager from configuration.
func NewManager(cfg config.OAuthConfig, store *TokenStore, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if !cfg.Configured() {
		return nil, errors.New("oauth is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	key, err := deriveKey(cfg.Secret, "oauth state")
	if err != nil {
		return nil, err
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	m := &Manager{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  GoogleAuthURL,
				TokenURL: GoogleTokenURL,
			},
		},
		store:      store,
		stateKey:   key,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger)),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AuthURL returns the consent link for owner. Offline access and a
// forced consent prompt make the provider return a refresh token.
func (m *Manager) AuthURL(owner string) string {
	return m.conf.AuthCodeURL(m.signState(owner, m.now()),
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange completes the flow for a callback and returns the owner the
// token was stored for.
func (m *Manager) Exchange(ctx context.Context, code, state string) (string, error) {
	owner, err := m.verifyState(state, m.now())
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", errors.New("missing authorization code")
	}
	tok, err := m.conf.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if err := m.save(ctx, owner, tok); err != nil {
		return "", err
	}
	m.logger.Info("calendar authorized", "owner", owner, "refresh", tok.RefreshToken != "")
	return owner, nil
}

// Authorized reports whether owner has a stored token.
func (m *Manager) Authorized(ctx context.Context, owner string) (bool, error) {
	tok, err := m.store.Load(ctx, owner)
	if err != nil {
		return false, err
	}
	return tok != nil, nil
}

// Revoke forgets owner's token.
func (m *Manager) Revoke(ctx context.Context, owner string) error {
	return m.store.Delete(ctx, owner)
}

// Client returns an HTTP client that authenticates as owner and
// refreshes the token as needed. Refreshed tokens are persisted.
func (m *Manager) Client(ctx context.Context, owner string) (*http.Client, error) {
	tok, err := m.store.Load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNotAuthorized
	}
	// The token source outlives this call, so it must not inherit
	// ctx's cancellation.
	base := m.conf.TokenSource(m.clientContext(context.WithoutCancel(ctx)), tok)
	src := &persistingSource{
		owner: owner,
		last:  tok.AccessToken,
		src:   oauth2.ReuseTokenSource(tok, base),
		save:  func(t *oauth2.Token) error { return m.save(context.WithoutCancel(ctx), owner, t) },
		log:   m.logger,
	}
	return oauth2.NewClient(m.clientContext(ctx), src), nil
}

func (m *Manager) save(ctx context.Context, owner string, tok *oauth2.Token) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.store.Save(ctx, owner, tok)
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// persistingSource stores a token whenever the wrapped source returns
// a new access token.
type persistingSource struct {
	owner string
	src   oauth2.TokenSource
	save  func(*oauth2.Token) error
	log   *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.save(tok); err != nil {
			p.log.Warn("failed to persist refreshed token", "owner", p.owner, "error", err)
		}
	}
	return tok, nil
}

// signState encodes owner and issue time with an HMAC so callbacks
// cannot be forged or replayed after StateTTL.
func (m *Manager) signState(owner string, now time.Time) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(owner)) + "." + strconv.FormatInt(now.Unix(), 10)
	return payload + "." + m.stateMAC(payload)
}

func (m *Manager) verifyState(state string, now time.Time) (string, error) {
	parts := strings.Split(state, ".")
	if len(parts) != 3 {
		return "", ErrInvalidState
	}
	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(m.stateMAC(payload))) {
		return "", ErrInvalidState
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidState
	}
	if age := now.Sub(time.Unix(issued, 0)); age < 0 || age > StateTTL {
		return "", fmt.Errorf("%w: expired", ErrInvalidState)
	}
	owner, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(owner) == 0 {
		return "", ErrInvalidState
	}
	return string(owner), nil
}

func (m *Manager) stateMAC(payload string) string {
	mac := hmac.New(sha256.New, m.stateKey)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
