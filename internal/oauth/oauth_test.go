package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/sidekick/internal/config"
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

func testConfig() config.OAuthConfig {
	return config.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "shh",
		RedirectURL:  "http://localhost/auth/google/callback",
		Secret:       "test secret",
	}
}

// tokenServer answers token requests with an incrementing access token.
func tokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"invalid_grant"}`)
				return
			}
			fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","refresh_token":"refresh-1","expires_in":3600}`, n)
		case "refresh_token":
			fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600}`, n)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, tokenURL string) (*Manager, *TokenStore) {
	t.Helper()
	store, err := NewTokenStore(testDB(t), "test secret")
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	m, err := NewManager(testConfig(), store, slog.New(slog.DiscardHandler),
		WithEndpoint(oauth2.Endpoint{AuthURL: "https://auth.example/auth", TokenURL: tokenURL}),
		WithHTTPClient(http.DefaultClient),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func TestNewManager_RequiresConfig(t *testing.T) {
	store, err := NewTokenStore(testDB(t), "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(config.OAuthConfig{ClientID: "c"}, store, nil); err == nil {
		t.Fatal("expected error for incomplete config")
	}
}

func TestNewTokenStore_EmptySecret(t *testing.T) {
	if _, err := NewTokenStore(testDB(t), ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestAuthURL(t *testing.T) {
	m, _ := newTestManager(t, "http://unused")
	raw := m.AuthURL("alice")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"client_id":     "client",
		"access_type":   "offline",
		"prompt":        "consent",
		"response_type": "code",
		"redirect_uri":  "http://localhost/auth/google/callback",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if !strings.Contains(q.Get("scope"), "calendar") {
		t.Errorf("scope = %q, want calendar scope", q.Get("scope"))
	}
	owner, err := m.verifyState(q.Get("state"), time.Now())
	if err != nil || owner != "alice" {
		t.Errorf("verifyState = %q, %v", owner, err)
	}
}

func TestVerifyState(t *testing.T) {
	m, _ := newTestManager(t, "http://unused")
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	good := m.signState("telegram:42", issued)

	other, _ := newTestManager(t, "http://unused")
	other.stateKey = []byte("different key")
	forged := other.signState("telegram:42", issued)

	tests := []struct {
		name    string
		state   string
		now     time.Time
		want    string
		wantErr bool
	}{
		{"valid", good, issued.Add(time.Minute), "telegram:42", false},
		{"at ttl", good, issued.Add(StateTTL), "telegram:42", false},
		{"expired", good, issued.Add(StateTTL + time.Second), "", true},
		{"from the future", good, issued.Add(-time.Minute), "", true},
		{"forged", forged, issued, "", true},
		{"tampered", "YWxpY2U." + strings.SplitN(good, ".", 2)[1], issued, "", true},
		{"malformed", "nope", issued, "", true},
		{"empty", "", issued, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.verifyState(tt.state, tt.now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidState) {
				t.Errorf("err = %v, want ErrInvalidState", err)
			}
			if got != tt.want {
				t.Errorf("owner = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExchange(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	m, store := newTestManager(t, srv.URL)
	ctx := context.Background()

	state := m.signState("alice", time.Now())
	owner, err := m.Exchange(ctx, "good-code", state)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if owner != "alice" {
		t.Errorf("owner = %q", owner)
	}
	ok, err := m.Authorized(ctx, "alice")
	if err != nil || !ok {
		t.Errorf("Authorized = %v, %v", ok, err)
	}
	tok, err := store.Load(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if tok.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q", tok.RefreshToken)
	}

	if _, err := m.Exchange(ctx, "bad-code", state); err == nil {
		t.Error("expected error for rejected code")
	}
	if _, err := m.Exchange(ctx, "good-code", "bogus"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("bogus state err = %v", err)
	}
	if ok, _ := m.Authorized(ctx, "bob"); ok {
		t.Error("bob should not be authorized")
	}
}

func TestClient_RefreshesAndPersists(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	m, store := newTestManager(t, srv.URL)
	ctx := context.Background()

	if _, err := m.Client(ctx, "alice"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Client without token err = %v", err)
	}

	expired := &oauth2.Token{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}
	if err := store.Save(ctx, "alice", expired); err != nil {
		t.Fatal(err)
	}

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer api.Close()

	client, err := m.Client(ctx, "alice")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer access-1" {
		t.Errorf("Authorization = %q, want refreshed token", gotAuth)
	}
	stored, err := store.Load(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "access-1" {
		t.Errorf("stored access token = %q", stored.AccessToken)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Errorf("refresh token lost on refresh: %q", stored.RefreshToken)
	}

	if err := m.Revoke(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Authorized(ctx, "alice"); ok {
		t.Error("still authorized after Revoke")
	}
}

func TestTokenStore_EncryptedAtRest(t *testing.T) {
	db := testDB(t)
	store, err := NewTokenStore(db, "secret one")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, "alice", &oauth2.Token{AccessToken: "plain-access", RefreshToken: "plain-refresh"}); err != nil {
		t.Fatal(err)
	}

	var blob []byte
	if err := db.QueryRow(`SELECT token FROM oauth_tokens WHERE owner_id = 'alice'`).Scan(&blob); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(blob), "plain-access") || strings.Contains(string(blob), "plain-refresh") {
		t.Error("token stored in plaintext")
	}

	// A different secret must not decrypt.
	other, err := NewTokenStore(db, "secret two")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Load(ctx, "alice"); err == nil {
		t.Error("expected decrypt failure with another secret")
	}

	// Ciphertext is bound to the owner.
	if _, err := db.Exec(`INSERT INTO oauth_tokens (owner_id, token, updated_at) VALUES ('mallory', ?, '')`, blob); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "mallory"); err == nil {
		t.Error("expected decrypt failure for copied ciphertext")
	}

	missing, err := store.Load(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("Load missing = %v, %v", missing, err)
	}
}

func TestTokenStore_KeepsRefreshToken(t *testing.T) {
	store, err := NewTokenStore(testDB(t), "s")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, "a", &oauth2.Token{AccessToken: "one", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "a", &oauth2.Token{AccessToken: "two"}); err != nil {
		t.Fatal(err)
	}
	tok, err := store.Load(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "two" || tok.RefreshToken != "r" {
		t.Errorf("token = %+v", tok)
	}
}
