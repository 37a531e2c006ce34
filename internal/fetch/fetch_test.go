package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const tripPage = `<!DOCTYPE html>
<html><head><title> Trip
  Notes </title><style>body{}</style></head>
<body><nav>Home | About</nav>
<main>
  <h1>Packing</h1>
  <p>Bring <b>boots</b>.</p>
  <ul><li>Tent</li><li>Stove</li></ul>
  <table><tr><th>Day</th><th>Km</th></tr><tr><td>1</td><td>12</td></tr></table>
  <script>track()</script>
</main>
<footer>(c) 2026</footer>
</body></html>`

func TestReadable(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantTitle string
		wantText  string
	}{
		{
			name:      "main subtree",
			doc:       tripPage,
			wantTitle: "Trip Notes",
			wantText:  "Packing\n\nBring boots.\n\n- Tent\n- Stove\n\nDay | Km\n\n1 | 12",
		},
		{
			name:     "whole body without main",
			doc:      `<body><header>Site</header><div>One</div><div>Two <br>lines</div><aside>ad</aside></body>`,
			wantText: "One\n\nTwo\nlines",
		},
		{
			name:      "article fallback",
			doc:       `<title>News</title><nav>x</nav><article><p>Story.</p></article><p>Comments</p>`,
			wantTitle: "News",
			wantText:  "Story.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, text := Readable(tt.doc)
			if title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
		})
	}
}

func TestClient_Get(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(tripPage))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("  abcdefghij  "))
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such page"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(WithPrivateNetworks())
	ctx := context.Background()

	page, err := c.Get(ctx, srv.URL+"/trip", 0)
	if err != nil {
		t.Fatalf("Get trip: %v", err)
	}
	if page.Title != "Trip Notes" || !strings.HasPrefix(page.Text, "Packing") || page.Status != 200 {
		t.Errorf("trip page = %+v", page)
	}

	page, err = c.Get(ctx, srv.URL+"/plain", 4)
	if err != nil {
		t.Fatalf("Get plain: %v", err)
	}
	if page.Text != "abcd" || !page.Truncated {
		t.Errorf("plain page = %+v, want truncated abcd", page)
	}

	page, err = c.Get(ctx, srv.URL+"/image", 0)
	if err != nil {
		t.Fatalf("Get image: %v", err)
	}
	if page.Text != "[image/png content, 4 bytes]" {
		t.Errorf("image text = %q", page.Text)
	}

	page, err = c.Get(ctx, srv.URL+"/gone", 0)
	if err != nil {
		t.Fatalf("Get gone: %v", err)
	}
	if page.Status != http.StatusNotFound || page.Text != "no such page" {
		t.Errorf("gone page = %+v", page)
	}
}

func TestClient_BlocksPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("private address was dialed")
	}))
	defer srv.Close()

	_, err := New().Get(context.Background(), srv.URL, 0)
	if !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("err = %v, want ErrBlockedAddress", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "example.com/a", want: "https://example.com/a"},
		{in: "  http://example.com ", want: "http://example.com"},
		{in: "", wantErr: true},
		{in: "ftp://example.com", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalize(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
