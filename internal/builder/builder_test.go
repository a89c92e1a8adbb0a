package builder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestHTTPClientBuildAndSave(t *testing.T) {
	var got buildRequest
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("/build", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(Config{Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	if err := c.BuildAndSave(context.Background(), "doc text", "0xabc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Document != "doc text" || got.Owner != "0xabc" {
		t.Errorf("request = %+v", got)
	}
	if auth != "Bearer k" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Endpoint: srv.URL}, zap.NewNop())
	err := c.BuildAndSave(context.Background(), "doc", "0xabc")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("error = %v", err)
	}
}

func TestHTTPClientRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewHTTPClient(Config{Endpoint: srv.URL, RatePerMinute: 1}, zap.NewNop())
	if err := c.BuildAndSave(context.Background(), "doc", "o"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.BuildAndSave(ctx, "doc", "o"); err == nil {
		t.Fatal("expected rate limit wait to fail on cancelled context")
	}
}

func TestFuncAdapter(t *testing.T) {
	called := false
	var b Builder = Func(func(ctx context.Context, document, owner string) error {
		called = true
		return nil
	})
	b.BuildAndSave(context.Background(), "d", "o")
	if !called {
		t.Error("func not called")
	}
}
