package token_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parley-ai/parley/internal/token"
)

func TestFetchReturnsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var req struct {
			Room     string `json:"room"`
			Identity string `json:"identity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Room != "sala" || req.Identity != "usuario" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"url":   "wss://rt.example.test",
			"token": "jwt-abc",
		})
	}))
	defer srv.Close()

	c := token.New(srv.URL, "sala", "usuario")
	creds, err := c.Fetch(t.Context())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if creds.Token != "jwt-abc" || creds.URL != "wss://rt.example.test" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if creds.Room != "sala" || creds.Identity != "usuario" {
		t.Fatalf("request fields not defaulted: %+v", creds)
	}
}

func TestFetchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := token.New(srv.URL, "sala", "usuario").Fetch(t.Context())
	if !errors.Is(err, token.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := token.New(srv.URL, "sala", "usuario").Fetch(t.Context())
	if !errors.Is(err, token.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFetchRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := token.New(srv.URL, "sala", "usuario").Fetch(t.Context()); err == nil {
		t.Fatal("expected error for response without token")
	}
}
