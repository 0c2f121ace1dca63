package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestAsk(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(Response{
			Reply:  "Attach the operative report.",
			Action: &Action{Type: "attach_document", Confidence: 0.8},
		})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, APIKey: "key-1"}, zerolog.Nop())
	resp, err := c.Ask(context.Background(), Request{
		Prompt:  "Why was this claim denied?",
		Context: Context{ApplicationType: "billing", Role: "billing", AllowedActions: []string{"attach_document"}},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Reply != "Attach the operative report." || resp.Action == nil || resp.Action.Type != "attach_document" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.Prompt != "Why was this claim denied?" || got.Context.ApplicationType != "billing" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestAsk_Disabled(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	if _, err := c.Ask(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestAsk_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(Config{URL: server.URL}, zerolog.Nop())
	if _, err := c.Ask(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Error("expected error for 400 response")
	}
}

func TestAsk_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL}, zerolog.Nop())
	if _, err := c.Ask(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Error("expected decode error")
	}
}
