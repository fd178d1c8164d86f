package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTelegramSender_SendOK(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("test-token")
	s.baseURL = srv.URL

	latency, err := s.Send(context.Background(), 42, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if latency <= 0 {
		t.Fatal("latency should be measured")
	}
	if body["chat_id"] != "42" {
		t.Fatalf("chat_id = %v, want \"42\"", body["chat_id"])
	}
	if body["parse_mode"] != "MarkdownV2" {
		t.Fatalf("parse_mode = %v, want MarkdownV2", body["parse_mode"])
	}
}

func TestTelegramSender_ForbiddenMeansBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewTelegramSender("test-token")
	s.baseURL = srv.URL

	_, err := s.Send(context.Background(), 7, "hello")
	if !errors.Is(err, ErrUserBlocked) {
		t.Fatalf("got %v, want ErrUserBlocked", err)
	}
}

func TestTelegramSender_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewTelegramSender("test-token")
	s.baseURL = srv.URL

	_, err := s.Send(context.Background(), 7, "hello")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if errors.Is(err, ErrUserBlocked) {
		t.Fatal("502 must not map to ErrUserBlocked")
	}
}
