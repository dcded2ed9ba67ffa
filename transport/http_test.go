package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dmsync/models"
	"dmsync/syncengine"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RelayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewRelayClient(HTTPOptions{
		BaseURL:         server.URL,
		Token:           "secret",
		RetryMaxElapsed: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRelayClient failed: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		t.Errorf("encode response failed: %v", err)
	}
}

func TestRelayClientPollSince(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.URL.Query().Get("since"); got != "41" {
			t.Errorf("unexpected since %q", got)
		}
		writeJSON(t, w, http.StatusOK, MessagesPage{
			Messages: []models.Message{{ID: "42", SenderID: "bob", ReceiverID: "alice", Content: "hi", CreatedAt: 1, Seq: 42}},
			Cursor:   42,
			More:     true,
		})
	})

	result, err := client.PollSince(context.Background(), 41)
	if err != nil {
		t.Fatalf("PollSince failed: %v", err)
	}
	if len(result.Messages) != 1 || result.Cursor != 42 || !result.More {
		t.Fatalf("unexpected poll result %+v", result)
	}
}

func TestRelayClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(t, w, http.StatusServiceUnavailable, ErrorResponse{Error: "warming up"})
			return
		}
		var request SendRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		writeJSON(t, w, http.StatusCreated, SendResponse{Message: models.Message{
			ID:         "7",
			ClientID:   request.ClientID,
			SenderID:   "alice",
			ReceiverID: request.ReceiverID,
			Content:    request.Content,
			CreatedAt:  request.CreatedAt,
			Seq:        7,
		}})
	})

	confirmed, err := client.Send(context.Background(), models.Message{ClientID: "c-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 5})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if confirmed.ID != "7" || confirmed.ClientID != "c-1" {
		t.Fatalf("unexpected confirmation %+v", confirmed)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRelayClientMapsClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/v1/messages" {
			writeJSON(t, w, http.StatusUnprocessableEntity, ErrorResponse{Error: "content too long", Code: "rejected"})
			return
		}
		writeJSON(t, w, http.StatusUnauthorized, ErrorResponse{Error: "expired token"})
	})

	_, err := client.Send(context.Background(), models.Message{ClientID: "c-1", ReceiverID: "bob", Content: "x", CreatedAt: 1})
	if !errors.Is(err, syncengine.ErrSendRejected) {
		t.Fatalf("expected ErrSendRejected, got %v", err)
	}
	if _, err := client.MarkRead(context.Background(), "bob", 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected client errors not retried, got %d calls", calls.Load())
	}
}

func TestRelayClientMarkRead(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/bob/read" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var request ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.UpTo != 99 {
			t.Errorf("unexpected read request %+v (%v)", request, err)
		}
		writeJSON(t, w, http.StatusOK, ReadResponse{Updated: 3})
	})

	updated, err := client.MarkRead(context.Background(), "bob", 99)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if updated != 3 {
		t.Fatalf("expected 3 updated rows, got %d", updated)
	}
}

func TestNewRelayClientValidatesURL(t *testing.T) {
	if _, err := NewRelayClient(HTTPOptions{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := NewRelayClient(HTTPOptions{BaseURL: "ftp://relay"}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
