package statushub

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
)

func TestBroadcastReachesListener(t *testing.T) {
	hub := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(protocol.Status{Message: "Speaking 1/2", Kind: protocol.StatusSpeaking, RequestID: "abc"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got protocol.Status
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != protocol.StatusSpeaking || got.RequestID != "abc" || got.Message != "Speaking 1/2" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestListenerRemovedOnDisconnect(t *testing.T) {
	hub := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastDoesNotWaitForStalledListener(t *testing.T) {
	hub := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	// Never read from this connection.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	padding := strings.Repeat("x", 4096)
	start := time.Now()
	for i := 0; i < sendBuffer*8; i++ {
		hub.Broadcast(protocol.Status{Message: padding, Kind: protocol.StatusSpeaking, RequestID: "abc"})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("broadcast blocked on a stalled listener for %v", elapsed)
	}
}
