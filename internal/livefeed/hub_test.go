package livefeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func startHub(t *testing.T, allowedOrigins ...string) (*Hub, string) {
	t.Helper()
	state := func() protocol.StatusInfo {
		return protocol.StatusInfo{State: session.StateIdle, EngineID: "mock", Engines: []string{"mock"}}
	}
	hub := NewHub(state, allowedOrigins, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv.URL
}

func dial(t *testing.T, serverURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(serverURL, "http"), header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func newTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub, serverURL := startHub(t)
	conn, _, err := dial(t, serverURL, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// The state message is only written once the client is registered.
	var hello Message
	readMessage(t, conn, &hello)
	if hello.Type != "state" || hello.State == nil || hello.State.EngineID != "mock" {
		t.Fatalf("unexpected hello %+v", hello)
	}
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn, msg *Message) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(msg); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestHubBroadcastsTranscripts(t *testing.T) {
	hub, conn := newTestHub(t)
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}
	err := hub.Append(context.Background(), transcript.Fragment{SessionID: "s1", Seq: 3, EngineID: "mock", Text: "hello"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	var msg Message
	readMessage(t, conn, &msg)
	if msg.Type != "transcript" || msg.Transcript == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Transcript.Text != "hello" || msg.Transcript.Seq != 3 || msg.Transcript.SessionID != "s1" {
		t.Fatalf("unexpected transcript %+v", msg.Transcript)
	}
}

func TestHubBroadcastsStatus(t *testing.T) {
	hub, conn := newTestHub(t)
	hub.Observe(session.Event{Kind: session.EventSessionFailed, SessionID: "s1", Err: errors.New("device gone")})

	var msg Message
	readMessage(t, conn, &msg)
	if msg.Type != "status" || msg.Status == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Status.Kind != string(session.EventSessionFailed) || msg.Status.Error != "device gone" {
		t.Fatalf("unexpected status %+v", msg.Status)
	}
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub, conn := newTestHub(t)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client was not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := hub.Append(context.Background(), transcript.Fragment{Text: "nobody"}); err != nil {
		t.Fatalf("append without clients: %v", err)
	}
}

func TestHubRejectsForeignOrigins(t *testing.T) {
	hub, serverURL := startHub(t, "https://console.example.com/")

	_, resp, err := dial(t, serverURL, "https://evil.example.net")
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
	if hub.Clients() != 0 {
		t.Fatalf("rejected client was registered")
	}

	if _, _, err := dial(t, serverURL, serverURL); err != nil {
		t.Fatalf("same origin: %v", err)
	}
	if _, _, err := dial(t, serverURL, "https://Console.example.com"); err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
}

func TestHubWildcardOrigin(t *testing.T) {
	_, serverURL := startHub(t, "*")
	if _, _, err := dial(t, serverURL, "https://anywhere.example.org"); err != nil {
		t.Fatalf("wildcard origin: %v", err)
	}
}
