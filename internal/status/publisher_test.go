package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/prometheus/client_golang/prometheus"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "status-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherHeartbeatAndEvents(t *testing.T) {
	client := connect(t)
	beats, err := client.Conn().SubscribeSync(protocol.SubjectHeartbeat)
	if err != nil {
		t.Fatalf("subscribe heartbeat: %v", err)
	}
	events, err := client.Conn().SubscribeSync(protocol.SubjectStatusEvent)
	if err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	_ = client.Conn().Flush()

	snapshot := func() session.Status {
		return session.Status{State: session.StateRunning, EngineID: "mock", Session: &session.Info{ID: "s1"}}
	}
	reg := prometheus.NewRegistry()
	p, err := NewPublisher(context.Background(), config.NodeConfig{ID: "node-a", HeartbeatInterval: 20}, client, snapshot, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	t.Cleanup(p.Close)

	msg, err := beats.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.NodeID != "node-a" || hb.State != session.StateRunning || hb.SessionID != "s1" {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	if !p.Healthy() {
		t.Fatal("expected healthy publisher after heartbeat")
	}

	p.Observe(session.Event{Kind: session.EventSessionFailed, SessionID: "s1", Err: errors.New("mic unplugged")})
	msg, err = events.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("status event: %v", err)
	}
	var ev protocol.StatusEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Kind != string(session.EventSessionFailed) || ev.Error != "mic unplugged" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := counterValue(t, reg, "scribe_session_failures_total"); got != 1 {
		t.Fatalf("expected 1 failure counted, got %v", got)
	}
	if p.LastEvent().SessionID != "s1" {
		t.Fatalf("unexpected last event %+v", p.LastEvent())
	}
}

func TestToMessageFillsTimestamp(t *testing.T) {
	msg := ToMessage(session.Event{Kind: session.EventEngineReady, EngineID: "mock", Message: "Ready"})
	if msg.Timestamp.IsZero() || msg.Kind != "engine_ready" || msg.Error != "" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
