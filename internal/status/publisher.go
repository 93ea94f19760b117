package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SnapshotFunc reports the controller state for heartbeats and gauges.
type SnapshotFunc func() session.Status

// Publisher mirrors controller events onto the bus and emits a periodic
// heartbeat carrying the current state.
type Publisher struct {
	cfg      config.NodeConfig
	log      *slog.Logger
	bus      *bus.Client
	snapshot SnapshotFunc

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.RWMutex
	lastEvent protocol.StatusEvent
	lastBeat  time.Time
	healthy   atomic.Bool

	meter       metric.Meter
	activeGauge metric.Int64ObservableGauge
	loadGauge   metric.Int64ObservableGauge
	eventsTotal *prometheus.CounterVec
	failures    prometheus.Counter
}

func NewPublisher(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, snapshot SnapshotFunc, reg prometheus.Registerer, log *slog.Logger) (*Publisher, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		cfg:      cfg,
		log:      log.With(slog.String("component", "status")),
		bus:      busClient,
		snapshot: snapshot,
		meter:    otel.Meter("github.com/loqalabs/loqa-scribe/status"),
		cancel:   cancel,
	}
	factory := promauto.With(reg)
	p.eventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_status_events_total",
		Help: "Status events published, by kind",
	}, []string{"kind"})
	p.failures = factory.NewCounter(prometheus.CounterOpts{
		Name: "scribe_session_failures_total",
		Help: "Sessions discarded after a worker failure",
	})

	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		cancel()
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	p.heartbeat = time.NewTicker(interval)
	p.wg.Add(1)
	go p.runHeartbeat(ctx)

	if err := p.publishHeartbeat(); err != nil {
		p.log.Warn("failed to publish heartbeat", slogError(err))
	}
	return p, nil
}

func (p *Publisher) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.heartbeat != nil {
		p.heartbeat.Stop()
	}
	p.wg.Wait()
}

func (p *Publisher) runHeartbeat(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.heartbeat.C:
			if err := p.publishHeartbeat(); err != nil {
				p.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (p *Publisher) publishHeartbeat() error {
	st := p.snapshot()
	msg := protocol.Heartbeat{
		NodeID:    p.cfg.ID,
		State:     st.State,
		EngineID:  st.EngineID,
		Loading:   st.Loading,
		Timestamp: time.Now().UTC(),
	}
	if st.Session != nil {
		msg.SessionID = st.Session.ID
	}
	if err := p.bus.PublishJSON(protocol.SubjectHeartbeat, msg); err != nil {
		p.healthy.Store(false)
		return err
	}
	p.healthy.Store(true)
	p.mu.Lock()
	p.lastBeat = msg.Timestamp
	p.mu.Unlock()
	return nil
}

// Observe publishes a controller event on the status subject.
func (p *Publisher) Observe(ev session.Event) {
	msg := ToMessage(ev)
	p.eventsTotal.WithLabelValues(msg.Kind).Inc()
	if ev.Kind == session.EventSessionFailed {
		p.failures.Inc()
	}
	p.mu.Lock()
	p.lastEvent = msg
	p.mu.Unlock()
	if err := p.bus.PublishJSON(protocol.SubjectStatusEvent, msg); err != nil {
		p.log.Warn("failed to publish status event", slog.String("kind", msg.Kind), slogError(err))
	}
}

// ToMessage converts a controller event to its wire form.
func ToMessage(ev session.Event) protocol.StatusEvent {
	msg := protocol.StatusEvent{
		Kind:      string(ev.Kind),
		SessionID: ev.SessionID,
		EngineID:  ev.EngineID,
		Message:   ev.Message,
		Attrs:     ev.Attrs,
		Timestamp: ev.Time,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

// LastEvent is the most recent event published.
func (p *Publisher) LastEvent() protocol.StatusEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastEvent
}

// Healthy reports whether the last heartbeat reached the bus.
func (p *Publisher) Healthy() bool {
	return p.healthy.Load() && p.bus.Healthy()
}

func (p *Publisher) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	active, err := p.meter.Int64ObservableGauge("scribe.session.active", metric.WithDescription("1 while a capture session runs"))
	if err != nil {
		return err
	}
	loading, err := p.meter.Int64ObservableGauge("scribe.engine.loading", metric.WithDescription("1 while an engine is loading"))
	if err != nil {
		return err
	}
	p.activeGauge = active
	p.loadGauge = loading
	_, err = p.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := p.snapshot()
		var a, l int64
		if st.Session != nil {
			a = 1
		}
		if st.Loading {
			l = 1
		}
		obs.ObserveInt64(active, a)
		obs.ObserveInt64(loading, l)
		return nil
	}, active, loading)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
