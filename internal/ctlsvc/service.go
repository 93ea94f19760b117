// Package ctlsvc exposes the session controller as NATS request/reply
// subjects.
package ctlsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 60 * time.Second

// Controller is the part of session.Controller the service drives.
type Controller interface {
	StartSession(ctx context.Context, req session.StartRequest) (session.Info, error)
	StopSession(ctx context.Context, persist bool) (session.StopResult, error)
	ChangeEngine(ctx context.Context, id string) error
	ChangeEngineAsync(id string) <-chan error
	Snapshot() session.Status
}

type Service struct {
	capture config.CaptureConfig
	bus     *bus.Client
	ctrl    Controller
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, capCfg config.CaptureConfig, busClient *bus.Client, ctrl Controller, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		capture: capCfg,
		bus:     busClient,
		ctrl:    ctrl,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "ctl-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectSessionStart: s.async(s.handleStart),
		protocol.SubjectSessionStop:  s.async(s.handleStop),
		protocol.SubjectEngineChange: s.async(s.handleEngine),
		protocol.SubjectStatus:       s.async(s.handleStatus),
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush control subscriptions: %w", err)
	}
	s.logger.Info("control service ready")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// async runs handle off the subscription goroutine so a blocking stop does
// not hold up status requests.
func (s *Service) async(handle func(context.Context, []byte) protocol.Reply) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
			defer cancel()
			reply := handle(ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			data, err := json.Marshal(reply)
			if err != nil {
				s.logger.Warn("failed to encode reply", slog.String("subject", msg.Subject), slogError(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
			}
		}()
	}
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", session.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) handleStart(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.StartSessionRequest
	if err := decode(data, &req); err != nil {
		return failure(err)
	}
	start := session.StartRequest{
		FrameRate:       coalesceInt(req.FrameRate, s.capture.FrameRate),
		DurationSeconds: coalesceInt(req.DurationSeconds, s.capture.DurationSeconds),
		Device:          s.capture.Device,
	}
	if req.Device != nil {
		start.Device = *req.Device
	}
	info, err := s.ctrl.StartSession(ctx, start)
	if err != nil {
		s.logger.Warn("start session rejected", slogError(err))
		return failure(err)
	}
	si := SessionInfo(info)
	return protocol.Reply{OK: true, Session: &si}
}

func (s *Service) handleStop(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.StopSessionRequest
	if err := decode(data, &req); err != nil {
		return failure(err)
	}
	result, err := s.ctrl.StopSession(ctx, req.Persist)
	stop := &protocol.StopInfo{
		SessionID: result.SessionID,
		Batches:   result.Batches,
		Fragments: result.Fragments,
		Dropped:   result.Dropped,
		Recording: result.Recording,
		Archive:   result.Archive,
	}
	if err != nil {
		reply := failure(err)
		if result.SessionID != "" {
			reply.Stop = stop
		}
		return reply
	}
	return protocol.Reply{OK: true, Stop: stop}
}

func (s *Service) handleEngine(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.ChangeEngineRequest
	if err := decode(data, &req); err != nil {
		return failure(err)
	}
	if req.EngineID == "" {
		return failure(fmt.Errorf("%w: engine_id is required", session.ErrInvalidRequest))
	}
	if req.Async {
		result := s.ctrl.ChangeEngineAsync(req.EngineID)
		// A rejection is reported immediately; otherwise the load result
		// arrives later as an engine status event.
		select {
		case err := <-result:
			if err != nil {
				return failure(err)
			}
		default:
		}
		st := StatusInfo(s.ctrl.Snapshot())
		return protocol.Reply{OK: true, Status: &st}
	}
	if err := s.ctrl.ChangeEngine(ctx, req.EngineID); err != nil {
		return failure(err)
	}
	st := StatusInfo(s.ctrl.Snapshot())
	return protocol.Reply{OK: true, Status: &st}
}

func (s *Service) handleStatus(_ context.Context, _ []byte) protocol.Reply {
	st := StatusInfo(s.ctrl.Snapshot())
	return protocol.Reply{OK: true, Status: &st}
}

func failure(err error) protocol.Reply {
	return protocol.Reply{Code: Code(err), Error: err.Error()}
}

// Code classifies err into a stable reply code.
func Code(err error) string {
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		return protocol.CodeAlreadyRunning
	case errors.Is(err, session.ErrNotRunning):
		return protocol.CodeNotRunning
	case errors.Is(err, session.ErrInvalidRequest):
		return protocol.CodeInvalidRequest
	case errors.Is(err, session.ErrEngineBusy):
		return protocol.CodeEngineBusy
	case errors.Is(err, engine.ErrModelLoad):
		return protocol.CodeModelLoad
	case errors.Is(err, capture.ErrDevice):
		return protocol.CodeDevice
	case errors.Is(err, recording.ErrExport):
		return protocol.CodeExport
	default:
		return protocol.CodeInternal
	}
}

// SessionInfo converts a running session description to its wire form.
func SessionInfo(info session.Info) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:              info.ID,
		EngineID:        info.EngineID,
		FrameRate:       info.FrameRate,
		DurationSeconds: info.DurationSeconds,
		Device:          info.Device,
		BatchChunks:     info.BatchChunks,
		StartedAt:       info.StartedAt,
	}
}

// StatusInfo converts a controller snapshot to its wire form.
func StatusInfo(st session.Status) protocol.StatusInfo {
	out := protocol.StatusInfo{
		State:    st.State,
		EngineID: st.EngineID,
		Loading:  st.Loading,
		Engines:  st.Engines,
	}
	if st.Session != nil {
		si := SessionInfo(*st.Session)
		out.Session = &si
	}
	return out
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
