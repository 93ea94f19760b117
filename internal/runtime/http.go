package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/ctlsvc"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type sessionResponse struct {
	ID              string    `json:"id"`
	EngineID        string    `json:"engine_id,omitempty"`
	Device          int       `json:"device"`
	FrameRate       int       `json:"frame_rate"`
	DurationSeconds int       `json:"duration_seconds"`
	Status          string    `json:"status"`
	Recording       string    `json:"recording,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
}

type transcriptResponse struct {
	SessionID string                `json:"session_id"`
	Fragments []protocol.Transcript `json:"fragments"`
	Text      string                `json:"text"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.store.Ensure() == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, ctlsvc.StatusInfo(r.controller.Snapshot()))
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	s, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Warn("session lookup failed", slog.String("session_id", id), slogError(err))
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	r.writeJSON(w, http.StatusOK, sessionResponse{
		ID:              s.ID,
		EngineID:        s.EngineID,
		Device:          s.Device,
		FrameRate:       s.FrameRate,
		DurationSeconds: s.DurationSeconds,
		Status:          s.Status,
		Recording:       s.Recording,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
	})
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.store.GetSession(req.Context(), id); errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	fragments, err := r.store.Transcript(req.Context(), id)
	if err != nil {
		r.logger.Warn("transcript lookup failed", slog.String("session_id", id), slogError(err))
		http.Error(w, "transcript lookup failed", http.StatusInternalServerError)
		return
	}
	resp := transcriptResponse{SessionID: id, Fragments: make([]protocol.Transcript, 0, len(fragments))}
	for i, f := range fragments {
		resp.Fragments = append(resp.Fragments, protocol.Transcript{
			SessionID: f.SessionID,
			Seq:       f.Seq,
			EngineID:  f.EngineID,
			Text:      f.Text,
			Timestamp: f.Timestamp,
		})
		if i > 0 {
			resp.Text += " "
		}
		resp.Text += f.Text
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Debug("failed to write response", slogError(err))
	}
}
