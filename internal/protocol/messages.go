package protocol

import "time"

// Transcript is one recognised fragment broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	EngineID  string    `json:"engine_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent mirrors a session or engine state change.
type StatusEvent struct {
	Kind      string            `json:"kind"`
	SessionID string            `json:"session_id,omitempty"`
	EngineID  string            `json:"engine_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Heartbeat is published periodically by each running daemon.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	EngineID  string    `json:"engine_id,omitempty"`
	Loading   bool      `json:"loading"`
	Timestamp time.Time `json:"timestamp"`
}

// StartSessionRequest asks the daemon to begin capturing. Zero values fall
// back to the configured capture defaults; a nil Device selects the default
// input device.
type StartSessionRequest struct {
	FrameRate       int  `json:"frame_rate,omitempty"`
	DurationSeconds int  `json:"duration_seconds,omitempty"`
	Device          *int `json:"device,omitempty"`
}

type StopSessionRequest struct {
	Persist bool `json:"persist"`
}

type ChangeEngineRequest struct {
	EngineID string `json:"engine_id"`
	Async    bool   `json:"async,omitempty"`
}

type StatusRequest struct{}

// Reply is the envelope for every control reply. Code carries a stable
// error class when OK is false.
type Reply struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Session *SessionInfo   `json:"session,omitempty"`
	Stop    *StopInfo      `json:"stop,omitempty"`
	Status  *StatusInfo    `json:"status,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type SessionInfo struct {
	ID              string    `json:"id"`
	EngineID        string    `json:"engine_id"`
	FrameRate       int       `json:"frame_rate"`
	DurationSeconds int       `json:"duration_seconds"`
	Device          int       `json:"device"`
	BatchChunks     int       `json:"batch_chunks"`
	StartedAt       time.Time `json:"started_at"`
}

type StopInfo struct {
	SessionID string `json:"session_id"`
	Batches   int64  `json:"batches"`
	Fragments int64  `json:"fragments"`
	Dropped   int64  `json:"dropped_chunks"`
	Recording string `json:"recording,omitempty"`
	Archive   string `json:"archive,omitempty"`
}

type StatusInfo struct {
	State    string       `json:"state"`
	EngineID string       `json:"engine_id"`
	Loading  bool         `json:"loading"`
	Engines  []string     `json:"engines"`
	Session  *SessionInfo `json:"session,omitempty"`
}

// Error codes carried in Reply.Code.
const (
	CodeAlreadyRunning = "already_running"
	CodeNotRunning     = "not_running"
	CodeInvalidRequest = "invalid_request"
	CodeEngineBusy     = "engine_busy"
	CodeModelLoad      = "model_load"
	CodeDevice         = "device"
	CodeExport         = "export"
	CodeInternal       = "internal"
)

const (
	SubjectSessionStart   = "scribe.ctrl.session.start"
	SubjectSessionStop    = "scribe.ctrl.session.stop"
	SubjectEngineChange   = "scribe.ctrl.engine.change"
	SubjectStatus         = "scribe.ctrl.status"
	SubjectTranscriptBase = "scribe.transcript"
	SubjectStatusEvent    = "scribe.status.event"
	SubjectHeartbeat      = "scribe.status.heartbeat"

	TranscriptStream = "SCRIBE_TRANSCRIPTS"
)

// TranscriptSubject is the per-session transcript subject.
func TranscriptSubject(sessionID string) string {
	return SubjectTranscriptBase + "." + sessionID
}
