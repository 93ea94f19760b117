package session

import "time"

type EventKind string

const (
	EventEngineLoading   EventKind = "engine_loading"
	EventEngineReady     EventKind = "engine_ready"
	EventEngineFailed    EventKind = "engine_failed"
	EventSessionStarted  EventKind = "session_started"
	EventSessionStopped  EventKind = "session_stopped"
	EventSessionFailed   EventKind = "session_failed"
	EventRecordingSaved  EventKind = "recording_saved"
	EventRecordingFailed EventKind = "recording_failed"
)

// Event is a state change reported to observers.
type Event struct {
	Kind      EventKind
	SessionID string
	EngineID  string
	Message   string
	Err       error
	Attrs     map[string]string
	Time      time.Time
}

// Observer receives controller events. Observe is called synchronously and
// must not block or call back into the controller.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (fn ObserverFunc) Observe(ev Event) {
	fn(ev)
}
