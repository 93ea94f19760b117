package transcript

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// BusSink publishes fragments on the per-session transcript subject.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{bus: client}
}

func (s *BusSink) Append(_ context.Context, f Fragment) error {
	msg := protocol.Transcript{
		SessionID: f.SessionID,
		Seq:       f.Seq,
		EngineID:  f.EngineID,
		Text:      f.Text,
		Timestamp: f.Timestamp,
	}
	if err := s.bus.PublishJSON(protocol.TranscriptSubject(f.SessionID), msg); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}
