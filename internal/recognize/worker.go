package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Signal is the session run flag shared with the capture side.
type Signal interface {
	Active() bool
	Stop() bool
}

// BatchSource yields batches until the producer closes it and it drains.
type BatchSource interface {
	Pop(ctx context.Context) (audio.Batch, bool)
	Abort()
}

// Decoder is satisfied by engine.Manager.
type Decoder interface {
	Decode(ctx context.Context, pcm []byte, format audio.Format) (string, error)
	ActiveID() string
}

// Recorder retains consumed chunks for export.
type Recorder interface {
	Append(chunk []byte)
}

type Config struct {
	SessionID string
	Format    audio.Format
}

// Worker drains batches through the decoder and forwards non-empty text.
type Worker struct {
	cfg      Config
	decoder  Decoder
	sink     transcript.Sink
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	decoded   atomic.Int64
	fragments atomic.Int64

	decodeLatency metric.Float64Histogram
	fragmentCount metric.Int64Counter
}

func NewWorker(cfg Config, decoder Decoder, sink transcript.Sink, recorder Recorder, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:      cfg,
		decoder:  decoder,
		sink:     sink,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "recognize"), slog.String("session_id", cfg.SessionID)),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-scribe/recognize"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/recognize")
	if h, err := meter.Float64Histogram("scribe.recognize.decode_seconds", metric.WithDescription("Time spent decoding one batch"), metric.WithUnit("s")); err == nil {
		w.decodeLatency = h
	}
	if c, err := meter.Int64Counter("scribe.recognize.fragments", metric.WithDescription("Transcript fragments emitted")); err == nil {
		w.fragmentCount = c
	}
	return w
}

// Decoded is the number of batches decoded so far.
func (w *Worker) Decoded() int64 { return w.decoded.Load() }

// Fragments is the number of fragments forwarded to the sink.
func (w *Worker) Fragments() int64 { return w.fragments.Load() }

// Run consumes batches until the source is closed and empty. A decode
// failure stops the signal and aborts the source so the producer cannot
// block on a full queue.
func (w *Worker) Run(ctx context.Context, sig Signal, source BatchSource) error {
	for {
		batch, ok := source.Pop(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				sig.Stop()
				source.Abort()
				return err
			}
			w.logger.Debug("recognition drained", slog.Int64("batches", w.decoded.Load()))
			return nil
		}
		if err := w.process(ctx, batch); err != nil {
			sig.Stop()
			source.Abort()
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, batch audio.Batch) error {
	engineID := w.decoder.ActiveID()
	ctx, span := w.tracer.Start(ctx, "recognize.batch", trace.WithAttributes(
		attribute.String("session.id", w.cfg.SessionID),
		attribute.Int("batch.seq", batch.Seq),
		attribute.String("engine.id", engineID),
	))
	defer span.End()

	pcm := batch.PCM()
	start := time.Now()
	text, err := w.decoder.Decode(ctx, pcm, w.cfg.Format)
	if w.decodeLatency != nil {
		w.decodeLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("engine.id", engineID)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Error("decode failed", slog.Int("seq", batch.Seq), slogError(err))
		return fmt.Errorf("decode batch %d: %w", batch.Seq, err)
	}
	w.decoded.Add(1)

	if text = strings.TrimSpace(text); text != "" {
		fragment := transcript.Fragment{
			SessionID: w.cfg.SessionID,
			Seq:       batch.Seq,
			EngineID:  engineID,
			Text:      text,
			Timestamp: time.Now().UTC(),
		}
		if err := w.sink.Append(ctx, fragment); err != nil {
			w.logger.Warn("transcript sink failed", slog.Int("seq", batch.Seq), slogError(err))
		} else {
			w.fragments.Add(1)
			if w.fragmentCount != nil {
				w.fragmentCount.Add(ctx, 1)
			}
		}
	}

	if w.recorder != nil {
		for _, chunk := range batch.Chunks {
			w.recorder.Append(chunk)
		}
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
