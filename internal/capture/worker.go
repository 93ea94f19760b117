package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Signal is the session run flag shared with the recognition side.
type Signal interface {
	Active() bool
	Stop() bool
}

// BatchSink receives whole batches. Close marks the end of the session's audio.
type BatchSink interface {
	Push(ctx context.Context, batch audio.Batch) error
	Close()
}

type Config struct {
	Device          int
	Format          audio.Format
	ChunkSize       int
	DurationSeconds int
}

// Worker reads chunks from one device stream and publishes duration-aligned batches.
type Worker struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	stream  Stream

	chunks    atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64

	chunkCounter metric.Int64Counter
	batchCounter metric.Int64Counter
}

func NewWorker(backend Backend, cfg Config, logger *slog.Logger) *Worker {
	w := &Worker{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "capture")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capture")
	if c, err := meter.Int64Counter("scribe.capture.chunks", metric.WithDescription("Chunks read from the input device")); err == nil {
		w.chunkCounter = c
	}
	if c, err := meter.Int64Counter("scribe.capture.batches", metric.WithDescription("Batches published to recognition")); err == nil {
		w.batchCounter = c
	}
	return w
}

// BatchSize returns the number of chunks per published batch.
func (w *Worker) BatchSize() int {
	return audio.BatchChunkCount(w.cfg.Format.SampleRate, w.cfg.DurationSeconds, w.cfg.ChunkSize)
}

// Open acquires the device stream ahead of Run so a missing or busy device
// is reported to the caller before the session starts.
func (w *Worker) Open() error {
	if w.stream != nil {
		return nil
	}
	stream, err := w.backend.Open(w.cfg.Device, w.cfg.Format, w.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("%w: open device %d: %w", ErrDevice, w.cfg.Device, err)
	}
	w.stream = stream
	return nil
}

// Release closes the stream acquired by Open. Run releases it on exit.
func (w *Worker) Release() {
	if w.stream == nil {
		return
	}
	if err := w.stream.Close(); err != nil {
		w.logger.Warn("close capture stream", slogError(err))
	}
	w.stream = nil
}

// Run captures until sig is cleared, opening the stream first unless Open
// already did. The stream and sink are closed on every exit path; a trailing
// partial batch is dropped. Device failures stop sig so the recognition side
// winds down too.
func (w *Worker) Run(ctx context.Context, sig Signal, sink BatchSink) error {
	defer sink.Close()

	if err := w.Open(); err != nil {
		sig.Stop()
		return err
	}
	stream := w.stream
	defer w.Release()

	size := w.BatchSize()
	w.logger.Info("capture started",
		slog.Int("device", w.cfg.Device),
		slog.String("format", w.cfg.Format.String()),
		slog.Int("chunk_size", w.cfg.ChunkSize),
		slog.Int("batch_chunks", size))

	seq := 0
	frames := make([][]byte, 0, size)
	for sig.Active() {
		chunk, err := stream.Read()
		if err != nil {
			sig.Stop()
			return fmt.Errorf("%w: read chunk: %w", ErrDevice, err)
		}
		w.chunks.Add(1)
		w.add(ctx, w.chunkCounter)
		frames = append(frames, chunk)
		if len(frames) < size {
			continue
		}

		batch := audio.Batch{Seq: seq, Chunks: frames}
		if err := sink.Push(ctx, batch); err != nil {
			// The consumer is gone; nothing downstream can use more audio.
			sig.Stop()
			w.logger.Warn("batch not published", slog.Int("seq", seq), slogError(err))
			return nil
		}
		w.published.Add(1)
		w.add(ctx, w.batchCounter)
		seq++
		frames = make([][]byte, 0, size)
	}

	if len(frames) > 0 {
		w.dropped.Add(int64(len(frames)))
		w.logger.Debug("dropped partial batch", slog.Int("chunks", len(frames)))
	}
	w.logger.Info("capture stopped", slog.Int64("batches", w.published.Load()))
	return nil
}

// Chunks returns the number of chunks read so far.
func (w *Worker) Chunks() int64 { return w.chunks.Load() }

// Published returns the number of batches handed to the sink.
func (w *Worker) Published() int64 { return w.published.Load() }

// Dropped returns the number of chunks discarded in a trailing partial batch.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

func (w *Worker) add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
