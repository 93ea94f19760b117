package recording

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

type memExporter struct {
	calls int
	pcm   []byte
	err   error
}

func (m *memExporter) Export(_ context.Context, sessionID string, pcm []byte, _ audio.Format) (string, error) {
	m.calls++
	m.pcm = pcm
	if m.err != nil {
		return "", m.err
	}
	return "mem://" + sessionID, nil
}

func TestBufferExportsConcatenationOnce(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]byte{1, 2})
	buf.Append([]byte{3, 4})
	buf.Append([]byte{5, 6})
	if buf.Len() != 3 || buf.Size() != 6 {
		t.Fatalf("unexpected len=%d size=%d", buf.Len(), buf.Size())
	}

	exp := &memExporter{}
	loc, err := buf.Export(context.Background(), "s1", mono16k, exp)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if loc != "mem://s1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if !bytes.Equal(exp.pcm, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected pcm %v", exp.pcm)
	}
	if buf.Len() != 0 {
		t.Fatal("expected buffer cleared after export")
	}

	if _, err := buf.Export(context.Background(), "s1", mono16k, exp); !errors.Is(err, ErrAlreadyExported) {
		t.Fatalf("expected ErrAlreadyExported, got %v", err)
	}
	if exp.calls != 1 {
		t.Fatalf("expected exporter called once, got %d", exp.calls)
	}
}

func TestBufferExportFailureDiscardsData(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]byte{9, 9})
	cause := errors.New("disk gone")
	_, err := buf.Export(context.Background(), "s2", mono16k, &memExporter{err: cause})
	if !errors.Is(err, ErrExport) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrExport wrapping cause, got %v", err)
	}
	if buf.Size() != 0 {
		t.Fatal("expected data discarded after failed export")
	}
}

func TestWAVExporterRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	exp := NewWAVExporter(dir)
	pcm := audio.PutInt16s([]int16{0, 100, -100, 32767, -32768, 5})
	format := audio.Format{SampleRate: 8000, Channels: 2}

	path, err := exp.Export(context.Background(), "abc", pcm, format)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if path != filepath.Join(dir, "abc.wav") {
		t.Fatalf("unexpected path %q", path)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, gotFormat, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if gotFormat != format {
		t.Fatalf("unexpected format %v", gotFormat)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm mismatch: %v vs %v", got, pcm)
	}
}

func TestWAVExporterEmptyRecordingHasHeader(t *testing.T) {
	exp := NewWAVExporter(t.TempDir())
	path, err := exp.Export(context.Background(), "empty", nil, mono16k)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("expected a wav header, got %d bytes", len(data))
	}
}

func TestS3ArchiverUploads(t *testing.T) {
	var (
		mu      sync.Mutex
		method  string
		urlPath string
		size    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, urlPath, size = r.Method, r.URL.Path, len(body)
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	archiver, err := NewS3Archiver(context.Background(), config.ArchiveConfig{
		Enabled:   true,
		Bucket:    "scribe",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		Prefix:    "recordings/",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	local, err := NewWAVExporter(t.TempDir()).Export(context.Background(), "s9", audio.PutInt16s([]int16{1, 2, 3}), mono16k)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	uri, err := archiver.Archive(context.Background(), local)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if uri != "s3://scribe/recordings/s9.wav" {
		t.Fatalf("unexpected uri %q", uri)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || urlPath != "/scribe/recordings/s9.wav" {
		t.Fatalf("unexpected request %s %s", method, urlPath)
	}
	if size == 0 {
		t.Fatal("expected a request body")
	}
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	if _, err := NewS3Archiver(context.Background(), config.ArchiveConfig{}); err == nil {
		t.Fatal("expected missing bucket error")
	}
}
