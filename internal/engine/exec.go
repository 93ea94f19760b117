package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine hands each batch to an external recogniser as a WAV file and
// reads {"text": "..."} from its stdout.
type execEngine struct {
	cmd   []string
	entry config.EngineEntry
	mu    sync.Mutex
	seq   int
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExec(entry config.EngineEntry) (Engine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(entry.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args, entry: entry}, nil
}

func (e *execEngine) Decode(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "scribe_batch_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, format); err != nil {
		return "", err
	}

	e.seq++
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--seq", strconv.Itoa(e.seq))
	if e.entry.Model != "" {
		cmdArgs = append(cmdArgs, "--model", e.entry.Model)
	}
	if e.entry.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.entry.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode engine response: %w", err)
	}
	return resp.Text, nil
}

func (e *execEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = 0
}

func (e *execEngine) Close() error {
	return nil
}
