package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected 'start', 'stop', 'engine', 'status' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var reqErr *replyError
		if errors.As(err, &reqErr) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

type replyError struct {
	code string
	msg  string
}

func (e *replyError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

type options struct {
	servers string
	timeout time.Duration
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.servers, "servers", envOr("SCRIBE_BUS_SERVERS", "nats://localhost:4222"), "Comma separated NATS servers")
	fs.DurationVar(&o.timeout, "timeout", 70*time.Second, "Request timeout")
}

func run(cmd string, args []string, out io.Writer) error {
	var opts options
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	opts.register(fs)

	var (
		subject string
		req     any
	)
	switch cmd {
	case "start":
		var start protocol.StartSessionRequest
		device := fs.Int("device", -2, "Input device index (-1 for the system default, omit for the daemon default)")
		fs.IntVar(&start.FrameRate, "rate", 0, "Frame rate in Hz (0 for the daemon default)")
		fs.IntVar(&start.DurationSeconds, "duration", 0, "Seconds of audio per batch (0 for the daemon default)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *device != -2 {
			start.Device = device
		}
		subject, req = protocol.SubjectSessionStart, start
	case "stop":
		var stop protocol.StopSessionRequest
		fs.BoolVar(&stop.Persist, "save", true, "Export the session recording")
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req = protocol.SubjectSessionStop, stop
	case "engine":
		var change protocol.ChangeEngineRequest
		fs.BoolVar(&change.Async, "async", false, "Return before the engine has loaded")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: scribectl engine [-async] <engine-id>")
		}
		change.EngineID = fs.Arg(0)
		subject, req = protocol.SubjectEngineChange, change
	case "status":
		if err := fs.Parse(args); err != nil {
			return err
		}
		subject, req = protocol.SubjectStatus, protocol.StatusRequest{}
	default:
		return fmt.Errorf("unknown command %q; %s", cmd, usage)
	}

	reply, err := request(opts, subject, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		return err
	}
	if !reply.OK {
		return &replyError{code: reply.Code, msg: reply.Error}
	}
	return nil
}

func request(opts options, subject string, req any) (protocol.Reply, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Servers = strings.Split(opts.servers, ",")
	client, err := bus.Connect(context.Background(), cfg, "scribectl", logger)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		return protocol.Reply{}, err
	}
	return reply, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
