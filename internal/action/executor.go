// Package action performs the side effects the command table maps
// trigger tokens to: key chords, HTTP calls, shell commands and plain
// display messages. The executor knows nothing about modes or
// adapters; it takes a resolved descriptor and reports a structured
// result. One bad table entry must never take the dispatcher down, so
// every failure path ends in a Result, not a panic.
package action

import (
	"bytes"
	"context"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of one execution. ID is unique per call so
// upstream callers can de-duplicate retries; re-executing the same
// descriptor is always safe here.
type Result struct {
	ID       string
	OK       bool
	Message  string
	Duration time.Duration
}

type Config struct {
	DefaultTimeout time.Duration // applied when the descriptor has none
	MaxOutput      int           // shell capture cap, bytes
	HTTPClient     *http.Client
	Tapper         Tapper
	Shell          string // defaults to /bin/sh
}

type Executor struct {
	cfg Config
}

func NewExecutor(cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 4096
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Tapper == nil {
		cfg.Tapper = NewTapper()
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Executor{cfg: cfg}
}

// Execute runs one descriptor. Params are substituted into the payload
// as {name} placeholders before dispatch. The call blocks until the
// effect finishes or its timeout fires; callers must not hold
// transition locks across it.
func (e *Executor) Execute(ctx context.Context, d Descriptor, params map[string]string) Result {
	started := time.Now()
	res := Result{ID: uuid.NewString()}

	if err := d.Validate(); err != nil {
		res.Message = fmt.Sprintf("bad descriptor: %v", err)
		res.Duration = time.Since(started)
		return res
	}

	payload := expand(d.Payload, params)

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		msg string
		err error
	)
	switch d.Kind {
	case KindMessage:
		msg = payload
	case KindKeypress:
		msg, err = e.keypress(payload)
	case KindURL:
		msg, err = e.fetch(ctx, payload)
	case KindShell:
		msg, err = e.shell(ctx, payload, d.Capture)
	default:
		err = fmt.Errorf("unknown action kind %q", d.Kind)
	}

	res.Duration = time.Since(started)
	if err != nil {
		res.Message = err.Error()
		log.Warn("Action failed", "kind", d.Kind, "id", res.ID, "err", err)
		return res
	}

	res.OK = true
	res.Message = msg
	return res
}

func (e *Executor) keypress(chordName string) (string, error) {
	chord, err := ParseChord(chordName)
	if err != nil {
		return "", err
	}
	if err := e.cfg.Tapper.Tap(chord); err != nil {
		return "", err
	}
	return fmt.Sprintf("pressed %s", chordName), nil
}

func (e *Executor) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, int64(e.cfg.MaxOutput)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("call %s: status %s", url, resp.Status)
	}
	return fmt.Sprintf("%s -> %s", url, resp.Status), nil
}

func (e *Executor) shell(ctx context.Context, command string, capture bool) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", command)

	if !capture {
		if err := cmd.Run(); err != nil {
			return "", shellErr(ctx, command, err)
		}
		return fmt.Sprintf("ran %q", command), nil
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	if len(out) > e.cfg.MaxOutput {
		out = out[:e.cfg.MaxOutput]
	}
	out = strings.TrimSpace(out)
	if err != nil {
		return "", shellErr(ctx, command, fmt.Errorf("%w (output: %s)", err, out))
	}
	if out == "" {
		out = fmt.Sprintf("ran %q", command)
	}
	return out, nil
}

func shellErr(ctx context.Context, command string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("run %q: timed out", command)
	}
	return fmt.Errorf("run %q: %w", command, err)
}

func expand(payload string, params map[string]string) string {
	if len(params) == 0 {
		return payload
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(payload)
}
