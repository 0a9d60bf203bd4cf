package work

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"jobmgr/internal/jobs"
)

type SleepArgs struct {
	Duration string `json:"duration"`
}

func buildSleep(raw json.RawMessage) (jobs.Impl, any, error) {
	var a SleepArgs
	if err := decodeArgs(raw, &a); err != nil {
		return jobs.Impl{}, nil, err
	}
	d, err := time.ParseDuration(strings.TrimSpace(a.Duration))
	if err != nil || d < 0 {
		return jobs.Impl{}, nil, fmt.Errorf("invalid duration %q", a.Duration)
	}
	return jobs.Impl{Run: runSleep}, d, nil
}

func runSleep(ctx context.Context, args any, _ []byte) any {
	d, _ := args.(time.Duration)
	start := time.Now()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return Result{Output: time.Since(start).String()}
	case <-ctx.Done():
		return Result{Output: time.Since(start).String(), Err: ctx.Err().Error()}
	}
}

type EchoArgs struct {
	Message string `json:"message"`
}

func buildEcho(raw json.RawMessage) (jobs.Impl, any, error) {
	var a EchoArgs
	if err := decodeArgs(raw, &a); err != nil {
		return jobs.Impl{}, nil, err
	}
	return jobs.Impl{Run: runEcho, Release: clearScratch}, a.Message, nil
}

// runEcho copies the message through the scratch buffer, truncating it to
// the buffer size. Without a buffer the message is returned as is.
func runEcho(_ context.Context, args any, scratch []byte) any {
	msg, _ := args.(string)
	if len(scratch) == 0 {
		return Result{Output: msg}
	}
	n := copy(scratch, msg)
	return Result{Output: string(scratch[:n])}
}

func clearScratch(_ any, scratch []byte) { clear(scratch) }

type ExecArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// defaultExecOutput bounds captured output when the job has no scratch buffer.
const defaultExecOutput = 4096

func buildExec(raw json.RawMessage) (jobs.Impl, any, error) {
	var a ExecArgs
	if err := decodeArgs(raw, &a); err != nil {
		return jobs.Impl{}, nil, err
	}
	a.Command = strings.TrimSpace(a.Command)
	if a.Command == "" {
		return jobs.Impl{}, nil, errors.New("command required")
	}
	return jobs.Impl{Run: runExec}, a, nil
}

func runExec(ctx context.Context, args any, scratch []byte) any {
	a, _ := args.(ExecArgs)
	if len(scratch) == 0 {
		scratch = make([]byte, defaultExecOutput)
	}
	out := &boundedWriter{buf: scratch}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = a.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	res := Result{}
	if err := cmd.Run(); err != nil {
		res.Err = err.Error()
	}
	res.Output = string(out.bytes())
	if out.truncated {
		res.Output += "…"
	}
	return res
}

// boundedWriter writes into a fixed buffer and silently drops the excess.
type boundedWriter struct {
	buf       []byte
	n         int
	truncated bool
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	c := copy(w.buf[w.n:], p)
	w.n += c
	if c < len(p) {
		w.truncated = true
	}
	return len(p), nil
}

func (w *boundedWriter) bytes() []byte { return w.buf[:w.n] }
