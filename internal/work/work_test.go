package work

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"jobmgr/internal/jobs"
)

func TestDefaultKinds(t *testing.T) {
	t.Parallel()
	r := Default()
	if got := strings.Join(r.Kinds(), ","); got != "echo,exec,sleep" {
		t.Fatalf("Kinds = %s", got)
	}
	if !r.Has(" Echo ") {
		t.Fatal("kind lookup should ignore case and spaces")
	}
	if _, _, err := r.Build("teleport", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Build unknown kind: err = %v", err)
	}
}

func TestBuildRejectsBadArgs(t *testing.T) {
	t.Parallel()
	r := Default()
	tests := []struct {
		kind string
		raw  string
	}{
		{kind: "sleep", raw: `{"duration":"soon"}`},
		{kind: "sleep", raw: `{"duration":"1s","extra":true}`},
		{kind: "echo", raw: `{"message":1}`},
		{kind: "exec", raw: `{"args":["-l"]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.kind+" "+tt.raw, func(t *testing.T) {
			t.Parallel()
			if _, _, err := r.Build(tt.kind, json.RawMessage(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEchoTruncatesToScratch(t *testing.T) {
	t.Parallel()
	impl, args, err := Default().Build("echo", json.RawMessage(`{"message":"hello world"}`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	scratch := make([]byte, 5)
	res := impl.Run(context.Background(), args, scratch).(Result)
	if res.Output != "hello" {
		t.Fatalf("Output = %q, want hello", res.Output)
	}
	impl.Release(args, scratch)
	for _, b := range scratch {
		if b != 0 {
			t.Fatal("release did not clear the scratch buffer")
		}
	}

	res = impl.Run(context.Background(), args, nil).(Result)
	if res.Output != "hello world" {
		t.Fatalf("Output without scratch = %q", res.Output)
	}
}

func TestSleepObservesCancellation(t *testing.T) {
	t.Parallel()
	impl, args, err := Default().Build("sleep", json.RawMessage(`{"duration":"1h"}`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := impl.Run(ctx, args, nil).(Result)
	if res.Err == "" || jobs.ResultError(res) == "" {
		t.Fatal("cancelled sleep reported success")
	}
}

func TestExecCapturesOutput(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo binary not available")
	}
	impl, args, err := Default().Build("exec", json.RawMessage(`{"command":"echo","args":["job","output"]}`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res := impl.Run(context.Background(), args, make([]byte, 64)).(Result)
	if res.Err != "" {
		t.Fatalf("exec failed: %s", res.Err)
	}
	if strings.TrimSpace(res.Output) != "job output" {
		t.Fatalf("Output = %q", res.Output)
	}

	res = impl.Run(context.Background(), args, make([]byte, 3)).(Result)
	if !strings.HasPrefix(res.Output, "job") || res.Output == "job" {
		t.Fatalf("truncated output = %q", res.Output)
	}
}

func TestExecFailureIsResult(t *testing.T) {
	t.Parallel()
	impl, args, err := Default().Build("exec", json.RawMessage(`{"command":"/nonexistent/jobmgr-test-binary"}`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := impl.Run(context.Background(), args, nil)
	if jobs.ResultError(res) == "" {
		t.Fatal("missing binary reported success")
	}
}
