package work

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobmgr/internal/jobs"
)

var ErrUnknownKind = errors.New("unknown work kind")

// Result is the value returned by the built-in work kinds.
type Result struct {
	Output string `json:"output"`
	Err    string `json:"error,omitempty"`
}

// Failed implements the failure convention read by jobs.ResultError.
func (r Result) Failed() string { return r.Err }

// Builder turns raw JSON args into a runnable job.
type Builder func(raw json.RawMessage) (jobs.Impl, any, error)

// Registry maps kind names to builders.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Builder{}}
}

// Default returns a registry with the built-in kinds (sleep, echo, exec).
func Default() *Registry {
	r := NewRegistry()
	r.Register("sleep", buildSleep)
	r.Register("echo", buildEcho)
	r.Register("exec", buildExec)
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, b Builder) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || b == nil {
		return
	}
	r.mu.Lock()
	r.kinds[kind] = b
	r.mu.Unlock()
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	_, ok := r.kinds[strings.ToLower(strings.TrimSpace(kind))]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build validates args for kind and returns the job's implementation and args.
func (r *Registry) Build(kind string, raw json.RawMessage) (jobs.Impl, any, error) {
	r.mu.RLock()
	b, ok := r.kinds[strings.ToLower(strings.TrimSpace(kind))]
	r.mu.RUnlock()
	if !ok {
		return jobs.Impl{}, nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	impl, args, err := b(raw)
	if err != nil {
		return jobs.Impl{}, nil, fmt.Errorf("%s args: %w", kind, err)
	}
	return impl, args, nil
}

// decodeArgs decodes raw strictly into v. Empty input leaves v untouched.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
