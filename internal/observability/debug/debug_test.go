package debug

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"jobmgr/internal/jobs"
	rtsup "jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/trigger"
	logx "jobmgr/pkg/logx"
)

func blocking() jobs.Impl {
	return jobs.Impl{Run: func(ctx context.Context, args any, scratch []byte) any {
		<-ctx.Done()
		return ctx.Err()
	}}
}

func newManager(t *testing.T) *jobs.Manager {
	t.Helper()
	m := jobs.New(jobs.Config{Capacity: 4}, logx.Nop(), nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id, err := m.Submit(jobs.SubmitRequest{Name: "stuck", Impl: blocking()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h := NewRouter(Sources{Jobs: m})
	path := "/debug/jobs/" + strconv.Itoa(int(id))

	rec := do(t, h, http.MethodGet, "/debug/jobs")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /debug/jobs = %d", rec.Code)
	}
	var list struct {
		Jobs      jobs.Snapshot   `json:"jobs"`
		Schedules json.RawMessage `json:"schedules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Jobs.Live != 1 || len(list.Jobs.Jobs) != 1 || list.Jobs.Jobs[0].Name != "stuck" {
		t.Fatalf("unexpected snapshot: %+v", list.Jobs)
	}
	if list.Schedules != nil {
		t.Fatalf("schedules should be omitted without a scheduler: %s", list.Schedules)
	}

	rec = do(t, h, http.MethodGet, path)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status": "running"`) {
		t.Fatalf("GET %s = %d %s", path, rec.Code, rec.Body)
	}

	if rec = do(t, h, http.MethodDelete, path); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE %s = %d", path, rec.Code)
	}
	if rec = do(t, h, http.MethodGet, path); rec.Code != http.StatusNotFound {
		t.Fatalf("GET after cancel = %d, want 404", rec.Code)
	}
	if rec = do(t, h, http.MethodDelete, path); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d, want 404", rec.Code)
	}
	if rec = do(t, h, http.MethodGet, "/debug/jobs/abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("GET bad id = %d, want 400", rec.Code)
	}
}

func TestHistoryFallsBackToMemory(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	for i := 0; i < 3; i++ {
		id, err := m.Submit(jobs.SubmitRequest{Name: "run" + strconv.Itoa(i), Impl: blocking()})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if err := m.Cancel(id); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	}
	h := NewRouter(Sources{Jobs: m})

	rec := do(t, h, http.MethodGet, "/debug/history?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /debug/history = %d", rec.Code)
	}
	var body struct {
		Source string             `json:"source"`
		Runs   []jobs.HistoryItem `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Source != "memory" || len(body.Runs) != 2 || body.Runs[0].Name != "run2" {
		t.Fatalf("unexpected history: %+v", body)
	}
	if rec = do(t, h, http.MethodGet, "/debug/history?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", rec.Code)
	}
}

func TestFireSchedule(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	s := trigger.New(trigger.Config{Enabled: true, Timezone: "UTC"}, m, nil, logx.Nop())
	if err := s.SetSchedules([]trigger.Def{{Name: "hb", Spec: "1h", Kind: "echo"}}); err != nil {
		t.Fatalf("SetSchedules: %v", err)
	}
	h := NewRouter(Sources{Jobs: m, Schedules: s})

	if rec := do(t, h, http.MethodPost, "/debug/schedules/hb/fire"); rec.Code != http.StatusAccepted {
		t.Fatalf("fire = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/debug/schedules/nope/fire"); rec.Code != http.StatusNotFound {
		t.Fatalf("fire unknown = %d, want 404", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/debug/jobs")
	if !strings.Contains(rec.Body.String(), `"schedules"`) {
		t.Fatalf("schedules missing from %s", rec.Body)
	}
	if m.Snapshot().Counters.Submitted != 1 {
		t.Fatalf("fire did not submit a job")
	}
}

func TestPprofIndex(t *testing.T) {
	t.Parallel()
	h := NewRouter(Sources{Jobs: newManager(t)})
	rec := do(t, h, http.MethodGet, "/debug/pprof/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestGoroutinesEndpoint(t *testing.T) {
	t.Parallel()
	sup := rtsup.New(context.Background())
	sup.Go0("idle", func(ctx context.Context) { <-ctx.Done() })
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	h := NewRouter(Sources{Jobs: newManager(t), Goroutines: sup.Snapshot})
	rec := do(t, h, http.MethodGet, "/debug/goroutines")
	var snap rtsup.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body)
	}
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Name != "idle" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	h = NewRouter(Sources{Jobs: newManager(t)})
	if rec := do(t, h, http.MethodGet, "/debug/goroutines"); rec.Code != http.StatusOK {
		t.Fatalf("goroutines without source = %d", rec.Code)
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{Jobs: newManager(t)}, logx.Nop())
	svc.Start(context.Background())

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr = svc.Addr(); addr == ""; addr = svc.Addr() {
		if time.Now().After(deadline) {
			t.Fatal("debug server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Addr() != "" {
		t.Fatal("server still bound after disable")
	}
}
