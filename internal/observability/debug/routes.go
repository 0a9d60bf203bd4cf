package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobmgr/internal/jobs"
	rtsup "jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/storage"
	"jobmgr/internal/trigger"
)

type JobSource interface {
	Snapshot() jobs.Snapshot
	Status(id jobs.JID) (jobs.Status, error)
	Result(id jobs.JID) (any, error)
	Cancel(id jobs.JID) error
}

type ScheduleSource interface {
	Snapshot() trigger.Snapshot
	Fire(name string) error
}

type RunSource interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.Run, error)
}

// Sources are the read models exposed by the debug server. Only Jobs is required.
type Sources struct {
	Jobs      JobSource
	Schedules ScheduleSource
	Runs      RunSource
	// Goroutines reports the app supervisor.
	Goroutines func() rtsup.Snapshot
}

const defaultHistoryLimit = 50

// NewRouter builds the debug HTTP surface.
func NewRouter(src Sources) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/jobs", src.listJobs)
		r.Get("/jobs/{id}", src.getJob)
		r.Delete("/jobs/{id}", src.cancelJob)
		r.Get("/history", src.history)
		r.Post("/schedules/{name}/fire", src.fireSchedule)
		r.Get("/goroutines", src.goroutines)

		r.HandleFunc("/pprof/*", hpprof.Index)
		r.HandleFunc("/pprof/cmdline", hpprof.Cmdline)
		r.HandleFunc("/pprof/profile", hpprof.Profile)
		r.HandleFunc("/pprof/symbol", hpprof.Symbol)
		r.HandleFunc("/pprof/trace", hpprof.Trace)
	})
	return r
}

func (s Sources) goroutines(w http.ResponseWriter, _ *http.Request) {
	if s.Goroutines == nil {
		writeJSON(w, http.StatusOK, rtsup.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.Goroutines())
}

type jobsResponse struct {
	Jobs      jobs.Snapshot     `json:"jobs"`
	Schedules *trigger.Snapshot `json:"schedules,omitempty"`
}

func (s Sources) listJobs(w http.ResponseWriter, _ *http.Request) {
	resp := jobsResponse{Jobs: s.Jobs.Snapshot()}
	if s.Schedules != nil {
		snap := s.Schedules.Snapshot()
		resp.Schedules = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobResponse struct {
	ID     jobs.JID      `json:"id"`
	Status jobs.Status   `json:"status"`
	Job    *jobs.JobView `json:"job,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (s Sources) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJID(w, r)
	if !ok {
		return
	}
	st, err := s.Jobs.Status(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := jobResponse{ID: id, Status: st}
	if res, err := s.Jobs.Result(id); err == nil {
		resp.Result = res
		resp.Error = jobs.ResultError(res)
	}
	for _, v := range s.Jobs.Snapshot().Jobs {
		if v.ID == id {
			v := v
			resp.Job = &v
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Sources) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJID(w, r)
	if !ok {
		return
	}
	if err := s.Jobs.Cancel(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// history serves persisted runs, falling back to the manager's in-memory
// list when storage is disabled.
func (s Sources) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if s.Runs != nil {
		runs, err := s.Runs.RecentRuns(r.Context(), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "storage", "runs": runs})
		return
	}

	items := s.Jobs.Snapshot().History
	out := make([]jobs.HistoryItem, 0, min(limit, len(items)))
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": "memory", "runs": out})
}

func (s Sources) fireSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		http.Error(w, "scheduler disabled", http.StatusNotFound)
		return
	}
	if err := s.Schedules.Fire(chi.URLParam(r, "name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func parseJID(w http.ResponseWriter, r *http.Request) (jobs.JID, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil || n <= 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return jobs.JID(n), true
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, trigger.ErrUnknownSchedule):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrClosed), errors.Is(err, storage.ErrDisabled):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
