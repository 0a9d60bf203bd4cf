// Package debug serves job and scheduler snapshots plus pprof over HTTP.
package debug

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "jobmgr/internal/runtime/supervisor"
	logx "jobmgr/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

// Config controls the optional debug server. The server has no
// authentication; keep it on a loopback address.
type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Service runs the debug router on its own supervisor so a listener failure
// is retried with backoff instead of failing the app.
type Service struct {
	log     logx.Logger
	handler http.Handler

	// life serializes Start, Stop and Reconfigure.
	life sync.Mutex
	sup  *rtsup.Supervisor

	mu    sync.Mutex
	cfg   Config
	bound string
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "debug")), handler: NewRouter(src)}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *Service) setBound(addr string) {
	s.mu.Lock()
	s.bound = addr
	s.mu.Unlock()
}

// Reconfigure applies cfg, starting, stopping or rebinding the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}

	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.stopLocked(ctx)
	case s.sup == nil:
		s.startLocked(ctx)
	case listenerChanged(prev, cfg):
		s.log.Info("debug server rebinding", logx.String("addr", listenAddr(cfg.Addr)))
		s.stopLocked(ctx)
		s.startLocked(ctx)
	}
}

func listenerChanged(a, b Config) bool {
	return listenAddr(a.Addr) != listenAddr(b.Addr) ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func (s *Service) Start(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()
	s.startLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	if s.sup != nil || !s.Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("http.serve", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) stopLocked(ctx context.Context) {
	sup := s.sup
	if sup == nil {
		return
	}
	s.sup = nil
	if ctx == nil {
		ctx = context.Background()
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("debug server did not stop in time", logx.Err(err))
	}
	s.setBound("")
	s.log.Info("debug server stopped")
}

// serve runs one listener until ctx ends. Returning an error asks the
// supervisor to retry.
func (s *Service) serve(ctx context.Context) error {
	cfg := s.config()
	addr := listenAddr(cfg.Addr)
	if !loopback(addr) {
		s.log.Warn("debug server bound to non-loopback addr without auth", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	s.setBound(ln.Addr().String())
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	s.setBound("")

	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("debug server exited unexpectedly")
	}
	return err
}

func listenAddr(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

// loopback reports whether addr binds only to a loopback interface. An empty
// host listens on all interfaces.
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
