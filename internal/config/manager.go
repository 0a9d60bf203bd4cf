package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	logx "jobmgr/pkg/logx"
)

// Validator runs after the static checks and before a config is committed.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the committed config and fans reloaded versions out to
// subscribers.
type ConfigManager struct {
	path    string
	environ map[string]string // nil: process environment
	log     logx.Logger
	check   Validator

	mu  sync.RWMutex
	cfg *Config
	sum [sha256.Size]byte

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetEnvironment replaces the environment used for JOBMGR_* overrides.
func (m *ConfigManager) SetEnvironment(environ map[string]string) { m.environ = environ }

func (m *ConfigManager) SetValidator(fn Validator) { m.check = fn }

func (m *ConfigManager) Path() string { return m.path }

// Parse reads and decodes the file and applies env overrides. It does not
// validate.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return parseBytes(m.path, b, m.environ)
}

func (m *ConfigManager) validate(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.check(vctx, cfg)
}

// Load parses, validates and commits the file without notifying subscribers.
func (m *ConfigManager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum, _ := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// reload re-reads the file and publishes it when it is valid and differs
// from the committed config.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	sum, ok := fingerprint(cfg)
	m.mu.RLock()
	same := ok && sum == m.sum
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if err := m.validate(ctx, cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%x", sum[:6])))
}

// Subscribe returns a channel that receives every committed reload. Only the
// newest pending config is kept for a slow reader.
func (m *ConfigManager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Full: replace the oldest pending config. publish is the only
			// sender, so the second send cannot block.
			select {
			case <-ch:
			default:
			}
			ch <- cfg
		}
	}
}
