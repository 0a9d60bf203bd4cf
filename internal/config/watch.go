package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "jobmgr/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond

	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// followed. A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	retry := watchRetryMin
	for ctx.Err() == nil {
		started, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if started {
			retry = watchRetryMin
		}
		wait := retry + rand.N(retry/2+1)
		m.log.Warn("config watcher failed; retrying", logx.Err(err), logx.Duration("backoff", wait))
		retry = min(retry*2, watchRetryMax)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher; started reports whether the watch was
// established. Reloads are debounced on a timer owned by this goroutine, so
// they never overlap.
func (m *ConfigManager) watchOnce(ctx context.Context) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	schedule := func() { debounce.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events may have been lost; reload to be safe.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
