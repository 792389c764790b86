package localcache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// DefaultRetain is the number of snapshots kept for pinned sessions.
const DefaultRetain = 8

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Logger defines the logging interface used by the Cache.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Cache holds the current snapshot and a few older ones.
//
// Thread Safety: all methods are safe for concurrent use. Concurrent
// reloads share one read of the directory.
type Cache struct {
	dir    string
	retain int
	logger Logger
	now    func() time.Time

	flight singleflight.Group

	mu        sync.RWMutex
	current   *Snapshot
	snapshots map[string]*Snapshot
	order     []string
	onReload  []func(*Snapshot)
}

// New creates a Cache over dir. Nothing is read until Reload.
func New(dir string, retain int) *Cache {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Cache{
		dir:       dir,
		retain:    retain,
		logger:    noopLogger{},
		now:       time.Now,
		snapshots: make(map[string]*Snapshot),
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// OnReload registers fn to be called with every new snapshot.
func (c *Cache) OnReload(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

// Dir returns the watched directory.
func (c *Cache) Dir() string { return c.dir }

// Current returns the newest snapshot.
func (c *Cache) Current() (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, ErrNotLoaded
	}
	return c.current, nil
}

// Get returns the snapshot with the given key.
func (c *Cache) Get(key string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshots[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	return s, nil
}

// Reload reads the directory and makes the result current. An unchanged
// tree keeps the current snapshot.
func (c *Cache) Reload(ctx context.Context) (*Snapshot, error) {
	ch := c.flight.DoChan("reload", func() (any, error) {
		return c.reload()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil //nolint:forcetypeassert // reload returns *Snapshot
	}
}

func (c *Cache) reload() (*Snapshot, error) {
	s, err := loadSnapshot(c.dir, c.now())
	if err != nil {
		return nil, fmt.Errorf("loading snapshot from %s: %w", c.dir, err)
	}

	c.mu.Lock()
	if c.current != nil && c.current.key == s.key {
		cur := c.current
		c.mu.Unlock()
		return cur, nil
	}
	if _, ok := c.snapshots[s.key]; !ok {
		c.snapshots[s.key] = s
		c.order = append(c.order, s.key)
	} else {
		s = c.snapshots[s.key]
	}
	c.current = s
	for len(c.order) > c.retain {
		oldest := c.order[0]
		c.order = c.order[1:]
		if oldest != s.key {
			delete(c.snapshots, oldest)
		}
	}
	hooks := append(([]func(*Snapshot))(nil), c.onReload...)
	c.mu.Unlock()

	c.logger.Info("configuration loaded", "key", s.key,
		"provisions", len(s.provisions), "virtual_parameters", len(s.virtualParameters),
		"presets", len(s.presets), "files", len(s.files))
	for _, fn := range hooks {
		fn(s)
	}
	return s, nil
}

// Watch reloads whenever the directory changes, until ctx is cancelled.
// Reload failures are logged and the previous snapshot stays current.
func (c *Cache) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range []string{c.dir, filepath.Join(c.dir, provisionsDir), filepath.Join(c.dir, virtualParametersDir)} {
		if err := w.Add(dir); err != nil && dir == c.dir {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// A subdirectory created after startup is watched from now on.
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == filepath.Clean(c.dir) {
				_ = w.Add(ev.Name)
			}
			c.logger.Debug("configuration changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			trigger = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("configuration watcher error", "error", err)
		case <-trigger:
			trigger = nil
			if _, err := c.Reload(ctx); err != nil {
				c.logger.Error("configuration reload failed", "error", err)
			}
		}
	}
}
