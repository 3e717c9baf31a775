package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ChangeType is the kind of change detected for a skill.
type ChangeType string

const (
	Created  ChangeType = "created"
	Modified ChangeType = "modified"
	Deleted  ChangeType = "deleted"
)

// Change describes one skill change.
type Change struct {
	Name string     `json:"name"`
	Dir  string     `json:"dir"`
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
}

// Handler receives changes from the watcher's poll loop.
type Handler func(Change)

// DefaultPollInterval is used when NewWatcher gets a zero interval.
const DefaultPollInterval = 10 * time.Second

// Watcher polls <dir>/*/SKILL.md modification times.
type Watcher struct {
	dir      string
	interval time.Duration
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	mtimes  map[string]time.Time // SKILL.md path -> mtime
	known   map[string]string    // skill name -> dir
	cron    *cron.Cron
	running bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger for poll errors.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for the skills directory dir. Intervals are
// rounded up to the one second cron resolution.
func NewWatcher(dir string, interval time.Duration, handler Handler, opts ...WatcherOption) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval < time.Second {
		interval = time.Second
	}
	w := &Watcher{
		dir:      dir,
		interval: interval,
		handler:  handler,
		logger:   slog.Default(),
		mtimes:   make(map[string]time.Time),
		known:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start records a baseline and begins polling. Starting a running watcher
// is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("skills directory does not exist: %s: %w", w.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", w.dir)
	}

	w.mtimes, w.known = w.scan()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.interval), w.poll); err != nil {
		return fmt.Errorf("scheduling skills poll: %w", err)
	}
	c.Start()

	w.cron = c
	w.running = true
	w.logger.Info("skills watcher started", "dir", w.dir, "interval", w.interval)
	return nil
}

// Stop ends polling and waits for an in-flight poll. Stopping a stopped
// watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	c := w.cron
	w.cron = nil
	w.running = false
	w.mu.Unlock()

	<-c.Stop().Done()
	w.logger.Info("skills watcher stopped", "dir", w.dir)
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// KnownSkills returns a copy of the known skill name to directory map.
func (w *Watcher) KnownSkills() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.known)
}

func (w *Watcher) poll() {
	w.Check()
}

// Check runs one poll step: it passes each change since the last step to
// the handler and returns them. A missing directory yields no changes.
func (w *Watcher) Check() []Change {
	w.mu.Lock()
	if _, err := os.Stat(w.dir); err != nil {
		w.mu.Unlock()
		return nil
	}
	changes := w.refreshLocked()
	w.mu.Unlock()

	if w.handler != nil {
		for _, ch := range changes {
			w.handler(ch)
		}
	}
	return changes
}

// ForceRefresh rescans the directory and returns what changed without
// calling the handler.
func (w *Watcher) ForceRefresh() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshLocked()
}

func (w *Watcher) refreshLocked() []Change {
	mtimes, known := w.scan()
	changes := diff(w.mtimes, w.known, mtimes, known)
	w.mtimes, w.known = mtimes, known
	return changes
}

// scan reads the current SKILL.md mtimes. Called with w.mu held.
func (w *Watcher) scan() (map[string]time.Time, map[string]string) {
	mtimes := make(map[string]time.Time)
	known := make(map[string]string)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("skills scan failed", "dir", w.dir, "error", err)
		}
		return mtimes, known
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.dir, e.Name())
		path := filepath.Join(dir, FileName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtimes[path] = info.ModTime()
		known[e.Name()] = dir
	}
	return mtimes, known
}

func diff(oldMtimes map[string]time.Time, oldKnown map[string]string, mtimes map[string]time.Time, known map[string]string) []Change {
	all := maps.Clone(known)
	maps.Copy(all, oldKnown)
	names := slices.Sorted(maps.Keys(all))

	var changes []Change
	for _, name := range names {
		newDir, inNew := known[name]
		oldDir, inOld := oldKnown[name]
		switch {
		case inNew && !inOld:
			changes = append(changes, Change{Name: name, Dir: newDir, Path: filepath.Join(newDir, FileName), Type: Created})
		case inOld && !inNew:
			changes = append(changes, Change{Name: name, Dir: oldDir, Path: filepath.Join(oldDir, FileName), Type: Deleted})
		default:
			path := filepath.Join(newDir, FileName)
			if !oldMtimes[filepath.Join(oldDir, FileName)].Equal(mtimes[path]) {
				changes = append(changes, Change{Name: name, Dir: newDir, Path: path, Type: Modified})
			}
		}
	}
	return changes
}
