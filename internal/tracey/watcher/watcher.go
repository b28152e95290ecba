// Package watcher implements the debounced filesystem notifier, grounded
// on the teacher's own watchCache loop (internal/xpls/dispatcher.go) built
// on radovskyb/watcher.
package watcher

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	rw "github.com/radovskyb/watcher"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/config"
)

const (
	debounceWindow = 200 * time.Millisecond
	restartBackoff = 5 * time.Second
)

// EventKind distinguishes a config/gitignore change from an ordinary
// tracked-file change.
type EventKind int

const (
	FilesChanged EventKind = iota
	Reconfigure
)

// Event is what the Watcher delivers to its consumer.
type Event struct {
	Kind  EventKind
	Paths []string
}

// State exposes watcher health for the `health` RPC.
type State struct {
	mu           sync.RWMutex
	active       bool
	lastError    string
	eventCount   uint64
	lastEventAt  time.Time
	watchedDirs  []string
}

func (s *State) snapshot() (active bool, lastError string, eventCount uint64, lastEventAt time.Time, dirs []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.lastError, s.eventCount, s.lastEventAt, append([]string(nil), s.watchedDirs...)
}

// Snapshot returns the current health fields.
func (s *State) Snapshot() (active bool, lastError string, eventCount uint64, lastEventAt time.Time, watchedDirs []string) {
	return s.snapshot()
}

// Watcher derives a minimal watch-dir set from config globs and emits
// filtered, debounced Events on Events().
type Watcher struct {
	log        logging.Logger
	root       string
	configPath string
	gitignore  collab.GitignoreMatcher

	cfgMu sync.RWMutex
	cfg   *config.Config

	events chan Event
	stop   chan struct{}
	state  State
	gen    uint64 // bumped on every Reconfigure so a stale restart loop exits
}

// New constructs a Watcher. It does not start watching until Run is called.
func New(log logging.Logger, root, configPath string, cfg *config.Config, gitignore collab.GitignoreMatcher) *Watcher {
	return &Watcher{
		log: log, root: root, configPath: configPath, gitignore: gitignore,
		cfg: cfg, events: make(chan Event, 16), stop: make(chan struct{}),
	}
}

// Events returns the channel of filtered, debounced events.
func (w *Watcher) Events() <-chan Event { return w.events }

// State returns a handle to the watcher's health state.
func (w *Watcher) State() *State { return &w.state }

// Reconfigure swaps the active config (and rebuilds the watch-dir set on
// the next restart cycle), used after a config/gitignore change. A nil
// gitignore leaves the previously loaded matcher in place.
func (w *Watcher) Reconfigure(cfg *config.Config, gitignore collab.GitignoreMatcher) {
	w.cfgMu.Lock()
	w.cfg = cfg
	if gitignore != nil {
		w.gitignore = gitignore
	}
	w.cfgMu.Unlock()
	atomic.AddUint64(&w.gen, 1)
}

// Stop terminates the watcher's background goroutine.
func (w *Watcher) Stop() {
	close(w.stop)
}

// Run starts the self-restarting watch loop. It blocks until Stop is
// called, so callers typically invoke it via `go watcher.Run()`.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.stop:
			w.state.mu.Lock()
			w.state.active = false
			w.state.mu.Unlock()
			return
		default:
		}

		myGen := atomic.LoadUint64(&w.gen)
		if err := w.runOnce(myGen); err != nil {
			w.state.mu.Lock()
			w.state.active = false
			w.state.lastError = err.Error()
			w.state.mu.Unlock()
			w.log.Info("watcher failed, restarting", "error", err)
			select {
			case <-w.stop:
				return
			case <-time.After(restartBackoff):
			}
		}
	}
}

func (w *Watcher) runOnce(myGen uint64) error {
	w.cfgMu.RLock()
	cfg := w.cfg
	gi := w.gitignore
	w.cfgMu.RUnlock()

	dirs := watchDirs(w.root, cfg)

	rwatch := rw.New()
	rwatch.FilterOps(rw.Write, rw.Create, rw.Remove, rw.Rename, rw.Move)

	for _, d := range dirs {
		if err := rwatch.AddRecursive(d); err != nil {
			return err
		}
	}
	if err := rwatch.Add(w.configPath); err != nil {
		w.log.Debug("config file not present yet", "path", w.configPath)
	}

	w.state.mu.Lock()
	w.state.active = true
	w.state.lastError = ""
	w.state.watchedDirs = dirs
	w.state.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- rwatch.Start(debounceWindow) }()

	var pending []string
	var debounce *time.Timer
	debounceC := make(<-chan time.Time)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.emit(cfg, gi, pending)
		pending = nil
	}

	for {
		select {
		case <-w.stop:
			rwatch.Close()
			return nil
		case ev, ok := <-rwatch.Event:
			if !ok {
				continue
			}
			if atomic.LoadUint64(&w.gen) != myGen {
				rwatch.Close()
				return nil // superseded by a Reconfigure; restart with new dirs
			}
			pending = append(pending, ev.Path)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(debounceWindow)
			debounceC = debounce.C
		case <-debounceC:
			flush()
		case err, ok := <-rwatch.Error:
			if !ok {
				continue
			}
			rwatch.Close()
			return err
		case err := <-done:
			return err
		}
	}
}

func (w *Watcher) emit(cfg *config.Config, gi collab.GitignoreMatcher, paths []string) {
	var reconfig bool
	var changed []string

	for _, p := range paths {
		if isReconfigurePath(w.root, w.configPath, p) {
			reconfig = true
			continue
		}
		if filtered(w.root, cfg, gi, p) {
			changed = append(changed, p)
		}
	}

	w.state.mu.Lock()
	w.state.eventCount += uint64(len(paths))
	w.state.lastEventAt = time.Now()
	w.state.mu.Unlock()

	if reconfig {
		w.events <- Event{Kind: Reconfigure, Paths: paths}
	}
	if len(changed) > 0 {
		w.events <- Event{Kind: FilesChanged, Paths: changed}
	}
}

func isReconfigurePath(root, configPath, p string) bool {
	if filepath.Clean(p) == filepath.Clean(configPath) {
		return true
	}
	return filepath.Base(p) == ".gitignore"
}

// filtered applies the three-step keep/drop sequence from the component
// design: gitignore, then impl.exclude, then impl.include (or keep-all if
// no includes are configured).
func filtered(root string, cfg *config.Config, gi collab.GitignoreMatcher, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)

	if gi != nil && gi.Matches(rel, false) {
		return false
	}

	var allInclude, allExclude []string
	for _, sc := range cfg.Specs {
		for _, ic := range sc.Impls {
			allInclude = append(allInclude, ic.Include...)
			allExclude = append(allExclude, ic.Exclude...)
		}
	}
	for _, pat := range allExclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	if len(allInclude) == 0 {
		return true
	}
	for _, pat := range allInclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// watchDirs derives a minimal directory set by taking each include glob's
// longest literal (non-wildcard) path prefix.
func watchDirs(root string, cfg *config.Config) []string {
	seen := map[string]bool{}
	var dirs []string
	add := func(pattern string) {
		base, _ := doublestar.SplitPattern(pattern)
		base = filepath.Join(root, base)
		if !seen[base] {
			seen[base] = true
			dirs = append(dirs, base)
		}
	}
	for _, sc := range cfg.Specs {
		for _, pat := range sc.Include {
			add(pat)
		}
		for _, ic := range sc.Impls {
			for _, pat := range ic.Include {
				add(pat)
			}
		}
	}
	if len(dirs) == 0 {
		dirs = append(dirs, root)
	}
	return dirs
}
