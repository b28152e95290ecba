// Package engine holds the current Snapshot behind a reader/writer lock
// and orchestrates rebuilds, mirroring the teacher's xpkg/snapshot.Factory
// pattern of a long-lived factory producing immutable, atomically swapped
// values.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/snapshot"
	"github.com/traceyhq/tracey/internal/tracey/vfs"
)

const errRebuild = "failed to rebuild snapshot"

// Update is broadcast to subscribers after each successful rebuild.
type Update struct {
	Version uint64
	Snap    *snapshot.Snapshot
}

// Engine owns the current Snapshot and coalesces concurrent rebuild
// requests through a singleflight.Group, exactly the "at-least-one
// rebuild completes after the last mutation" contract the component
// design calls for.
type Engine struct {
	log logging.Logger

	fs     afero.Fs
	root   string
	source config.Source

	specParser func(prefix string) collab.SpecParser
	codeParser collab.CodeParser
	gitignore  collab.GitignoreMatcher

	mu      sync.RWMutex
	current *snapshot.Snapshot

	version     uint64 // atomic
	overlay     *vfs.Overlay
	configErrMu sync.RWMutex
	configErr   string

	sf singleflight.Group

	subsMu sync.Mutex
	subs   map[chan Update]struct{}

	startTime time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New constructs an Engine. The first Snapshot is built synchronously so
// callers always have a valid current() immediately.
func New(fs afero.Fs, root string, source config.Source, specParser func(prefix string) collab.SpecParser, codeParser collab.CodeParser, gitignore collab.GitignoreMatcher, opts ...Option) (*Engine, error) {
	e := &Engine{
		log:        logging.NewNopLogger(),
		fs:         fs,
		root:       root,
		source:     source,
		specParser: specParser,
		codeParser: codeParser,
		gitignore:  gitignore,
		overlay:    vfs.New(),
		subs:       map[chan Update]struct{}{},
		startTime:  time.Now(),
	}
	for _, o := range opts {
		o(e)
	}
	if _, _, err := e.Rebuild(); err != nil {
		return nil, errors.Wrap(err, errRebuild)
	}
	return e, nil
}

// Current returns a shared handle to the current Snapshot.
func (e *Engine) Current() *snapshot.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Overlay returns the process-wide VFS overlay.
func (e *Engine) Overlay() *vfs.Overlay {
	return e.overlay
}

// ConfigError returns the last non-fatal config parse error, if any.
func (e *Engine) ConfigError() string {
	e.configErrMu.RLock()
	defer e.configErrMu.RUnlock()
	return e.configErr
}

// Uptime reports how long the Engine has been running.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.startTime)
}

// Version returns the current Snapshot's version.
func (e *Engine) Version() uint64 {
	if snap := e.Current(); snap != nil {
		return snap.Version
	}
	return 0
}

// Subscribe returns a channel receiving one Update per successful rebuild.
// Unsubscribe must be called when the caller is done, or the channel leaks.
func (e *Engine) Subscribe() chan Update {
	ch := make(chan Update, 1)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (e *Engine) Unsubscribe(ch chan Update) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
}

// VFSOpen upserts an overlay buffer and triggers an asynchronous rebuild;
// the caller does not wait for it (spec's "every mutation fires rebuild;
// the caller need not wait").
func (e *Engine) VFSOpen(path, content string) {
	e.overlay.Open(path, content)
	e.triggerRebuildAsync()
}

// VFSChange is an alias of VFSOpen.
func (e *Engine) VFSChange(path, content string) {
	e.overlay.Change(path, content)
	e.triggerRebuildAsync()
}

// VFSClose removes an overlay buffer and triggers an asynchronous rebuild.
func (e *Engine) VFSClose(path string) {
	e.overlay.Close(path)
	e.triggerRebuildAsync()
}

func (e *Engine) triggerRebuildAsync() {
	go func() {
		if _, _, err := e.Rebuild(); err != nil {
			e.log.Info("rebuild after overlay mutation failed", "error", err)
		}
	}()
}

// Rebuild reloads config, snapshots the overlay, runs the Builder, and
// atomically swaps the current Snapshot. Concurrent callers coalesce onto
// one in-flight build via singleflight. A caller whose result was shared
// with others runs one more coalesced build, since the shared build may
// have read config and overlay before that caller's mutation.
func (e *Engine) Rebuild() (uint64, time.Duration, error) {
	v, err, shared := e.sf.Do("rebuild", func() (interface{}, error) {
		return e.rebuildOnce()
	})
	if shared {
		v, err, _ = e.sf.Do("rebuild", func() (interface{}, error) {
			return e.rebuildOnce()
		})
	}
	if err != nil {
		return 0, 0, err
	}
	res := v.(rebuildResult)
	return res.version, res.elapsed, nil
}

type rebuildResult struct {
	version uint64
	elapsed time.Duration
}

func (e *Engine) rebuildOnce() (rebuildResult, error) {
	cfg, cfgErr := e.source.GetConfig()
	configErrMsg := ""
	if cfgErr != nil {
		configErrMsg = cfgErr.Error()
		e.log.Debug("config reload failed, retaining prior config", "error", cfgErr)
		if e.current != nil {
			cfg = e.current.Config
		}
		if cfg == nil {
			return rebuildResult{}, errors.Wrap(cfgErr, errRebuild)
		}
	}
	e.configErrMu.Lock()
	e.configErr = configErrMsg
	e.configErrMu.Unlock()

	overlaySnap := e.overlay.Snapshot()
	nextVersion := atomic.AddUint64(&e.version, 1)

	prior := e.Current()
	snap, err := snapshot.Build(snapshot.Input{
		Fs: e.fs, Root: e.root, Config: cfg, Version: nextVersion,
		ConfigError: configErrMsg, Overlay: overlaySnap, Prior: prior,
		SpecParser: e.specParser, CodeParser: e.codeParser, Gitignore: e.gitignore,
	})
	if err != nil {
		atomic.AddUint64(&e.version, ^uint64(0)) // undo the bump: build failed
		return rebuildResult{}, errors.Wrap(err, errRebuild)
	}

	e.mu.Lock()
	e.current = snap
	e.mu.Unlock()

	e.broadcast(Update{Version: snap.Version, Snap: snap})

	return rebuildResult{version: snap.Version, elapsed: snap.Elapsed}, nil
}

func (e *Engine) broadcast(u Update) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- u:
		default:
			// Slow subscriber: drop the stale value rather than block the
			// rebuild path; it will observe the next one.
			select {
			case <-ch:
			default:
			}
			ch <- u
		}
	}
}
