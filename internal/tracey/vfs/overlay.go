// Package vfs implements the process-wide editor-buffer overlay that the
// Snapshot Builder composes over on-disk reads.
package vfs

import (
	"sync"

	"github.com/spf13/afero"
)

// Overlay maps file paths to unsaved buffer content. It has no independent
// persistence; every mutation is expected to trigger a rebuild in the
// caller (the Overlay itself does not know about the Engine).
type Overlay struct {
	mu      sync.RWMutex
	buffers map[string]string
}

// New returns an empty Overlay.
func New() *Overlay {
	return &Overlay{buffers: make(map[string]string)}
}

// Open upserts buffer content for path (vfs_open/vfs_change).
func (o *Overlay) Open(path, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffers[path] = content
}

// Change is an alias of Open: both upsert.
func (o *Overlay) Change(path, content string) {
	o.Open(path, content)
}

// Close removes any buffer for path (vfs_close).
func (o *Overlay) Close(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.buffers, path)
}

// Get returns the overlay content for path, if any.
func (o *Overlay) Get(path string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.buffers[path]
	return c, ok
}

// Snapshot returns a point-in-time copy of the overlay, used by the Engine
// before kicking off a rebuild so the Builder never observes a half-applied
// mutation.
func (o *Overlay) Snapshot() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cp := make(map[string]string, len(o.buffers))
	for k, v := range o.buffers {
		cp[k] = v
	}
	return cp
}

// Reader composes an Overlay snapshot over an afero.Fs: reads consult the
// overlay first, falling back to disk.
type Reader struct {
	fs      afero.Fs
	overlay map[string]string
}

// NewReader builds a Reader from a disk filesystem and an overlay
// snapshot (see Overlay.Snapshot).
func NewReader(fs afero.Fs, overlay map[string]string) *Reader {
	return &Reader{fs: fs, overlay: overlay}
}

// ReadFile returns the overlay buffer for path if present, else reads from
// disk.
func (r *Reader) ReadFile(path string) (string, error) {
	if c, ok := r.overlay[path]; ok {
		return c, nil
	}
	b, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
