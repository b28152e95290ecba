// Package lifecycle implements the daemon's filesystem-level rendezvous
// (PID file, startup lock, endpoint cleanup) and the client-side connect
// algorithm that spawns a daemon on demand, generalizing the same
// create-and-poll pattern the teacher uses for its own workspace cache
// directory bootstrapping, with process supervision layered on top.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/spf13/afero"

	"github.com/traceyhq/tracey/internal/tracey/ipc"
)

const (
	dirName  = ".tracey"
	sockName = "daemon.sock"
	pidName  = "daemon.pid"
	logName  = "daemon.log"
	lockName = "daemon-start.lock"

	startupLockStale = 30 * time.Second
	startupPollEvery = 50 * time.Millisecond
	startupTimeout   = 5 * time.Second
	connectPollEvery = 100 * time.Millisecond
	connectTimeout   = 5 * time.Second
	connectDialTry   = 300 * time.Millisecond

	idleCheckEvery = 30 * time.Second

	errStartupTimeout = "timed out waiting for another process's daemon startup to finish"
	errConnectTimeout = "timed out waiting for the daemon endpoint to come up"
)

// Dir, SockPath, PIDPath, and LogPath are the workspace-relative
// filesystem layout from the external-interfaces section: everything the
// daemon owns lives under <root>/.tracey.
func Dir(root string) string      { return filepath.Join(root, dirName) }
func SockPath(root string) string { return filepath.Join(Dir(root), sockName) }
func PIDPath(root string) string  { return filepath.Join(Dir(root), pidName) }
func LogPath(root string) string  { return filepath.Join(Dir(root), logName) }
func lockPath(root string) string { return filepath.Join(Dir(root), lockName) }

// EnsureDir creates the .tracey directory if absent and, on that first
// creation, adds it to the workspace .gitignore.
func EnsureDir(fs afero.Fs, root string) error {
	dir := Dir(root)
	if _, err := fs.Stat(dir); err == nil {
		return nil
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create .tracey directory")
	}
	return ensureGitignored(fs, root)
}

// ensureGitignored appends ".tracey/" to an existing .gitignore if it
// isn't already ignored. It never creates a .gitignore that doesn't
// already exist — that's the workspace owner's call, not the daemon's.
func ensureGitignored(fs afero.Fs, root string) error {
	path := filepath.Join(root, ".gitignore")
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read .gitignore")
	}
	for _, line := range strings.Split(string(b), "\n") {
		t := strings.TrimSpace(line)
		if t == dirName || t == dirName+"/" {
			return nil
		}
	}
	amended := string(b)
	if len(amended) > 0 && !strings.HasSuffix(amended, "\n") {
		amended += "\n"
	}
	amended += dirName + "/\n"
	return afero.WriteFile(fs, path, []byte(amended), 0o644)
}

// PID is the parsed contents of daemon.pid.
type PID struct {
	Pid     int
	Version int
}

// WritePID persists the PID file in the two-line `pid=<n>\nversion=<n>\n`
// format the client-connect algorithm reads back.
func WritePID(fs afero.Fs, root string, pid, version int) error {
	body := fmt.Sprintf("pid=%d\nversion=%d\n", pid, version)
	return afero.WriteFile(fs, PIDPath(root), []byte(body), 0o644)
}

// ReadPID parses the PID file. A missing or malformed file is reported as
// an error; callers treat that as "no daemon recorded".
func ReadPID(fs afero.Fs, root string) (PID, error) {
	b, err := afero.ReadFile(fs, PIDPath(root))
	if err != nil {
		return PID{}, err
	}
	var p PID
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		switch strings.TrimSpace(k) {
		case "pid":
			p.Pid = n
		case "version":
			p.Version = n
		}
	}
	if p.Pid == 0 {
		return PID{}, errors.New("malformed pid file")
	}
	return p, nil
}

// RemoveEndpoint deletes the socket and PID file, the cleanup step every
// "stale daemon" branch of the connect algorithm performs.
func RemoveEndpoint(fs afero.Fs, root string) {
	fs.Remove(SockPath(root))
	fs.Remove(PIDPath(root))
}

// IsAlive reports whether pid names a live, signalable process. Signal 0
// is the standard liveness probe: it performs no action beyond existence
// and permission checks.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate asks a running daemon (discovered to speak a different
// protocol version) to exit.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// AcquireStartupLock implements the create-exclusive rendezvous file:
// concurrent launchers race to create daemon-start.lock, the loser polls
// at 50ms intervals for up to 5s, and a lock older than 30s is treated as
// orphaned (its holder crashed before releasing it) and removed.
func AcquireStartupLock(fs afero.Fs, root string) (release func(), err error) {
	if err := EnsureDir(fs, root); err != nil {
		return nil, err
	}
	path := lockPath(root)
	deadline := time.Now().Add(startupTimeout)
	for {
		f, cerr := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if cerr == nil {
			f.Close()
			return func() { fs.Remove(path) }, nil
		}
		if info, serr := fs.Stat(path); serr == nil && time.Since(info.ModTime()) > startupLockStale {
			fs.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, errors.New(errStartupTimeout)
		}
		time.Sleep(startupPollEvery)
	}
}

func tryDial(root string) (net.Conn, error) {
	return net.DialTimeout("unix", SockPath(root), connectDialTry)
}

// Connect implements the client connect algorithm (spec.md §4.9): it
// reuses a live, version-matched daemon, clears a stale or
// version-mismatched one, serializes a fresh launch behind the startup
// lock, and polls the endpoint until it answers or the timeout elapses.
// spawn is responsible for step 6 (detached process launch); callers
// typically pass SpawnDetached.
func Connect(ctx context.Context, log logging.Logger, fs afero.Fs, root string, spawn func() error) (net.Conn, error) {
	if pid, err := ReadPID(fs, root); err != nil {
		RemoveEndpoint(fs, root)
	} else if IsAlive(pid.Pid) && pid.Version == ipc.ProtocolVersion {
		if conn, derr := tryDial(root); derr == nil {
			return conn, nil
		}
		RemoveEndpoint(fs, root)
	} else if IsAlive(pid.Pid) {
		_ = Terminate(pid.Pid)
		RemoveEndpoint(fs, root)
	}

	release, lerr := AcquireStartupLock(fs, root)
	if lerr != nil {
		return nil, lerr
	}
	defer release()

	if pid, err := ReadPID(fs, root); err == nil && IsAlive(pid.Pid) && pid.Version == ipc.ProtocolVersion {
		if conn, derr := tryDial(root); derr == nil {
			return conn, nil
		}
	}

	if err := spawn(); err != nil {
		return nil, errors.Wrap(err, "failed to spawn daemon")
	}

	deadline := time.Now().Add(connectTimeout)
	lastLog := time.Now()
	for {
		if conn, derr := tryDial(root); derr == nil {
			return conn, nil
		}
		if time.Since(lastLog) >= time.Second {
			log.Debug("waiting for daemon endpoint")
			lastLog = time.Now()
		}
		if time.Now().After(deadline) {
			return nil, errors.New(errConnectTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectPollEvery):
		}
	}
}

// SpawnDetached launches binary as a background daemon: a new session (so
// it outlives the parent's process group) with stdio redirected to
// /dev/null, per the "spawn detached" step of the connect algorithm.
func SpawnDetached(binary string, args []string, root string) error {
	cmd := exec.Command(binary, args...)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull, devNull, devNull
	cmd.Dir = root
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// Controller enforces the daemon-side idle shutdown policy: a live
// connection count and a last-activity timestamp, checked every 30s.
type Controller struct {
	active    int64
	lastEvent atomic.Value
	idle      time.Duration
}

// NewController returns a Controller that shuts down after idle of
// inactivity with zero open connections.
func NewController(idle time.Duration) *Controller {
	c := &Controller{idle: idle}
	c.lastEvent.Store(time.Now())
	return c
}

// ConnectionOpened/ConnectionClosed track the active-connection count;
// wire them to ipc.Listener's OnConnect/OnDisconnect hooks.
func (c *Controller) ConnectionOpened() { atomic.AddInt64(&c.active, 1) }
func (c *Controller) ConnectionClosed() {
	atomic.AddInt64(&c.active, -1)
	c.lastEvent.Store(time.Now())
}

func (c *Controller) shouldShutdown() bool {
	if atomic.LoadInt64(&c.active) > 0 {
		return false
	}
	last, _ := c.lastEvent.Load().(time.Time)
	return time.Since(last) > c.idle
}

// Run blocks until either the idle timeout elapses with no active
// connections, shutdownRequested closes (the `shutdown` RPC
// short-circuit), or ctx is cancelled. onShutdown runs at most once.
func (c *Controller) Run(ctx context.Context, shutdownRequested <-chan struct{}, onShutdown func()) {
	ticker := time.NewTicker(idleCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdownRequested:
			onShutdown()
			return
		case <-ticker.C:
			if c.shouldShutdown() {
				onShutdown()
				return
			}
		}
	}
}
