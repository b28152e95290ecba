package lifecycle

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestEnsureDirAddsGitignoreEntryOnlyWhenGitignoreExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"

	must(t, EnsureDir(fs, root))
	if _, err := fs.Stat(root + "/.gitignore"); err == nil {
		t.Fatal("did not expect EnsureDir to create a .gitignore from nothing")
	}

	fs2 := afero.NewMemMapFs()
	must(t, afero.WriteFile(fs2, root+"/.gitignore", []byte("node_modules/\n"), 0o644))
	must(t, EnsureDir(fs2, root))
	b, err := afero.ReadFile(fs2, root+"/.gitignore")
	must(t, err)
	if got := string(b); got != "node_modules/\n.tracey/\n" {
		t.Fatalf("unexpected .gitignore contents: %q", got)
	}

	// Second call must not duplicate the entry.
	must(t, EnsureDir(fs2, root))
	b2, err := afero.ReadFile(fs2, root+"/.gitignore")
	must(t, err)
	if string(b2) != string(b) {
		t.Fatalf(".tracey entry was duplicated: %q", string(b2))
	}
}

func TestWritePIDRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, EnsureDir(fs, root))
	must(t, WritePID(fs, root, 4242, 7))

	pid, err := ReadPID(fs, root)
	must(t, err)
	if pid.Pid != 4242 || pid.Version != 7 {
		t.Fatalf("unexpected PID: %+v", pid)
	}
}

func TestReadPIDErrorsWhenMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := ReadPID(fs, "/work"); err == nil {
		t.Fatal("expected an error reading an absent pid file")
	}
}

func TestIsAliveDetectsSelfAndBogusPID(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Fatal("expected the current process to report alive")
	}
	if IsAlive(-1) {
		t.Fatal("expected a negative pid to report not alive")
	}
}

func TestAcquireStartupLockSerializesConcurrentCallers(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, EnsureDir(fs, root))

	release, err := AcquireStartupLock(fs, root)
	must(t, err)

	done := make(chan struct{})
	var secondErr error
	go func() {
		_, secondErr = AcquireStartupLock(fs, root)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should have blocked while the first holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	<-done
	if secondErr != nil {
		t.Fatalf("expected the second caller to acquire the lock once released, got %v", secondErr)
	}
}

func TestAcquireStartupLockRemovesOrphanedLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, EnsureDir(fs, root))
	must(t, afero.WriteFile(fs, lockPath(root), []byte(""), 0o644))

	// Backdate the lock file past the staleness threshold by writing it
	// through a Chtimes-capable fs; MemMapFs supports Chtimes.
	old := time.Now().Add(-2 * startupLockStale)
	if err := fs.Chtimes(lockPath(root), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	release, err := AcquireStartupLock(fs, root)
	must(t, err)
	release()
}

func TestControllerShutsDownAfterIdleWithNoConnections(t *testing.T) {
	c := NewController(20 * time.Millisecond)
	shutdownCh := make(chan struct{})
	var called int
	var mu sync.Mutex

	go c.Run(context.Background(), shutdownCh, func() {
		mu.Lock()
		called++
		mu.Unlock()
	})

	// Run checks the idle condition once per idleCheckEvery tick.
	time.Sleep(idleCheckEvery + 100*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if called == 0 {
		t.Fatal("expected the idle controller to fire onShutdown")
	}
}

func TestControllerDoesNotShutDownWithActiveConnection(t *testing.T) {
	c := NewController(20 * time.Millisecond)
	c.ConnectionOpened()
	if c.shouldShutdown() {
		t.Fatal("did not expect shutdown with an active connection")
	}
}

func TestControllerShutdownRequestedShortCircuits(t *testing.T) {
	c := NewController(time.Hour)
	shutdownCh := make(chan struct{})
	done := make(chan struct{})
	go c.Run(context.Background(), shutdownCh, func() { close(done) })
	close(shutdownCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected shutdownRequested to short-circuit the idle timeout")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
