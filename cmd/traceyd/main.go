// Command traceyd is the Tracey daemon: it owns one workspace's Engine,
// Watcher, and IPC endpoint, in the same single-binary-many-flags shape
// the teacher uses for its own long-running xpls server command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/spf13/afero"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/collab/codeparser"
	"github.com/traceyhq/tracey/internal/tracey/collab/gitignore"
	"github.com/traceyhq/tracey/internal/tracey/collab/highlight"
	"github.com/traceyhq/tracey/internal/tracey/collab/specparser"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/engine"
	"github.com/traceyhq/tracey/internal/tracey/ipc"
	"github.com/traceyhq/tracey/internal/tracey/lifecycle"
	"github.com/traceyhq/tracey/internal/tracey/service"
	"github.com/traceyhq/tracey/internal/tracey/watcher"
)

type cli struct {
	Root        string `name:"root" help:"Workspace root to serve." default:"."`
	ConfigPath  string `name:"config" help:"Config file path, relative to root." default:"tracey.yaml"`
	IdleTimeout string `name:"idle-timeout" help:"Shut down after this long with no connections and no activity (Go duration syntax)." default:"10m"`
}

func main() {
	c := cli{}
	kong.Parse(&c, kong.Name("traceyd"), kong.Description("Tracey spec/code traceability daemon"))

	root, err := filepath.Abs(c.Root)
	if err != nil {
		fatal(err)
	}

	fs := afero.NewOsFs()
	if err := lifecycle.EnsureDir(fs, root); err != nil {
		fatal(err)
	}

	log, closeLog, err := newFileLogger(lifecycle.LogPath(root))
	if err != nil {
		fatal(err)
	}
	defer closeLog()

	if err := run(c, fs, root, log); err != nil {
		log.Info("daemon exiting with error", "error", err)
		os.Exit(1)
	}
}

func run(c cli, fs afero.Fs, root string, log logging.Logger) error {
	idle, err := parseIdleTimeout(c.IdleTimeout)
	if err != nil {
		return err
	}

	cfgPath := c.ConfigPath
	if cfgPath != "" && !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(root, cfgPath)
	}
	source := config.NewFSSource(fs, root, cfgPath)
	gi, err := gitignore.Load(fs, root)
	if err != nil {
		return err
	}
	eng, err := engine.New(fs, root, source, func(prefix string) collab.SpecParser {
		return specparser.New(prefix)
	}, codeparser.New(), gi, engine.WithLogger(log))
	if err != nil {
		return err
	}

	cfg := eng.Current().Config
	w := watcher.New(log, root, cfgPath, cfg, gi)
	svc := service.New(eng, fs, root, source, highlight.New(), w)

	ctrl := lifecycle.NewController(idle)
	l := ipc.New(log, lifecycle.SockPath(root), svc)
	l.OnConnect = ctrl.ConnectionOpened
	l.OnDisconnect = ctrl.ConnectionClosed
	if err := l.Bind(); err != nil {
		return err
	}
	defer l.Close()

	if err := lifecycle.WritePID(fs, root, os.Getpid(), ipc.ProtocolVersion); err != nil {
		return err
	}
	defer lifecycle.RemoveEndpoint(fs, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go w.Run()
	defer w.Stop()
	go forwardWatcherEvents(w, eng, fs, root, source, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(ctx) }()

	go ctrl.Run(ctx, svc.ShutdownRequested(), cancel)

	select {
	case <-sigCh:
		log.Info("received interrupt, shutting down")
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		return err
	}
	cancel()
	return nil
}

// forwardWatcherEvents rebuilds the Engine on every filesystem event the
// Watcher reports, and re-applies the on-disk config/gitignore whenever a
// Reconfigure event fires.
func forwardWatcherEvents(w *watcher.Watcher, eng *engine.Engine, fs afero.Fs, root string, source config.Source, log logging.Logger) {
	for ev := range w.Events() {
		if ev.Kind == watcher.Reconfigure {
			cfg, err := source.GetConfig()
			if err != nil {
				log.Info("reconfigure: failed to reload config", "error", err)
				continue
			}
			newGi, err := gitignore.Load(fs, root)
			if err != nil {
				log.Info("reconfigure: failed to reload gitignore", "error", err)
				continue
			}
			w.Reconfigure(cfg, newGi)
		}
		if _, _, err := eng.Rebuild(); err != nil {
			log.Info("rebuild failed", "error", err)
		}
	}
}

func newFileLogger(path string) (logging.Logger, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	zl := zap.New(zap.UseDevMode(false), zap.WriteTo(f))
	return logging.NewLogrLogger(zl), func() { f.Close() }, nil
}

func parseIdleTimeout(s string) (time.Duration, error) {
	if s == "" {
		return config.DefaultIdleTimeout, nil
	}
	return time.ParseDuration(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "traceyd:", err)
	os.Exit(1)
}
