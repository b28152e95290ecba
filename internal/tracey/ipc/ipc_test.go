package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/spf13/afero"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/collab/codeparser"
	"github.com/traceyhq/tracey/internal/tracey/collab/gitignore"
	"github.com/traceyhq/tracey/internal/tracey/collab/highlight"
	"github.com/traceyhq/tracey/internal/tracey/collab/specparser"
	"github.com/traceyhq/tracey/internal/tracey/config"
	"github.com/traceyhq/tracey/internal/tracey/engine"
	"github.com/traceyhq/tracey/internal/tracey/service"
)

type memSource struct{ cfg *config.Config }

func (s *memSource) GetConfig() (*config.Config, error)  { cp := *s.cfg; return &cp, nil }
func (s *memSource) UpdateConfig(c *config.Config) error { s.cfg = c; return nil }

func newTestListener(t *testing.T, socketPath string) *Listener {
	t.Helper()
	fs := afero.NewMemMapFs()
	root := "/work"
	must(t, afero.WriteFile(fs, root+"/spec.md", []byte("r[auth.login]\nUsers must log in.\n"), 0o644))
	must(t, afero.WriteFile(fs, root+"/src/a.rs", []byte("// r[impl auth.login]\nfn f(){}\n"), 0o644))

	cfg := &config.Config{Specs: []config.SpecConfig{{
		Name: "s", Prefix: "r", Include: []string{"spec.md"},
		Impls: []config.ImplConfig{{Name: "m", Include: []string{"src/**"}}},
	}}}
	gi, err := gitignore.Load(fs, root)
	must(t, err)
	src := &memSource{cfg: cfg}
	eng, err := engine.New(fs, root, src, func(prefix string) collab.SpecParser {
		return specparser.New(prefix)
	}, codeparser.New(), gi)
	must(t, err)
	svc := service.New(eng, fs, root, src, highlight.New(), nil)
	return New(logging.NewNopLogger(), socketPath, svc)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func dial(t *testing.T, socketPath string) *jsonrpc2.Conn {
	t.Helper()
	nc, err := net.Dial("unix", socketPath)
	must(t, err)
	stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})
	return jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.HandlerWithError(func(ctx context.Context, c *jsonrpc2.Conn, r *jsonrpc2.Request) (interface{}, error) {
		return nil, nil
	}))
}

func TestHelloMismatchClosesConnection(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	l := newTestListener(t, sock)
	must(t, l.Bind())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn := dial(t, sock)
	defer conn.Close()

	var reply Hello
	err := conn.Call(context.Background(), "hello", Hello{ProtocolVersion: ProtocolVersion + 1}, &reply)
	if err == nil {
		t.Fatal("expected an UnsupportedProtocolVersion error")
	}
	rpcErr, ok := err.(*jsonrpc2.Error)
	if !ok || rpcErr.Code != CodeUnsupportedProtocolVersion {
		t.Fatalf("expected UnsupportedProtocolVersion, got %v", err)
	}
}

func TestRequestsBeforeHelloAreRejected(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	l := newTestListener(t, sock)
	must(t, l.Bind())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn := dial(t, sock)
	defer conn.Close()

	var version uint64
	err := conn.Call(context.Background(), "version", nil, &version)
	if err == nil {
		t.Fatal("expected a BadRequest error before hello")
	}
}

func TestHelloThenStatusRoundTrips(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	l := newTestListener(t, sock)
	must(t, l.Bind())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn := dial(t, sock)
	defer conn.Close()

	var hello Hello
	must(t, conn.Call(context.Background(), "hello", Hello{ProtocolVersion: ProtocolVersion}, &hello))
	if hello.ProtocolVersion != ProtocolVersion {
		t.Fatalf("expected matching protocol version, got %d", hello.ProtocolVersion)
	}

	var status []map[string]interface{}
	must(t, conn.Call(context.Background(), "status", nil, &status))
	if len(status) != 1 {
		t.Fatalf("expected one status entry, got %v", status)
	}
}

func TestBindRefusesWhenAlreadyListening(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	first := newTestListener(t, sock)
	must(t, first.Bind())
	defer first.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	second := newTestListener(t, sock)
	if err := second.Bind(); err == nil {
		t.Fatal("expected Bind to refuse an endpoint already served by another daemon")
	}
}
