// Package ipc binds the workspace-local daemon endpoint and speaks a
// length-prefixed JSON-RPC dialect over it, mirroring the teacher's own
// xpls transport (a jsonrpc2.Conn wrapping an io.ReadWriteCloser) but
// generalized from a single stdio pair to an accept loop over a
// Unix-domain socket.
package ipc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/traceyhq/tracey/internal/tracey/service"
)

// ProtocolVersion is the handshake version this build of the daemon
// speaks. Bumped whenever the request/response shapes in dispatch.go
// change incompatibly.
const ProtocolVersion = 1

const (
	errAlreadyRunning = "another daemon already owns this endpoint"
	errListen         = "failed to bind daemon endpoint"
)

// Error codes carried on jsonrpc2.Error.Code, named after the wire
// protocol's error enum.
const (
	CodeNotFound                   = 1
	CodeBadRequest                 = 2
	CodeInternal                   = 3
	CodeUnsupportedProtocolVersion = 4
	CodeHashMismatch               = 5
	CodeConfigError                = 6
)

// Features lists the optional capabilities this build advertises in its
// hello reply. Empty for now; present so clients can detect future
// additions without a protocol bump.
var Features []string

// Hello is exchanged in both directions as the first message on a new
// connection.
type Hello struct {
	ProtocolVersion int      `json:"protocol_version"`
	Features        []string `json:"features"`
}

// Listener accepts connections on a Unix-domain socket and dispatches
// each request to a Service.
type Listener struct {
	log        logging.Logger
	socketPath string
	svc        *service.Service

	// OnConnect/OnDisconnect, when set, let the lifecycle controller track
	// the active-connection count for idle shutdown. Neither is required.
	OnConnect    func()
	OnDisconnect func()

	mu sync.Mutex
	ln net.Listener
}

// New constructs a Listener. It does not bind until Bind is called.
func New(log logging.Logger, socketPath string, svc *service.Service) *Listener {
	return &Listener{log: log, socketPath: socketPath, svc: svc}
}

// Bind claims the socket path, refusing to start if another daemon is
// already listening on it, and removing a stale (unconnectable) socket
// file left behind by a crashed daemon.
func (l *Listener) Bind() error {
	if _, err := os.Stat(l.socketPath); err == nil {
		if c, derr := net.DialTimeout("unix", l.socketPath, 200*time.Millisecond); derr == nil {
			c.Close()
			return errors.New(errAlreadyRunning)
		}
		if rerr := os.Remove(l.socketPath); rerr != nil {
			return errors.Wrap(rerr, errListen)
		}
	}
	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return errors.Wrap(err, errListen)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

// Close stops accepting connections and removes the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	os.Remove(l.socketPath)
	return err
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// Connections are handled concurrently; requests on one connection are
// handled one at a time in arrival order. The Service is thread-safe via
// the Engine's own locking, so no listener-level lock is needed around
// dispatch.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New(errListen)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Info("accept failed", "error", err)
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

// connState tracks per-connection handshake status; every method but
// "hello" is refused until the client has completed it.
type connState struct {
	mu      sync.Mutex
	greeted bool
}

func (cs *connState) isGreeted() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.greeted
}

func (cs *connState) setGreeted() {
	cs.mu.Lock()
	cs.greeted = true
	cs.mu.Unlock()
}

func (l *Listener) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	connID := uuid.New().String()
	l.log.Debug("connection accepted", "conn", connID)
	if l.OnConnect != nil {
		l.OnConnect()
	}
	if l.OnDisconnect != nil {
		defer l.OnDisconnect()
	}
	cs := &connState{}
	stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		return l.dispatch(ctx, conn, cs, req)
	})
	conn := jsonrpc2.NewConn(ctx, stream, handler)
	defer conn.Close()

	select {
	case <-conn.DisconnectNotify():
		l.log.Debug("connection closed", "conn", connID)
	case <-ctx.Done():
	}
}

func (l *Listener) dispatch(ctx context.Context, conn *jsonrpc2.Conn, cs *connState, req *jsonrpc2.Request) (interface{}, error) {
	if req.Method == "hello" {
		return l.handleHello(conn, cs, req)
	}
	if !cs.isGreeted() {
		return nil, &jsonrpc2.Error{Code: CodeBadRequest, Message: "hello must be the first request on a connection"}
	}
	return l.dispatchOp(ctx, conn, req)
}

func (l *Listener) handleHello(conn *jsonrpc2.Conn, cs *connState, req *jsonrpc2.Request) (interface{}, error) {
	var p Hello
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &p); err != nil {
			return nil, &jsonrpc2.Error{Code: CodeBadRequest, Message: "malformed hello: " + err.Error()}
		}
	}
	reply := Hello{ProtocolVersion: ProtocolVersion, Features: Features}
	if p.ProtocolVersion != ProtocolVersion {
		go func() {
			time.Sleep(10 * time.Millisecond) // let the error response flush before we hang up
			conn.Close()
		}()
		return nil, &jsonrpc2.Error{Code: CodeUnsupportedProtocolVersion, Message: "daemon speaks protocol version " + strconv.Itoa(ProtocolVersion)}
	}
	cs.setGreeted()
	return reply, nil
}

func badRequest(err error) error {
	return &jsonrpc2.Error{Code: CodeBadRequest, Message: err.Error()}
}

func internal(err error) error {
	return &jsonrpc2.Error{Code: CodeInternal, Message: err.Error()}
}

func notFound(msg string) error {
	return &jsonrpc2.Error{Code: CodeNotFound, Message: msg}
}
