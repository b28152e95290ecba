package ipc

import (
	"context"
	"encoding/json"

	"github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/traceyhq/tracey/internal/tracey/collab"
	"github.com/traceyhq/tracey/internal/tracey/collab/specparser"
	"github.com/traceyhq/tracey/internal/tracey/engine"
	"github.com/traceyhq/tracey/internal/tracey/snapshot"
)

// opParams is a flexible, union-shaped decode target for every request:
// each op only reads the fields it needs, and the jsonrpc2 wire payload is
// a plain JSON object, so one generic struct avoids a bespoke type per op.
type opParams struct {
	Spec   string `json:"spec"`
	Impl   string `json:"impl"`
	Path   string `json:"path"`
	Prefix string `json:"prefix"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`

	ID string `json:"id"`

	Pattern string `json:"pattern"`
	Content string `json:"content"`

	FileHash string `json:"file_hash"`
	Start    int    `json:"start"`
	End      int    `json:"end"`

	Line               int    `json:"line"`
	Character          int    `json:"character"`
	IncludeDeclaration bool   `json:"include_declaration"`
	NewID              string `json:"new_id"`

	RangeStart lsp.Position `json:"range_start"`
	RangeEnd   lsp.Position `json:"range_end"`
}

func (p opParams) pos() lsp.Position { return lsp.Position{Line: p.Line, Character: p.Character} }

func decodeParams(req *jsonrpc2.Request) (opParams, error) {
	var p opParams
	if req.Params == nil {
		return p, nil
	}
	if err := json.Unmarshal(*req.Params, &p); err != nil {
		return p, err
	}
	return p, nil
}

// dispatchOp routes one already-greeted request to the Service, shaping
// the reply into the DTO the wire payload carries back.
func (l *Listener) dispatchOp(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	p, perr := decodeParams(req)
	if perr != nil {
		return nil, badRequest(perr)
	}
	svc := l.svc

	switch req.Method {
	case "status":
		return svc.Status(), nil
	case "uncovered":
		out, err := svc.Uncovered(p.Spec, p.Impl, p.Prefix)
		return out, wrap(err)
	case "untested":
		out, err := svc.Untested(p.Spec, p.Impl, p.Prefix)
		return out, wrap(err)
	case "stale":
		out, err := svc.Stale(p.Spec, p.Impl)
		return out, wrap(err)
	case "unmapped":
		out, err := svc.Unmapped(p.Spec, p.Impl, p.Path)
		return out, wrap(err)
	case "rule":
		out, err := svc.Rule(p.Spec, p.ID)
		if err != nil {
			return nil, notFound(err.Error())
		}
		return out, nil
	case "validate":
		return svc.Validate(p.Spec, p.Impl), nil
	case "config":
		return svc.Config(), nil
	case "reload":
		version, elapsed, err := svc.Reload()
		if err != nil {
			return nil, internal(err)
		}
		return map[string]interface{}{"version": version, "elapsed_ms": elapsed.Milliseconds()}, nil
	case "version":
		return svc.Version(), nil
	case "health":
		return svc.Health(), nil
	case "shutdown":
		svc.Shutdown()
		return map[string]bool{"ok": true}, nil
	case "subscribe":
		return l.subscribe(ctx, conn, svc)
	case "file":
		out, err := svc.File(p.Spec, p.Impl, p.Path)
		return out, wrap(err)
	case "spec_content":
		out, err := svc.SpecContentOp(p.Spec, p.Impl, func(prefix string) collab.SpecParser { return specparser.New(prefix) })
		return out, wrap(err)
	case "search":
		out, err := svc.Search(p.Query, p.Limit)
		return out, wrap(err)
	case "update_file_range":
		hash, err := svc.UpdateFileRange(p.Path, p.FileHash, p.Start, p.End, p.Content)
		if err != nil {
			return map[string]string{"hash": hash}, &jsonrpc2.Error{Code: CodeHashMismatch, Message: err.Error()}
		}
		return map[string]string{"hash": hash}, nil
	case "is_test_file":
		return svc.IsTestFile(p.Path), nil
	case "config_add_include":
		return nil, wrap(svc.ConfigAddInclude(p.Spec, p.Impl, p.Pattern))
	case "config_add_exclude":
		return nil, wrap(svc.ConfigAddExclude(p.Spec, p.Impl, p.Pattern))
	case "vfs_open":
		svc.VFSOpen(p.Path, p.Content)
		return nil, nil
	case "vfs_change":
		svc.VFSChange(p.Path, p.Content)
		return nil, nil
	case "vfs_close":
		svc.VFSClose(p.Path)
		return nil, nil

	case "hover":
		out, err := svc.Hover(p.Spec, p.Path, p.pos())
		return out, wrap(err)
	case "definition":
		out, err := svc.Definition(p.Spec, p.Path, p.pos())
		return out, wrap(err)
	case "implementation":
		out, err := svc.Implementation(p.Spec, p.Path, p.pos())
		return out, wrap(err)
	case "references":
		out, err := svc.References(p.Spec, p.Path, p.pos(), p.IncludeDeclaration)
		return out, wrap(err)
	case "completions":
		out, err := svc.Completions(p.Spec)
		return out, wrap(err)
	case "diagnostics":
		return svc.Diagnostics(p.Path), nil
	case "workspace_diagnostics":
		return svc.WorkspaceDiagnostics(), nil
	case "document_symbols":
		return svc.DocumentSymbols(p.Path), nil
	case "workspace_symbols":
		return svc.WorkspaceSymbols(p.Query), nil
	case "semantic_tokens":
		return svc.SemanticTokens(p.Path), nil
	case "inlay_hints":
		out, err := svc.InlayHints(p.Spec, p.Path)
		return out, wrap(err)
	case "code_action":
		return svc.CodeAction(p.Path, lsp.Range{Start: p.RangeStart, End: p.RangeEnd}), nil
	case "code_lens":
		out, err := svc.CodeLens(p.Spec, p.Path)
		return out, wrap(err)
	case "prepare_rename":
		out, err := svc.PrepareRename(p.Path, p.pos())
		return out, wrap(err)
	case "rename":
		out, err := svc.Rename(p.Spec, p.Path, p.pos(), p.NewID)
		return out, wrap(err)
	}

	return nil, notFound("unknown method " + req.Method)
}

// subscribe acks the request immediately, then streams one
// "subscribe/update" notification per Engine rebuild until the client
// disconnects, at which point it releases the channel.
func (l *Listener) subscribe(ctx context.Context, conn *jsonrpc2.Conn, svc interface {
	Subscribe() chan engine.Update
	Unsubscribe(chan engine.Update)
}) (interface{}, error) {
	ch := svc.Subscribe()
	go func() {
		defer svc.Unsubscribe(ch)
		for {
			select {
			case upd, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.Notify(context.Background(), "subscribe/update", subscribeUpdate(upd))
			case <-conn.DisconnectNotify():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return map[string]bool{"subscribed": true}, nil
}

func subscribeUpdate(u engine.Update) map[string]interface{} {
	delta := map[string]snapshot.Delta{}
	if u.Snap != nil {
		for key, d := range u.Snap.DeltaFromPrior {
			delta[key.Spec+"/"+key.Impl] = d
		}
	}
	return map[string]interface{}{"version": u.Version, "delta": delta}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return internal(err)
}
