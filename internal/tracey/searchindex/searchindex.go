// Package searchindex builds an in-memory bleve index over a Snapshot's
// rule text and source lines, rebuilt fresh with every Snapshot — Tracey
// keeps no index state between rebuilds.
package searchindex

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/google/uuid"
)

const (
	errBuildIndex = "failed to build search index"
	errRunQuery   = "failed to run search query"

	docKindRule = "rule"
	docKindLine = "line"
)

// doc is the indexed unit: either a rule's raw text or one source line.
type doc struct {
	Kind string `json:"kind"`
	Spec string `json:"spec"`
	ID   string `json:"id"`   // rule canonical id, for kind=="rule"
	Path string `json:"path"` // source file, for kind=="line"
	Line int    `json:"line"` // 1-indexed, for kind=="line"
	Text string `json:"text"`
}

// Result is one scored search hit with a highlighted snippet. ID is
// deterministic across rebuilds for the same underlying rule or source
// line, so an MCP client can reference a specific hit in a follow-up call
// without the daemon having to remember anything between requests.
type Result struct {
	ID      string
	Kind    string
	Spec    string
	RuleID  string
	Path    string
	Line    int
	Score   float64
	Snippet string
}

// resultNamespace scopes the deterministic result-id UUIDs to Tracey
// search hits specifically, so they can never collide with ids minted
// elsewhere for an unrelated purpose.
var resultNamespace = uuid.MustParse("6f2a9e2e-3b7b-4a8b-9a7e-4b1f0c9d5e21")

// Index wraps an in-memory bleve.Index scoped to one Snapshot.
type Index struct {
	bi   bleve.Index
	docs map[string]doc
}

// RuleText is one rule's searchable text, keyed by the spec it belongs to.
type RuleText struct {
	Spec string
	ID   string
	Text string
}

// Build indexes every supplied rule's raw text. Source lines are added
// afterward per file via IndexSourceLines, since the Builder streams file
// contents rather than materializing them all up front.
func Build(rules []RuleText) (*Index, error) {
	mapping := bleve.NewIndexMapping()
	bi, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, errors.Wrap(err, errBuildIndex)
	}

	idx := &Index{bi: bi, docs: map[string]doc{}}

	batch := bi.NewBatch()
	for _, r := range rules {
		id := fmt.Sprintf("rule:%s:%s", r.Spec, r.ID)
		d := doc{Kind: docKindRule, Spec: r.Spec, ID: r.ID, Text: r.Text}
		idx.docs[id] = d
		if err := batch.Index(id, d); err != nil {
			return nil, errors.Wrap(err, errBuildIndex)
		}
	}

	if err := bi.Batch(batch); err != nil {
		return nil, errors.Wrap(err, errBuildIndex)
	}
	return idx, nil
}

// IndexSourceLines adds one file's lines to the index. The Builder calls
// this once per scanned file (it, not the Snapshot, holds file contents;
// the Snapshot only retains CodeUnits).
func (idx *Index) IndexSourceLines(path, content string) error {
	batch := idx.bi.NewBatch()
	for i, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		id := fmt.Sprintf("line:%s:%d", path, i+1)
		d := doc{Kind: docKindLine, Path: path, Line: i + 1, Text: line}
		idx.docs[id] = d
		if err := batch.Index(id, d); err != nil {
			return errors.Wrap(err, errBuildIndex)
		}
	}
	return idx.bi.Batch(batch)
}

// Search runs a full-text query and returns up to limit scored results
// with highlighted snippets.
func (idx *Index) Search(query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Highlight = bleve.NewHighlight()
	req.Fields = []string{"*"}

	res, err := idx.bi.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, errRunQuery)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		d, ok := idx.docs[hit.ID]
		if !ok {
			continue
		}
		snippet := d.Text
		if frags, ok := hit.Fragments["text"]; ok && len(frags) > 0 {
			snippet = strings.Join(frags, " … ")
		}
		out = append(out, Result{
			ID:   uuid.NewSHA1(resultNamespace, []byte(hit.ID)).String(),
			Kind: d.Kind, Spec: d.Spec, RuleID: d.ID, Path: d.Path, Line: d.Line,
			Score: hit.Score, Snippet: snippet,
		})
	}
	return out, nil
}

// Close releases the underlying bleve index.
func (idx *Index) Close() error {
	return idx.bi.Close()
}
