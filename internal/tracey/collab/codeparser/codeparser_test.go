package codeparser

import (
	"testing"

	"github.com/traceyhq/tracey/internal/tracey/collab"
)

func TestExtractGoFunction(t *testing.T) {
	content := "package a\n\n// r[impl auth.login]\nfunc f() {\n\treturn\n}\n"
	units, err := New().Extract("a.go", ".go", content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %+v", units)
	}
	u := units[0]
	if u.Kind != collab.Function || u.Name != "f" || u.StartLine != 4 || u.EndLine != 6 {
		t.Fatalf("unexpected unit: %+v", u)
	}
}

func TestExtractRustStructAndImpl(t *testing.T) {
	content := "struct Foo {\n    x: u32,\n}\n\nimpl Foo {\n    fn bar(&self) {}\n}\n"
	units, err := New().Extract("a.rs", ".rs", content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 units (struct, impl, fn), got %+v", units)
	}
}

func TestExtractUnknownExtension(t *testing.T) {
	units, err := New().Extract("a.xyz", ".xyz", "whatever")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if units != nil {
		t.Fatalf("expected no units for unknown extension, got %+v", units)
	}
}
