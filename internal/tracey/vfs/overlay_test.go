package vfs

import (
	"testing"

	"github.com/spf13/afero"
)

func TestOverlayOpenChangeClose(t *testing.T) {
	o := New()
	if _, ok := o.Get("a.go"); ok {
		t.Fatalf("expected no overlay entry before Open")
	}
	o.Open("a.go", "package a")
	if c, ok := o.Get("a.go"); !ok || c != "package a" {
		t.Fatalf("expected overlay entry after Open, got %q, %v", c, ok)
	}
	o.Change("a.go", "package a // edited")
	if c, _ := o.Get("a.go"); c != "package a // edited" {
		t.Fatalf("expected Change to upsert, got %q", c)
	}
	o.Close("a.go")
	if _, ok := o.Get("a.go"); ok {
		t.Fatalf("expected overlay entry removed after Close")
	}
}

func TestReaderPrefersOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "a.go", []byte("on disk"), 0o644) //nolint:errcheck

	o := New()
	o.Open("a.go", "overlay content")

	r := NewReader(fs, o.Snapshot())
	got, err := r.ReadFile("a.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "overlay content" {
		t.Fatalf("expected overlay content, got %q", got)
	}

	got, err = r.ReadFile("b.go")
	if err == nil {
		t.Fatalf("expected error reading missing file, got %q", got)
	}
}

func TestOverlayCloseWithoutModificationRestoresDiskReads(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "a.go", []byte("on disk"), 0o644) //nolint:errcheck

	o := New()
	o.Open("a.go", "on disk")
	r1 := NewReader(fs, o.Snapshot())
	before, _ := r1.ReadFile("a.go")

	o.Close("a.go")
	r2 := NewReader(fs, o.Snapshot())
	after, _ := r2.ReadFile("a.go")

	if before != after {
		t.Fatalf("expected identical content before/after open+close, got %q vs %q", before, after)
	}
}
