package lexer

import "testing"

func TestScanLineComment(t *testing.T) {
	content := "// r[impl auth.login]\nfn f(){}\n"
	refs, warns := Scan("a.rs", content)
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d: %+v", len(refs), refs)
	}
	r := refs[0]
	if r.Prefix != "r" || r.Verb != Impl || r.RuleID != "auth.login" || r.Line != 1 {
		t.Fatalf("unexpected reference: %+v", r)
	}
	if content[r.Span.Offset:r.Span.Offset+r.Span.Length] != "r[impl auth.login]" {
		t.Fatalf("span mismatch: %q", content[r.Span.Offset:r.Span.Offset+r.Span.Length])
	}
}

func TestScanImplicitVerb(t *testing.T) {
	refs, _ := Scan("a.rs", "// r[auth.login]\n")
	if len(refs) != 1 || refs[0].Verb != Impl {
		t.Fatalf("implicit verb should default to Impl: %+v", refs)
	}
}

func TestScanBlockCommentMultiline(t *testing.T) {
	content := "/*\nsome text\nr[verify auth.login+2]\nmore\n*/\n"
	refs, _ := Scan("a.rs", content)
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(refs))
	}
	if refs[0].Line != 3 {
		t.Fatalf("expected line 3, got %d", refs[0].Line)
	}
	if refs[0].RuleID != "auth.login+2" {
		t.Fatalf("expected versioned id preserved, got %q", refs[0].RuleID)
	}
}

func TestScanIgnoresUnknownFirstWord(t *testing.T) {
	refs, warns := Scan("a.rs", "// r[payload bytes]\n")
	if len(refs) != 0 {
		t.Fatalf("unknown verb should be silently ignored, got %+v", refs)
	}
	if len(warns) != 0 {
		t.Fatalf("unknown verb must not produce a warning either, got %+v", warns)
	}
}

func TestScanIgnoresOutsideComments(t *testing.T) {
	refs, _ := Scan("a.rs", `var x = "r[impl auth.login]"` + "\n")
	// Not inside a comment region, should not match.
	if len(refs) != 0 {
		t.Fatalf("expected no references outside comments, got %+v", refs)
	}
}

func TestScanRejectsBadIDGrammar(t *testing.T) {
	cases := []string{
		"// r[impl nodothere]\n",
		"// r[impl trailing.]\n",
		"// R[impl auth.login]\n", // uppercase prefix not matched by [a-z0-9]+
	}
	for _, c := range cases {
		refs, _ := Scan("a.rs", c)
		if len(refs) != 0 {
			t.Fatalf("expected no refs for %q, got %+v", c, refs)
		}
	}
}

func TestScanMultiplePrefixesIndependent(t *testing.T) {
	content := "// r[impl auth.login]\n// q[verify billing.charge]\n"
	refs, _ := Scan("a.rs", content)
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %+v", refs)
	}
	if refs[0].Prefix != "r" || refs[1].Prefix != "q" {
		t.Fatalf("unexpected prefixes: %+v", refs)
	}
}
