package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"
)

func parseTypeSpec(t *testing.T, src string) *ast.TypeSpec {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "test.go", src, parser.ParseComments)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	var ts *ast.TypeSpec
	ast.Inspect(f, func(n ast.Node) bool {
		if t2, ok := n.(*ast.TypeSpec); ok {
			ts = t2
		}
		return true
	})
	if ts == nil {
		t.Fatal("no type spec found")
	}
	return ts
}

func TestWantedSizeParsesDirective(t *testing.T) {
	src := `package p

// foo is a thing.
//
//layoutcheck:size=32
type foo struct{ x, y, z, w uint64 }
`
	ts := parseTypeSpec(t, src)
	n, ok := wantedSize(ts)
	if !ok {
		t.Fatal("expected directive to be found")
	}
	if n != 32 {
		t.Fatalf("n = %d, want 32", n)
	}
}

func TestWantedSizeAbsentWithoutDirective(t *testing.T) {
	src := `package p

// foo is a thing.
type foo struct{ x uint64 }
`
	ts := parseTypeSpec(t, src)
	if _, ok := wantedSize(ts); ok {
		t.Fatal("expected no directive to be found")
	}
}

func TestWantedSizeIgnoresUnrelatedComments(t *testing.T) {
	src := `package p

// foo does something unrelated.
// TODO: revisit later.
type foo struct{ x uint64 }
`
	ts := parseTypeSpec(t, src)
	if _, ok := wantedSize(ts); ok {
		t.Fatal("expected no directive to be found among unrelated comments")
	}
}
