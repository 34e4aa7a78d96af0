// Command layoutcheck verifies that every type annotated with a
// "//layoutcheck:size=N" doc comment has exactly N bytes of layout
// (SPEC_FULL §3.3): the GDT descriptor, TSS descriptor, IDT gate
// descriptor, and kernel heap segment header all have spec-pinned wire
// sizes (spec.md §6 "Heap segment header. ... Total 32 bytes") that a
// refactor could silently break.
//
// Grounded on Oichkatzelesfrettschen-biscuit/misc/depgraph's pattern of a
// small single-purpose cmd/ tool that introspects the Go toolchain
// (there via `go mod graph`, here via golang.org/x/tools/go/packages) and
// writes a plain report of every mismatch to stdout, then fails the build
// with a non-zero exit code if there was any.
package main

import (
	"bufio"
	"fmt"
	"go/ast"
	"go/types"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/tools/go/packages"
)

var sizeDirective = regexp.MustCompile(`//layoutcheck:size=(\d+)`)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "layoutcheck:", err)
		os.Exit(1)
	}
}

func run(patterns []string) error {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedSyntax |
			packages.NeedTypesInfo | packages.NeedTypesSizes,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return fmt.Errorf("loading packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("errors while loading packages")
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	mismatches := 0
	checked := 0
	for _, pkg := range pkgs {
		sizes := pkg.TypesSizes
		if sizes == nil {
			sizes = types.SizesFor("gc", "amd64")
		}
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				ts, ok := n.(*ast.TypeSpec)
				if !ok {
					return true
				}
				want, ok := wantedSize(ts)
				if !ok {
					return true
				}
				obj := pkg.TypesInfo.Defs[ts.Name]
				if obj == nil {
					return true
				}
				checked++
				got := sizes.Sizeof(obj.Type().Underlying())
				fmt.Fprintf(w, "%s.%s: %d bytes (want %d)\n", pkg.PkgPath, ts.Name.Name, got, want)
				if got != want {
					mismatches++
				}
				return true
			})
		}
	}

	w.Flush()
	if mismatches > 0 {
		return fmt.Errorf("%d of %d layout-checked types have the wrong size", mismatches, checked)
	}
	return nil
}

// wantedSize extracts the N in a "//layoutcheck:size=N" comment directly
// above a type declaration.
func wantedSize(ts *ast.TypeSpec) (int64, bool) {
	doc := ts.Doc
	if doc == nil {
		return 0, false
	}
	for _, c := range doc.List {
		m := sizeDirective.FindStringSubmatch(c.Text)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
