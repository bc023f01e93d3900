package capability

import (
	_ "embed"
	"fmt"
	"go/ast"
	"go/doc"
	"go/parser"
	"go/token"
	"go/types"
	"strings"
)

//go:embed surface.go
var surfaceSource string

// FuncDoc documents one capability function.
type FuncDoc struct {
	Name      string
	Signature string // as declared, without receiver, e.g. "Say(msg any)"
	Doc       string // full doc comment
}

// Summary returns the first line of the doc comment.
func (f FuncDoc) Summary() string {
	line, _, _ := strings.Cut(f.Doc, "\n")
	return strings.TrimSpace(line)
}

// Manual is the capability reference shown to script authors. It is built
// from the doc comments in surface.go so it always matches the code.
type Manual struct {
	Overview string
	Funcs    []FuncDoc // sorted by name
}

// LoadManual parses the embedded capability source.
func LoadManual() (*Manual, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "surface.go", surfaceSource, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse capability source: %w", err)
	}
	pkg, err := doc.NewFromFiles(fset, []*ast.File{file}, "botbox/internal/capability")
	if err != nil {
		return nil, fmt.Errorf("read capability docs: %w", err)
	}

	m := &Manual{}
	for _, t := range pkg.Types {
		if t.Name != "Surface" {
			continue
		}
		m.Overview = strings.TrimSpace(t.Doc)
		for _, fn := range t.Methods {
			if !ast.IsExported(fn.Name) {
				continue
			}
			m.Funcs = append(m.Funcs, FuncDoc{
				Name:      fn.Name,
				Signature: signature(fn.Decl),
				Doc:       strings.TrimSpace(fn.Doc),
			})
		}
	}
	if len(m.Funcs) == 0 {
		return nil, fmt.Errorf("capability source declares no functions")
	}
	return m, nil
}

// Lookup finds a function by name, ignoring case so "man say" works.
func (m *Manual) Lookup(name string) (FuncDoc, bool) {
	for _, f := range m.Funcs {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FuncDoc{}, false
}

// Render returns the whole manual: the overview, one line per function
// with its signature and summary, and a pointer to per-function help.
func (m *Manual) Render() string {
	width := 0
	for _, f := range m.Funcs {
		width = max(width, len(f.Signature))
	}

	var sb strings.Builder
	sb.WriteString(m.Overview)
	sb.WriteString("\n\n")
	for _, f := range m.Funcs {
		fmt.Fprintf(&sb, "    %s%s%s\n", f.Signature, strings.Repeat(" ", width-len(f.Signature)+4), f.Summary())
	}
	sb.WriteString("\nFor more information on each function, type man FUNCTION_NAME")
	return sb.String()
}

// RenderFunc returns the signature and full documentation of one function.
func (m *Manual) RenderFunc(name string) (string, error) {
	f, ok := m.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%s is not a valid function name", name)
	}
	return f.Signature + "    " + f.Doc, nil
}

func signature(decl *ast.FuncDecl) string {
	var params []string
	for _, field := range decl.Type.Params.List {
		typ := types.ExprString(field.Type)
		if len(field.Names) == 0 {
			params = append(params, typ)
			continue
		}
		names := make([]string, len(field.Names))
		for i, n := range field.Names {
			names[i] = n.Name
		}
		params = append(params, strings.Join(names, ", ")+" "+typ)
	}
	sig := decl.Name.Name + "(" + strings.Join(params, ", ") + ")"

	if res := decl.Type.Results; res != nil && len(res.List) > 0 {
		var out []string
		for _, field := range res.List {
			out = append(out, types.ExprString(field.Type))
		}
		if len(out) == 1 && len(res.List[0].Names) == 0 {
			sig += " " + out[0]
		} else {
			sig += " (" + strings.Join(out, ", ") + ")"
		}
	}
	return sig
}
