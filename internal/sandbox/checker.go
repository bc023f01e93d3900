package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"botbox/internal/capability"
)

const (
	// capabilityImport is the package scripts import to reach the capability surface.
	capabilityImport = "bot"

	// triggerImport and fireFunc are spliced into every program so the host
	// can fire a periodic job from outside the script.
	triggerImport = "botbox/cell"
	triggerAlias  = "botboxcell__"
	fireFunc      = "BotboxFire__"
)

// SafetyReport lists everything wrong with a script before it is run.
type SafetyReport struct {
	Safe       bool
	Violations []SafetyViolation
}

// SafetyViolation describes a single safety issue.
type SafetyViolation struct {
	Type        ViolationType
	Location    string // file:line:col
	Description string
}

// ViolationType categorizes violations.
type ViolationType int

const (
	ViolationParseError ViolationType = iota
	ViolationPackage
	ViolationForbiddenImport
	ViolationGoroutine
	ViolationMain
)

func (v ViolationType) String() string {
	switch v {
	case ViolationParseError:
		return "parse_error"
	case ViolationPackage:
		return "package"
	case ViolationForbiddenImport:
		return "forbidden_import"
	case ViolationGoroutine:
		return "goroutine"
	case ViolationMain:
		return "main"
	default:
		return "unknown"
	}
}

// Err folds the report into a single validation error, or nil when safe.
func (r *SafetyReport) Err() error {
	if r.Safe {
		return nil
	}
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if v.Location == "" {
			parts = append(parts, v.Description)
			continue
		}
		parts = append(parts, v.Location+": "+v.Description)
	}
	return fmt.Errorf("%w: %s", capability.ErrValidation, strings.Join(parts, "; "))
}

// SafetyChecker vets script source against the import allow-list and the
// constructs the cell cannot contain.
type SafetyChecker struct {
	allowed map[string]bool
}

// NewSafetyChecker creates a checker allowing the given import paths.
func NewSafetyChecker(allowed []string) *SafetyChecker {
	sc := &SafetyChecker{allowed: make(map[string]bool, len(allowed)+1)}
	for _, p := range allowed {
		sc.allowed[p] = true
	}
	sc.allowed[capabilityImport] = true
	return sc
}

// program is checked source ready for the interpreter.
type program struct {
	source string
}

// wrap adds a package clause to sources that lack one. The clause goes on
// the first line so interpreter line numbers match what the author wrote.
func wrap(source string) string {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "bot.go", source, parser.PackageClauseOnly); err == nil {
		return source
	}
	return "package main; " + source
}

// Check parses the source and reports every violation found.
func (sc *SafetyChecker) Check(source string) (*SafetyReport, *ast.File, *token.FileSet) {
	report := &SafetyReport{Safe: true}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "bot.go", source, parser.SkipObjectResolution)
	if err != nil {
		sc.add(report, ViolationParseError, "", err.Error())
		return report, nil, fset
	}

	if file.Name.Name != "main" {
		sc.add(report, ViolationPackage, fset.Position(file.Name.Pos()).String(),
			fmt.Sprintf("package must be main, not %s", file.Name.Name))
	}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !sc.allowed[path] {
			sc.add(report, ViolationForbiddenImport, fset.Position(imp.Pos()).String(),
				fmt.Sprintf("import %s is not allowed", imp.Path.Value))
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.GoStmt:
			sc.add(report, ViolationGoroutine, fset.Position(node.Pos()).String(),
				"go statements are not allowed")
		case *ast.FuncDecl:
			if node.Recv == nil && node.Name.Name == "main" {
				sc.add(report, ViolationMain, fset.Position(node.Pos()).String(),
					"scripts cannot declare func main")
			}
			if node.Recv == nil && node.Name.Name == fireFunc {
				sc.add(report, ViolationMain, fset.Position(node.Pos()).String(),
					fmt.Sprintf("%s is a reserved name", fireFunc))
			}
		}
		return true
	})

	return report, file, fset
}

// Prepare checks the source and splices in the job trigger.
func (sc *SafetyChecker) Prepare(source string) (*program, error) {
	source = wrap(source)
	report, file, fset := sc.Check(source)
	if err := report.Err(); err != nil {
		return nil, err
	}

	// The import goes right after the package name, on the same line.
	at := fset.Position(file.Name.End()).Offset
	var sb strings.Builder
	sb.Grow(len(source) + 128)
	sb.WriteString(source[:at])
	fmt.Fprintf(&sb, "; import %s %q", triggerAlias, triggerImport)
	sb.WriteString(source[at:])
	fmt.Fprintf(&sb, "\n\nfunc %s(name string) { %s.Fire(name) }\n", fireFunc, triggerAlias)

	return &program{source: sb.String()}, nil
}

func (sc *SafetyChecker) add(report *SafetyReport, vType ViolationType, location, msg string) {
	report.Safe = false
	report.Violations = append(report.Violations, SafetyViolation{
		Type:        vType,
		Location:    location,
		Description: msg,
	})
}
