package sandbox

import (
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// predeclaredNames are the only ambient bindings user source may reference
// beyond the interpreter's pure builtins.
var predeclaredNames = map[string]bool{
	"tick_data":       true,
	"parameters":      true,
	"instrument_key":  true,
	"timestamp":       true,
	"aggregated_data": true,
}

// forbiddenIdents are rejected at the grammar level, independent of the
// textual deny-list scan.
var forbiddenIdents = map[string]bool{
	"getattr": true,
	"setattr": true,
	"hasattr": true,
	"dir":     true,
	"load":    true,
	"exec":    true,
	"eval":    true,
}

// fileOptions is the restricted dialect: no sets, no while loops, no
// recursion, no global reassignment. Runaway loops are bounded by the
// execution step budget rather than expressible in the grammar.
var fileOptions = &syntax.FileOptions{
	Set:             false,
	While:           false,
	TopLevelControl: true,
	GlobalReassign:  false,
	Recursion:       false,
}

// Compiled is a validated, restricted-compiled user function ready to run.
type Compiled struct {
	Program *starlark.Program
	Source  string
	Config  FunctionConfig
}

// Compiler compiles validated source into a restricted program. Every
// diagnostic surfaces as a SecurityError; nothing is ever partially
// executed.
type Compiler struct {
	enabled bool
}

// NewCompiler returns a compiler. When enabled is false every compile
// fails closed instead of silently falling back to an unrestricted path.
func NewCompiler(enabled bool) *Compiler {
	return &Compiler{enabled: enabled}
}

// Available reports whether the restricted engine may be used.
func (c *Compiler) Available() bool { return c.enabled }

// Compile parses source under the restricted grammar, walks the syntax
// tree rejecting dangerous constructs, and resolves it into a program.
func (c *Compiler) Compile(source string, fc FunctionConfig) (*Compiled, error) {
	if !c.enabled {
		return nil, ErrEngineUnavailable
	}

	file, err := fileOptions.Parse(fc.FilePath, source, 0)
	if err != nil {
		return nil, NewSecurityError("compilation errors: %s", err)
	}

	if err := rejectForbiddenSyntax(file); err != nil {
		return nil, err
	}

	prog, err := starlark.FileProgram(file, func(name string) bool {
		return predeclaredNames[name]
	})
	if err != nil {
		return nil, NewSecurityError("compilation errors: %s", err)
	}

	return &Compiled{Program: prog, Source: source, Config: fc}, nil
}

// rejectForbiddenSyntax walks the tree and fails on load statements,
// dunder identifiers or attributes, and forbidden builtin references.
func rejectForbiddenSyntax(file *syntax.File) error {
	var violation error
	syntax.Walk(file, func(n syntax.Node) bool {
		if violation != nil {
			return false
		}
		switch node := n.(type) {
		case *syntax.LoadStmt:
			violation = NewSecurityError("load statements are not permitted")
			return false
		case *syntax.Ident:
			if isDunder(node.Name) {
				violation = NewSecurityError("prohibited identifier: %s", node.Name)
				return false
			}
			if forbiddenIdents[node.Name] {
				violation = NewSecurityError("prohibited builtin reference: %s", node.Name)
				return false
			}
		case *syntax.DotExpr:
			if node.Name != nil && isDunder(node.Name.Name) {
				violation = NewSecurityError("prohibited attribute access: %s", node.Name.Name)
				return false
			}
		}
		return true
	})
	return violation
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}
