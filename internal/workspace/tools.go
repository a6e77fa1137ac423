package workspace

import (
	"go/parser"
	"go/token"
	"os"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"loom/internal/types"
)

// =============================================================================
// TOOL SCRIPT VALIDATION
// =============================================================================
// Go tool scripts are interpreted, never compiled, so a broken or
// dependency-heavy script cannot hang the engine. Validation checks that the
// script evaluates under yaegi with stdlib only and exposes
// `func RunTool(input string) (string, error)`.

// unsafeImports are rejected in tool scripts regardless of yaegi support.
var unsafeImports = map[string]bool{
	"os/exec":  true,
	"net":      true,
	"net/http": true,
	"syscall":  true,
	"unsafe":   true,
	"plugin":   true,
}

// ValidateToolScript checks that a .go tool script is loadable. Non-Go tools
// (shell scripts and binaries) only need the executable bit, checked at scan.
func ValidateToolScript(path string) error {
	if !strings.HasSuffix(path, ".go") {
		return nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "read tool script %s", path)
	}
	return ValidateToolSource(string(src))
}

// ValidateToolSource validates Go tool source text.
func ValidateToolSource(src string) error {
	if err := checkImports(src); err != nil {
		return err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return types.Wrap(types.KindInternal, err, "load interpreter stdlib")
	}
	if _, err := i.Eval(src); err != nil {
		return types.Wrap(types.KindValidation, err, "tool script does not evaluate")
	}

	fn, err := i.Eval("main.RunTool")
	if err != nil {
		return types.E(types.KindValidation, "tool script must define RunTool")
	}
	if _, ok := fn.Interface().(func(string) (string, error)); !ok {
		return types.E(types.KindValidation, "RunTool must have signature func(string) (string, error)")
	}
	return nil
}

func checkImports(src string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "tool.go", src, parser.ImportsOnly)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "tool script parse")
	}
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if unsafeImports[path] {
			return types.E(types.KindValidation, "tool script imports forbidden package %s", path)
		}
		if strings.Contains(path, ".") {
			return types.E(types.KindValidation, "tool script imports non-stdlib package %s", path)
		}
	}
	return nil
}
