// Package script runs JavaScript bar handlers inside isolated goja runtimes.
//
// A script is a CommonJS-style module that exports an onBar function:
//
//	module.exports = {
//	  name: "crossing",
//	  onBar(bar, sub) { if (bar.close > 100) console.log("above", bar.symbol) },
//	};
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

const handlerExport = "onBar"

// ErrHandlerMissing reports a module without a callable onBar export.
var ErrHandlerMissing = errors.New("script: onBar export missing")

// Module is a compiled script ready for instantiation.
type Module struct {
	Name    string
	Path    string
	Hash    string
	Program *goja.Program
}

// Load reads, compiles, and validates a script file.
func Load(path string) (*Module, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." {
		return nil, fmt.Errorf("script: path required")
	}
	// #nosec G304 -- path is operator controlled configuration.
	source, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("script: read %q: %w", clean, err)
	}
	return Compile(clean, source)
}

// Compile builds a module from source. The name defaults to the file stem
// when the module does not export one.
func Compile(path string, source []byte) (*Module, error) {
	prog, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("script: compile %q: %w", path, err)
	}

	rt := goja.New()
	exports, err := runModule(rt, prog, nil)
	if err != nil {
		return nil, fmt.Errorf("script: %s: %w", path, err)
	}
	if _, ok := goja.AssertFunction(exports.Get(handlerExport)); !ok {
		return nil, fmt.Errorf("%w in %s", ErrHandlerMissing, path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if raw := exports.Get("name"); raw != nil && !goja.IsUndefined(raw) && !goja.IsNull(raw) {
		if exported := strings.TrimSpace(raw.String()); exported != "" {
			name = exported
		}
	}

	sum := sha256.Sum256(source)
	return &Module{
		Name:    strings.ToLower(name),
		Path:    path,
		Hash:    hex.EncodeToString(sum[:]),
		Program: prog,
	}, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, console *goja.Object) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if console == nil {
		console = silentConsole(rt)
	}
	if err := rt.Set("console", console); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func silentConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, noop)
	}
	return console
}
