package sieve

import (
	"fmt"
	"sync"
)

// Registry is the process-wide, read-only-after-load map of compiled
// scripts that IncludeScript events resolve against.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Compiled
}

// Compiled is a parsed script template: NewInterpreter starts a fresh
// execution of it (an Interpreter carries per-run state, so the same
// Compiled value is reused across concurrent sessions).
type Compiled interface {
	NewInterpreter() Interpreter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Compiled)}
}

// Load compiles source under name, replacing any previous script of the
// same name.
func (r *Registry) Load(name string, source []byte) error {
	compiled, err := Compile(source)
	if err != nil {
		return fmt.Errorf("sieve: compile %q: %w", name, err)
	}
	r.mu.Lock()
	r.scripts[name] = compiled
	r.mu.Unlock()
	return nil
}

// Lookup resolves name to a fresh Interpreter, matching the signature
// Session.scriptLookup expects for IncludeScript resolution.
func (r *Registry) Lookup(name string) (Interpreter, bool) {
	r.mu.RLock()
	compiled, ok := r.scripts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return compiled.NewInterpreter(), true
}

// BindLookup returns a scriptLookup closure whose resolved Interpreters
// evaluate against data, for passing to NewSession so an included script
// shares the including script's message context.
func (r *Registry) BindLookup(data *MessageData) func(name string) (Interpreter, bool) {
	return func(name string) (Interpreter, bool) {
		r.mu.RLock()
		compiled, ok := r.scripts[name]
		r.mu.RUnlock()
		if !ok {
			return nil, false
		}
		if cs, ok := compiled.(*compiledScript); ok {
			return cs.BindData(data).NewInterpreter(), true
		}
		return compiled.NewInterpreter(), true
	}
}

// Start resolves name and returns a bound Interpreter ready to drive with
// Run, the usual entry point for the top-level script of a message.
func (r *Registry) Start(name string, data *MessageData) (Interpreter, bool) {
	r.mu.RLock()
	compiled, ok := r.scripts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if cs, ok := compiled.(*compiledScript); ok {
		return cs.BindData(data).NewInterpreter(), true
	}
	return compiled.NewInterpreter(), true
}
