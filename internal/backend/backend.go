// Package backend adapts external coding-agent CLIs behind a common
// interface. Each adapter spawns one agent invocation per loop
// iteration, writes the raw output to a file, and knows how to extract
// the assistant text from that output afterwards.
package backend

import (
	"context"
	"fmt"
	"sort"
)

// Adapter runs agent iterations for one backend CLI.
type Adapter interface {
	// Name identifies the backend (e.g. "claude").
	Name() string

	// CheckInstalled reports whether the backend CLI is on PATH.
	CheckInstalled() bool

	// RunIteration spawns one agent invocation with the rendered
	// prompt, writing raw output to outputPath. It blocks until the
	// child process exits.
	RunIteration(ctx context.Context, prompt, model, variant, outputPath, workingDir string) error

	// ParseText extracts the assistant text from a raw output file.
	ParseText(outputPath string) (string, error)

	// Models lists model aliases the backend accepts.
	Models() []string
}

var registry = map[string]Adapter{}

// Register makes an adapter available by name. Called from adapter
// init functions.
func Register(a Adapter) {
	registry[a.Name()] = a
}

// For returns the adapter registered under name.
func For(name string) (Adapter, error) {
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	return a, nil
}

// Names returns the registered backend names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
