package plugin

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"warden/internal/sandbox"
)

// Linker turns an installed plugin into a loaded Module. There is one per
// Runtime; all of them honour the same init/teardown contract.
type Linker interface {
	Link(ctx context.Context, dir string, m Manifest) (Module, error)
}

// Module is a linked plugin. Init and Teardown map to the plugin's two
// required exports; Close unloads it and must be safe after a failed Init.
type Module interface {
	Init(ctx context.Context, host *HostContext) error
	Teardown(ctx context.Context) error
	Close(ctx context.Context) error
}

// LimitedLinker is a Linker that can hold sandbox limits inside the runtime
// itself, such as a cap on guest memory. The manager prefers LinkLimited.
type LimitedLinker interface {
	Linker
	LinkLimited(ctx context.Context, dir string, m Manifest, limits sandbox.Limits) (Module, error)
}

// LinkerFunc adapts a function to Linker.
type LinkerFunc func(ctx context.Context, dir string, m Manifest) (Module, error)

func (f LinkerFunc) Link(ctx context.Context, dir string, m Manifest) (Module, error) {
	return f(ctx, dir, m)
}

// Builtin is a plugin compiled into the host binary.
type Builtin interface {
	Init(ctx context.Context, host *HostContext) error
	Teardown(ctx context.Context) error
}

// BuiltinSet is the builtin runtime: a name -> constructor table.
type BuiltinSet struct {
	mu    sync.RWMutex
	ctors map[string]func() Builtin
}

func NewBuiltinSet() *BuiltinSet { return &BuiltinSet{ctors: map[string]func() Builtin{}} }

// Register makes ctor available as entry "builtin:<name>".
func (s *BuiltinSet) Register(name string, ctor func() Builtin) {
	s.mu.Lock()
	s.ctors[name] = ctor
	s.mu.Unlock()
}

func (s *BuiltinSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ctors))
	for n := range s.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *BuiltinSet) Link(_ context.Context, _ string, m Manifest) (Module, error) {
	name := m.BuiltinName()
	s.mu.RLock()
	ctor, ok := s.ctors[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: builtin %q", ErrMissingExport, name)
	}
	return &builtinModule{p: ctor()}, nil
}

type builtinModule struct{ p Builtin }

func (b *builtinModule) Init(ctx context.Context, host *HostContext) error {
	if err := b.p.Init(ctx, host); err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return nil
}

func (b *builtinModule) Teardown(ctx context.Context) error {
	if err := b.p.Teardown(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
	}
	return nil
}

func (b *builtinModule) Close(context.Context) error { return nil }

// ProcessProvider supplies the process a running plugin is contained in.
type ProcessProvider interface {
	Process(ctx context.Context, rec Record) (int, error)
}

// SelfProcess reports the host process: native, wasm and builtin plugins
// all run inside it.
type SelfProcess struct{}

func (SelfProcess) Process(context.Context, Record) (int, error) { return os.Getpid(), nil }
