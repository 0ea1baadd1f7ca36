// Package enginetest provides a scriptable in-memory engine.Instance for
// tests of the layers above the engine. Behaviors are declared per script
// name; everything else is recorded for assertions.
package enginetest

import (
	"context"
	"sync"

	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/errors"
)

// ScriptBehavior declares how a script behaves in the fake engine.
type ScriptBehavior struct {
	// CompileErr fails Compile for this script.
	CompileErr error
	// LinkErr fails Instantiate for guests of this script.
	LinkErr error
	// Exports lists exported functions. Nil means the default set
	// (start, handle, on-timer, resume).
	Exports []string
	// Invoke, when set, runs instead of the default no-op. Returning an
	// error fails the invocation; a budget_exceeded or terminated error
	// also kills the guest, as the real engine does.
	Invoke func(ctx context.Context, inst *Instance, export string) error
}

var defaultExports = []string{"start", "handle", "on-timer", "resume"}

// Fixture builds instances sharing one behavior table. Each cell recovery
// creates a fresh Instance from the same fixture.
type Fixture struct {
	mu        sync.Mutex
	behaviors map[string]*ScriptBehavior
	created   []*Instance
	calls     []string
	// FactoryErr makes the next Factory call fail.
	FactoryErr error
}

func NewFixture() *Fixture {
	return &Fixture{behaviors: make(map[string]*ScriptBehavior)}
}

// Script declares (or returns the existing) behavior for a script name.
func (f *Fixture) Script(name string) *ScriptBehavior {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.behaviors[name]
	if !ok {
		b = &ScriptBehavior{}
		f.behaviors[name] = b
	}
	return b
}

// Factory returns an engine.Factory minting instances off this fixture.
func (f *Fixture) Factory() engine.Factory {
	return func(ctx context.Context, cfg engine.Config) (engine.Instance, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.FactoryErr != nil {
			err := f.FactoryErr
			f.FactoryErr = nil
			return nil, err
		}
		inst := &Instance{
			fixture:    f,
			guests:     make(map[string]*Guest),
			namespaces: make(map[string][]engine.HostFunc),
		}
		f.created = append(f.created, inst)
		return inst, nil
	}
}

// Instances returns every instance the factory created, in order.
func (f *Fixture) Instances() []*Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Instance(nil), f.created...)
}

// CallLog returns "guest/export" entries in invocation order.
func (f *Fixture) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fixture) recordCall(guest, export string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, guest+"/"+export)
}

func (f *Fixture) behavior(name string) *ScriptBehavior {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.behaviors[name]; ok {
		return b
	}
	return &ScriptBehavior{}
}

// Instance is one fake engine instance.
type Instance struct {
	fixture *Fixture

	mu         sync.Mutex
	guests     map[string]*Guest
	namespaces map[string][]engine.HostFunc
	closed     bool

	// Mem is reported by MemoryBytes; behaviors mutate it to drive the
	// cell's memory ceiling.
	Mem uint64
}

type compiled struct {
	script string
	closed bool
}

func (c *compiled) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func (i *Instance) Compile(ctx context.Context, name string, binary []byte) (engine.CompiledScript, error) {
	if err := i.fixture.behavior(name).CompileErr; err != nil {
		return nil, err
	}
	return &compiled{script: name}, nil
}

func (i *Instance) BindHost(ctx context.Context, namespace string, funcs []engine.HostFunc) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, dup := i.namespaces[namespace]; dup {
		return errors.Wrap(errors.PhaseHost, errors.KindRegistration, nil, "namespace %q already bound", namespace)
	}
	i.namespaces[namespace] = funcs
	return nil
}

// Namespaces returns the bound host namespaces.
func (i *Instance) Namespaces() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.namespaces))
	for ns := range i.namespaces {
		out = append(out, ns)
	}
	return out
}

func (i *Instance) Instantiate(ctx context.Context, name string, c engine.CompiledScript) (engine.Guest, error) {
	cs, ok := c.(*compiled)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseLink, "foreign compiled form")
	}
	b := i.fixture.behavior(cs.script)
	if b.LinkErr != nil {
		return nil, b.LinkErr
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, dup := i.guests[name]; dup {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, nil, "guest %q already instantiated", name)
	}
	g := &Guest{inst: i, name: name, script: cs.script}
	i.guests[name] = g
	return g, nil
}

func (i *Instance) MemoryBytes() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Mem
}

func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// Closed reports whether the instance was disposed.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Guest is one fake instantiated script.
type Guest struct {
	inst   *Instance
	name   string
	script string
	dead   bool
}

func (g *Guest) Invoke(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	if g.dead {
		return nil, errors.NotInitialized(errors.PhaseExec, "guest "+g.name)
	}
	g.inst.fixture.recordCall(g.name, export)

	b := g.inst.fixture.behavior(g.script)
	if b.Invoke == nil {
		return nil, nil
	}
	err := b.Invoke(ctx, g.inst, export)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) && (e.Kind == errors.KindBudgetExceeded || e.Kind == errors.KindTerminated) {
			g.kill()
		}
	}
	return nil, err
}

func (g *Guest) Exports(name string) bool {
	if g.dead {
		return false
	}
	exports := g.inst.fixture.behavior(g.script).Exports
	if exports == nil {
		exports = defaultExports
	}
	for _, e := range exports {
		if e == name {
			return true
		}
	}
	return false
}

func (g *Guest) MemoryBytes() uint64 { return 0 }

func (g *Guest) Close(ctx context.Context) error {
	g.kill()
	return nil
}

func (g *Guest) kill() {
	g.dead = true
	g.inst.mu.Lock()
	delete(g.inst.guests, g.name)
	g.inst.mu.Unlock()
}
