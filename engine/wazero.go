package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/scripthost/errors"
)

// WazeroInstance implements Instance using the wazero runtime.
//
// The runtime is created with CloseOnContextDone so a context deadline on
// Invoke forcibly terminates the running call; the affected guest dies and
// must be reinstantiated, other guests are untouched.
type WazeroInstance struct {
	runtime wazero.Runtime
	cfg     Config
	// guests and namespaces are touched only by the owning thread; the
	// cell serializes all access, so no lock is held here.
	guests     map[string]*wazeroGuest
	namespaces map[string]bool
	closed     bool
}

// NewWazero creates a wazero-backed engine instance. Use as the cell Factory:
//
//	cell := engine.NewCell(tok, engine.NewWazero, cfg)
func NewWazero(ctx context.Context, cfg Config) (Instance, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	Logger().Debug("created engine instance",
		zap.Uint32("memory_limit_pages", cfg.MemoryLimitPages),
		zap.Uint64("memory_ceiling_bytes", cfg.MemoryCeilingBytes))

	return &WazeroInstance{
		runtime:    r,
		cfg:        cfg,
		guests:     make(map[string]*wazeroGuest),
		namespaces: make(map[string]bool),
	}, nil
}

func (e *WazeroInstance) Compile(ctx context.Context, name string, binary []byte) (CompiledScript, error) {
	if e.closed {
		return nil, errors.NotInitialized(errors.PhaseCompile, "engine instance")
	}
	mod, err := e.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, errors.Compile(name, "engine rejected binary", err)
	}
	return &wazeroCompiled{mod: mod}, nil
}

func (e *WazeroInstance) BindHost(ctx context.Context, namespace string, funcs []HostFunc) error {
	if e.closed {
		return errors.NotInitialized(errors.PhaseHost, "engine instance")
	}
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if e.namespaces[namespace] {
		return errors.Wrap(errors.PhaseHost, errors.KindRegistration, nil, "namespace %q already bound", namespace)
	}

	builder := e.runtime.NewHostModuleBuilder(namespace)
	for _, f := range funcs {
		fn := f.Fn
		goFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			fn(ctx, wazeroMemory{mem: mod.Memory()}, stack)
		})
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(goFn, valueTypes(f.Params), valueTypes(f.Results)).
			Export(f.Name)
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseHost, errors.KindRegistration, err, "instantiate host namespace %q", namespace)
	}
	e.namespaces[namespace] = true
	return nil
}

func (e *WazeroInstance) Instantiate(ctx context.Context, name string, compiled CompiledScript) (Guest, error) {
	if e.closed {
		return nil, errors.NotInitialized(errors.PhaseLink, "engine instance")
	}
	wc, ok := compiled.(*wazeroCompiled)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseLink, "compiled form is not a wazero module")
	}
	if _, exists := e.guests[name]; exists {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, nil, "guest %q already instantiated", name)
	}

	// Entry points are invoked explicitly by the scheduler loop, never
	// implicitly at instantiation.
	modCfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, wc.mod, modCfg)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate guest %q", name)
	}

	g := &wazeroGuest{owner: e, name: name, mod: mod}
	e.guests[name] = g
	return g, nil
}

func (e *WazeroInstance) MemoryBytes() uint64 {
	var total uint64
	for _, g := range e.guests {
		total += g.MemoryBytes()
	}
	return total
}

func (e *WazeroInstance) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.guests = nil
	return e.runtime.Close(ctx)
}

func valueTypes(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}

type wazeroCompiled struct {
	mod wazero.CompiledModule
}

func (c *wazeroCompiled) Close(ctx context.Context) error {
	return c.mod.Close(ctx)
}

type wazeroGuest struct {
	owner *WazeroInstance
	name  string
	mod   api.Module
	dead  bool
}

func (g *wazeroGuest) Invoke(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	if g.dead {
		return nil, errors.NotInitialized(errors.PhaseExec, "guest "+g.name)
	}
	fn := g.mod.ExportedFunction(export)
	if fn == nil {
		return nil, errors.Wrap(errors.PhaseExec, errors.KindScriptNotFound, nil, "guest %q has no export %q", g.name, export)
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			// A forced termination closes the module; the guest cannot be
			// reused.
			g.kill()
			switch exitErr.ExitCode() {
			case sys.ExitCodeDeadlineExceeded:
				return nil, errors.Wrap(errors.PhaseExec, errors.KindBudgetExceeded, err, "invocation ceiling exceeded in %q", export)
			case sys.ExitCodeContextCanceled:
				return nil, errors.Wrap(errors.PhaseExec, errors.KindTerminated, err, "invocation canceled in %q", export)
			}
			return nil, errors.Wrap(errors.PhaseExec, errors.KindTaskFailed, err, "guest %q exited", g.name)
		}
		return nil, errors.Task("", "invoke "+export, err)
	}
	return results, nil
}

func (g *wazeroGuest) Exports(name string) bool {
	if g.dead {
		return false
	}
	return g.mod.ExportedFunction(name) != nil
}

func (g *wazeroGuest) MemoryBytes() uint64 {
	if g.dead {
		return 0
	}
	mem := g.mod.Memory()
	if mem == nil {
		return 0
	}
	return uint64(mem.Size())
}

func (g *wazeroGuest) Close(ctx context.Context) error {
	if g.dead {
		return nil
	}
	g.kill()
	return g.mod.Close(ctx)
}

func (g *wazeroGuest) kill() {
	g.dead = true
	if g.owner.guests != nil {
		delete(g.owner.guests, g.name)
	}
}

// wazeroMemory adapts api.Memory to the engine Memory interface.
// Reads copy out of guest memory so capability code never aliases it.
type wazeroMemory struct {
	mem api.Memory
}

func (m wazeroMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if m.mem == nil {
		return nil, false
	}
	view, ok := m.mem.Read(offset, byteCount)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func (m wazeroMemory) Write(offset uint32, data []byte) bool {
	if m.mem == nil {
		return false
	}
	return m.mem.Write(offset, data)
}
