package tenant

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/scripthost/compiler"
	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/guildlog"
	"github.com/wippyai/scripthost/hostcap"
)

// State is the lifecycle state of a tenant runtime.
type State int

const (
	StateLoading State = iota
	StateActive
	StateReloading
	StateDraining
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateReloading:
		return "reloading"
	case StateDraining:
		return "draining"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Hooks are the thread-provided backends for host capabilities invoked
// during task execution. HostCall must return a nonzero call id.
type Hooks struct {
	Console  func(task *Task, level guildlog.Level, message string)
	Reply    func(task *Task, data []byte) error
	SetTimer func(task *Task, delayMillis uint32) uint32
	HostCall func(task *Task, op uint32, payload []byte) uint32
}

type cacheEntry struct {
	hash     string
	compiled engine.CompiledScript
}

// Runtime is the execution context for one guild's scripts inside a shared
// engine instance. Owned exclusively by the engine thread that hosts it;
// no method is safe for concurrent use.
type Runtime struct {
	guild string
	epoch uint64
	state State

	scripts   []Script
	cache     map[string]cacheEntry // script id -> compiled form, keyed by content hash
	guests    map[string]engine.Guest
	queue     []*Task
	suspended map[uint32]*Task // host call id -> suspended task
	seq       uint64

	compiles int
	log      *zap.Logger
}

// New creates a runtime for guild, recording the engine epoch it was
// created under. The runtime is invalid once the cell moves past that
// epoch.
func New(guild string, epoch uint64) *Runtime {
	return &Runtime{
		guild:     guild,
		epoch:     epoch,
		state:     StateLoading,
		cache:     make(map[string]cacheEntry),
		guests:    make(map[string]engine.Guest),
		suspended: make(map[uint32]*Task),
		log:       engine.Logger().With(zap.String("guild", guild)),
	}
}

func (r *Runtime) Guild() string { return r.guild }
func (r *Runtime) Epoch() uint64 { return r.epoch }
func (r *Runtime) State() State  { return r.state }
func (r *Runtime) Compiles() int { return r.compiles }
func (r *Runtime) Scripts() []Script {
	out := make([]Script, len(r.scripts))
	copy(out, r.scripts)
	return out
}

// PendingTasks is the queue depth, not counting suspended tasks.
func (r *Runtime) PendingTasks() int { return len(r.queue) }

// SuspendedTasks is the number of tasks awaiting a host call continuation.
func (r *Runtime) SuspendedTasks() int { return len(r.suspended) }

// HasWork reports whether a task is runnable right now.
func (r *Runtime) HasWork() bool { return len(r.queue) > 0 }

// Load compiles and links scripts, then schedules the entry task of each
// script that exports one. Failures are per-script: one script failing to
// compile or link never blocks its siblings unless they import it, in which
// case the sibling's own link step fails.
func (r *Runtime) Load(ctx context.Context, inst engine.Instance, comp compiler.Compiler, scripts []Script) []error {
	r.state = StateLoading
	r.scripts = append([]Script(nil), scripts...)

	var errs []error
	for _, s := range scripts {
		if !s.Enabled {
			continue
		}
		if err := r.loadScript(ctx, inst, comp, s); err != nil {
			errs = append(errs, err)
			continue
		}
		r.scheduleEntry(s)
	}

	r.state = StateActive
	return errs
}

// Reload replaces the script set. Cache entries whose content hash is
// unchanged are reused without recompiling; their guests keep running and
// no new entry task is scheduled. Changed and added scripts are compiled
// and restarted. Pending tasks against removed or changed scripts are
// dropped so no work targets stale code.
func (r *Runtime) Reload(ctx context.Context, inst engine.Instance, comp compiler.Compiler, scripts []Script) (changed int, errs []error) {
	r.state = StateReloading

	keep := make(map[string]Script, len(scripts))
	for _, s := range scripts {
		if s.Enabled {
			keep[s.ID] = s
		}
	}

	for id := range r.cache {
		if _, ok := keep[id]; !ok {
			r.dropScript(ctx, id)
			changed++
		}
	}

	r.scripts = append([]Script(nil), scripts...)
	for _, s := range scripts {
		if !s.Enabled {
			continue
		}
		if entry, ok := r.cache[s.ID]; ok && entry.hash == s.ContentHash() {
			continue
		}
		// a changed script restarts from scratch: its guest, queued tasks
		// and armed host calls all belong to the old code and go with it
		r.dropScript(ctx, s.ID)
		changed++
		if err := r.loadScript(ctx, inst, comp, s); err != nil {
			errs = append(errs, err)
			continue
		}
		r.scheduleEntry(s)
	}

	r.state = StateActive
	return changed, errs
}

// Dispatch enqueues a task for an incoming event. Events for the same
// guild run in arrival order. A continuation event resumes the task that
// armed the matching host call; continuations for unknown calls (already
// unloaded or dropped) are an error the caller discards.
func (r *Runtime) Dispatch(ev Event) (*Task, error) {
	switch r.state {
	case StateDraining:
		return nil, errors.Wrap(errors.PhaseDispatch, errors.KindDraining, nil, "guild %s is draining", r.guild)
	case StateUnloaded:
		return nil, errors.TenantNotFound(errors.PhaseDispatch, r.guild)
	}

	if ev.Kind == TaskContinuation {
		t, ok := r.suspended[ev.Call]
		if !ok || t.State != TaskSuspended {
			return nil, errors.Wrap(errors.PhaseDispatch, errors.KindInvalidInput, nil, "no suspended task for call %d", ev.Call)
		}
		delete(r.suspended, ev.Call)
		t.Kind = TaskContinuation
		t.Payload = ev.Payload
		t.State = TaskPending
		r.seq++
		t.Seq = r.seq
		r.queue = append(r.queue, t)
		return t, nil
	}

	if r.scriptByID(ev.ScriptID) == nil {
		return nil, errors.Wrap(errors.PhaseDispatch, errors.KindScriptNotFound, nil, "guild %s has no script %s", r.guild, ev.ScriptID)
	}

	r.seq++
	t := newTask(ev, r.seq)
	r.queue = append(r.queue, t)
	return t, nil
}

// RunNext executes the oldest pending task under the per-invocation
// ceiling. Returns (nil, nil) when the queue is empty. A returned error is
// the task's failure, already recorded on the task; it never poisons the
// runtime.
func (r *Runtime) RunNext(ctx context.Context, inst engine.Instance, hooks Hooks, ceiling time.Duration) (*Task, error) {
	if len(r.queue) == 0 {
		return nil, nil
	}
	t := r.queue[0]
	r.queue = r.queue[1:]
	t.State = TaskRunning

	guest, err := r.guestFor(ctx, inst, t.ScriptID)
	if err != nil {
		return r.fail(t, err), err
	}

	export := t.Kind.export()
	if !guest.Exports(export) {
		err := errors.Wrap(errors.PhaseExec, errors.KindTaskFailed, nil, "script has no %q handler", export)
		err.Guild = r.guild
		err.Script = t.ScriptID
		return r.fail(t, err), err
	}

	scope := r.scope(t, hooks)
	cctx := hostcap.WithScope(ctx, scope)
	if ceiling > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, ceiling)
		defer cancel()
	}

	if _, err := guest.Invoke(cctx, export); err != nil {
		if errors.IsBudget(err) || errors.Is(err, &errors.Error{Phase: errors.PhaseExec, Kind: errors.KindTerminated}) {
			// the engine killed the guest; reinstantiate from cache on
			// next use
			delete(r.guests, t.ScriptID)
		}
		terr := errors.Wrap(errors.PhaseExec, kindOf(err), err, "task %s", t.Kind)
		terr.Guild = r.guild
		terr.Script = t.ScriptID
		return r.fail(t, terr), terr
	}

	if scope.Suspended() {
		t.State = TaskSuspended
		return t, nil
	}

	t.State = TaskCompleted
	return t, nil
}

// Unload drains the runtime: pending tasks are dropped, suspended tasks
// are abandoned (their continuations will never resume), guests and
// compiled forms are released.
func (r *Runtime) Unload(ctx context.Context) {
	r.state = StateDraining
	r.queue = nil
	r.suspended = make(map[uint32]*Task)

	for id, g := range r.guests {
		if err := g.Close(ctx); err != nil {
			r.log.Warn("closing guest", zap.String("script", id), zap.Error(err))
		}
	}
	r.guests = make(map[string]engine.Guest)

	for id, entry := range r.cache {
		if err := entry.compiled.Close(ctx); err != nil {
			r.log.Warn("closing compiled form", zap.String("script", id), zap.Error(err))
		}
	}
	r.cache = make(map[string]cacheEntry)
	r.state = StateUnloaded
}

// Invalidate marks the runtime unloaded after an engine fault. Everything
// it held lived inside the disposed instance, so nothing is closed here;
// stale handles must simply never be dereferenced.
func (r *Runtime) Invalidate() {
	r.queue = nil
	r.suspended = make(map[uint32]*Task)
	r.guests = make(map[string]engine.Guest)
	r.cache = make(map[string]cacheEntry)
	r.state = StateUnloaded
}

func (r *Runtime) loadScript(ctx context.Context, inst engine.Instance, comp compiler.Compiler, s Script) error {
	hash := s.ContentHash()
	if entry, ok := r.cache[s.ID]; !ok || entry.hash != hash {
		form, err := comp.Compile(s.Name, s.Source)
		if err != nil {
			var ce *compiler.CompileError
			if errors.As(err, &ce) {
				cerr := errors.Compile(s.Name, ce.Message, ce)
				cerr.Guild = r.guild
				return cerr
			}
			return errors.Wrap(errors.PhaseCompile, errors.KindCompileFailed, err, "compiler collaborator failed for %s", s.Name)
		}

		compiled, err := inst.Compile(ctx, s.Name, form.Binary)
		if err != nil {
			cerr := errors.Compile(s.Name, "engine compile failed", err)
			cerr.Guild = r.guild
			return cerr
		}

		if old, ok := r.cache[s.ID]; ok {
			_ = old.compiled.Close(ctx)
		}
		r.cache[s.ID] = cacheEntry{hash: hash, compiled: compiled}
		r.compiles++
	}

	guest, err := inst.Instantiate(ctx, r.guestName(s), r.cache[s.ID].compiled)
	if err != nil {
		lerr := errors.Link(s.Name, "instantiate failed", err)
		lerr.Guild = r.guild
		return lerr
	}
	r.guests[s.ID] = guest
	return nil
}

func (r *Runtime) scheduleEntry(s Script) {
	guest := r.guests[s.ID]
	if guest == nil || !guest.Exports(TaskEntry.export()) {
		return
	}
	r.seq++
	r.queue = append(r.queue, newTask(Event{Guild: r.guild, Kind: TaskEntry, ScriptID: s.ID}, r.seq))
}

func (r *Runtime) dropScript(ctx context.Context, id string) {
	if g, ok := r.guests[id]; ok {
		_ = g.Close(ctx)
		delete(r.guests, id)
	}
	if entry, ok := r.cache[id]; ok {
		_ = entry.compiled.Close(ctx)
		delete(r.cache, id)
	}
	kept := r.queue[:0]
	for _, t := range r.queue {
		if t.ScriptID != id {
			kept = append(kept, t)
		}
	}
	r.queue = kept
	for call, t := range r.suspended {
		if t.ScriptID == id {
			delete(r.suspended, call)
		}
	}
}

func (r *Runtime) guestFor(ctx context.Context, inst engine.Instance, scriptID string) (engine.Guest, error) {
	if g, ok := r.guests[scriptID]; ok {
		return g, nil
	}
	entry, ok := r.cache[scriptID]
	if !ok {
		err := errors.Wrap(errors.PhaseExec, errors.KindScriptNotFound, nil, "no compiled form for script %s", scriptID)
		err.Guild = r.guild
		return nil, err
	}
	s := r.scriptByID(scriptID)
	if s == nil {
		err := errors.Wrap(errors.PhaseExec, errors.KindScriptNotFound, nil, "script %s removed", scriptID)
		err.Guild = r.guild
		return nil, err
	}
	guest, err := inst.Instantiate(ctx, r.guestName(*s), entry.compiled)
	if err != nil {
		lerr := errors.Link(s.Name, "reinstantiate failed", err)
		lerr.Guild = r.guild
		return nil, lerr
	}
	r.guests[scriptID] = guest
	return guest, nil
}

func (r *Runtime) scope(t *Task, hooks Hooks) *hostcap.Scope {
	var h hostcap.Hooks
	if hooks.Console != nil {
		h.Console = func(level guildlog.Level, message string) {
			hooks.Console(t, level, message)
		}
	}
	if hooks.Reply != nil {
		h.Reply = func(data []byte) error {
			return hooks.Reply(t, data)
		}
	}
	if hooks.SetTimer != nil {
		h.SetTimer = func(delayMillis uint32) uint32 {
			return hooks.SetTimer(t, delayMillis)
		}
	}
	if hooks.HostCall != nil {
		h.HostCall = func(op uint32, payload []byte) uint32 {
			id := hooks.HostCall(t, op, payload)
			if id != 0 {
				r.suspended[id] = t
			}
			return id
		}
	}
	return hostcap.NewScope(r.guild, t.ScriptID, t.ID, t.Payload, h)
}

// fail marks t terminal. Host calls t armed before failing are forgotten
// so their continuations can never resurrect it.
func (r *Runtime) fail(t *Task, err error) *Task {
	for call, st := range r.suspended {
		if st == t {
			delete(r.suspended, call)
		}
	}
	t.State = TaskFailed
	t.Err = err
	return t
}

func (r *Runtime) scriptByID(id string) *Script {
	for i := range r.scripts {
		if r.scripts[i].ID == id && r.scripts[i].Enabled {
			return &r.scripts[i]
		}
	}
	return nil
}

func (r *Runtime) guestName(s Script) string {
	return r.guild + "/" + s.Name
}

func kindOf(err error) errors.Kind {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return errors.KindTaskFailed
}
