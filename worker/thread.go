package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/guildlog"
	"github.com/wippyai/scripthost/hostcap"
	"github.com/wippyai/scripthost/protocol"
	"github.com/wippyai/scripthost/tenant"
)

// Thread is one engine thread: a goroutine pinned to an OS thread that owns
// one or more engine cells and every tenant runtime placed on it. All
// engine and tenant state is touched only from inside Run; the outside
// world talks to a thread through Submit, Deliver and LoadSnapshot.
type Thread struct {
	id   int
	cfg  Config
	deps Deps

	control chan protocol.ControlMessage
	events  chan tenant.Event
	status  chan<- Status

	// owned by the run loop
	tok     *engine.Token
	shared  *engine.Cell
	cells   map[string]*engine.Cell // guild -> cell, dedicated mode
	bound   map[*engine.Cell]uint64 // epoch the host namespaces were bound at
	tenants map[string]*tenant.Runtime
	order   []string
	rrNext  int
	runCtx  context.Context

	callSeq atomic.Uint32
	guilds  atomic.Int64
	pending atomic.Int64

	done chan struct{}
	log  *zap.Logger
}

// NewThread builds a thread. Status reports go to status, which the
// supervisor must drain until Done closes.
func NewThread(id int, cfg Config, deps Deps, status chan<- Status) *Thread {
	cfg = cfg.withDefaults()
	if deps.GuildLog == nil {
		deps.GuildLog = guildlog.Discard{}
	}
	return &Thread{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		control: make(chan protocol.ControlMessage, cfg.ControlBuffer),
		events:  make(chan tenant.Event, cfg.EventBuffer),
		status:  status,
		tok:     engine.NewToken(),
		cells:   make(map[string]*engine.Cell),
		bound:   make(map[*engine.Cell]uint64),
		tenants: make(map[string]*tenant.Runtime),
		done:    make(chan struct{}),
		log:     engine.Logger().With(zap.Int("thread", id)),
	}
}

// Done closes when the run loop has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Submit hands a control message to the thread.
func (t *Thread) Submit(msg protocol.ControlMessage) error {
	select {
	case t.control <- msg:
		return nil
	case <-t.done:
		return errors.Wrap(errors.PhaseControl, errors.KindChannelClosed, nil, "thread %d stopped", t.id)
	}
}

// Deliver hands an incoming event to the thread.
func (t *Thread) Deliver(ev tenant.Event) error {
	select {
	case t.events <- ev:
		return nil
	case <-t.done:
		return errors.Wrap(errors.PhaseDispatch, errors.KindChannelClosed, nil, "thread %d stopped", t.id)
	}
}

// LoadSnapshot reports the thread's current load. Safe to call from any
// goroutine.
func (t *Thread) LoadSnapshot() protocol.ThreadLoad {
	return protocol.ThreadLoad{
		Thread:       t.id,
		ActiveGuilds: int(t.guilds.Load()),
		PendingTasks: int(t.pending.Load()),
	}
}

// Run is the cooperative loop: drain control and events, then give each
// tenant with runnable work one slice of the tick. It returns after a
// shutdown message or when ctx is cancelled.
func (t *Thread) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)
	defer t.teardown(ctx)
	t.runCtx = ctx

	for {
		if !t.hasWork() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-t.control:
				if t.handleControl(ctx, msg) {
					return nil
				}
			case ev := <-t.events:
				t.routeEvent(ev)
			}
		}

		for drained := false; !drained; {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-t.control:
				if t.handleControl(ctx, msg) {
					return nil
				}
			case ev := <-t.events:
				t.routeEvent(ev)
			default:
				drained = true
			}
		}

		t.tick(ctx)
	}
}

func (t *Thread) hasWork() bool {
	for _, rt := range t.tenants {
		if rt.HasWork() {
			return true
		}
	}
	return false
}

// handleControl applies one control message. Returns true on shutdown.
func (t *Thread) handleControl(ctx context.Context, msg protocol.ControlMessage) bool {
	switch msg.Kind {
	case protocol.ControlLoad:
		t.handleLoad(ctx, msg)
	case protocol.ControlReload:
		t.handleReload(ctx, msg)
	case protocol.ControlUnload:
		t.handleUnload(ctx, msg)
	case protocol.ControlShutdown:
		t.log.Info("shutdown requested", zap.Int("tenants", len(t.tenants)))
		return true
	}
	t.updateGauges()
	return false
}

func (t *Thread) handleLoad(ctx context.Context, msg protocol.ControlMessage) {
	scripts := msg.Scripts
	if len(scripts) == 0 && t.deps.Store != nil {
		var err error
		scripts, err = t.deps.Store.Scripts(ctx, msg.Guild)
		if err != nil {
			// the guild never became resident here; the fault carries the
			// removal so the scheduler frees its placement
			var removed []string
			if _, resident := t.tenants[msg.Guild]; !resident {
				removed = []string{msg.Guild}
			}
			t.emitFault(msg.Guild, protocol.ScopeWorker, "", fmt.Sprintf("script store: %v", err), removed)
			return
		}
	}

	// a load for a resident guild replaces it wholesale
	if old, ok := t.tenants[msg.Guild]; ok {
		old.Unload(ctx)
		t.removeTenant(msg.Guild)
	}

	inst, cell, err := t.instanceFor(ctx, msg.Guild)
	if err != nil {
		t.emitFault(msg.Guild, protocol.ScopeWorker, "", err.Error(), []string{msg.Guild})
		return
	}

	rt := tenant.New(msg.Guild, cell.Epoch())
	errs := rt.Load(ctx, inst, t.deps.Compiler, scripts)
	t.tenants[msg.Guild] = rt
	t.order = append(t.order, msg.Guild)
	t.guilds.Add(1)

	for _, err := range errs {
		t.emitScriptFault(msg.Guild, err)
	}
	t.emit(Status{Thread: t.id, Msg: protocol.StatusMessage{Guild: msg.Guild, Kind: protocol.StatusAck}})

	if err := cell.CheckMemory(ctx, t.tok); err != nil {
		t.cellFault(ctx, cell, err)
	}
}

func (t *Thread) handleReload(ctx context.Context, msg protocol.ControlMessage) {
	rt, ok := t.tenants[msg.Guild]
	if !ok {
		t.emitFault(msg.Guild, protocol.ScopeWorker, "", "guild not resident on this thread", []string{msg.Guild})
		return
	}

	scripts := msg.Scripts
	if len(scripts) == 0 && t.deps.Store != nil {
		var err error
		scripts, err = t.deps.Store.Scripts(ctx, msg.Guild)
		if err != nil {
			t.emitFault(msg.Guild, protocol.ScopeWorker, "", fmt.Sprintf("script store: %v", err), nil)
			return
		}
	}

	inst, cell, err := t.instanceFor(ctx, msg.Guild)
	if err != nil {
		t.emitFault(msg.Guild, protocol.ScopeWorker, "", err.Error(), nil)
		return
	}

	_, errs := rt.Reload(ctx, inst, t.deps.Compiler, scripts)
	for _, err := range errs {
		t.emitScriptFault(msg.Guild, err)
	}
	t.emit(Status{Thread: t.id, Msg: protocol.StatusMessage{Guild: msg.Guild, Kind: protocol.StatusAck}})

	if err := cell.CheckMemory(ctx, t.tok); err != nil {
		t.cellFault(ctx, cell, err)
	}
}

func (t *Thread) handleUnload(ctx context.Context, msg protocol.ControlMessage) {
	rt, ok := t.tenants[msg.Guild]
	if !ok {
		t.emitFault(msg.Guild, protocol.ScopeWorker, "", "guild not resident on this thread", []string{msg.Guild})
		return
	}
	rt.Unload(ctx)
	t.removeTenant(msg.Guild)
	if t.cfg.Isolation == IsolationDedicated {
		if cell, ok := t.cells[msg.Guild]; ok {
			_ = cell.Close(ctx, t.tok)
			delete(t.cells, msg.Guild)
			delete(t.bound, cell)
		}
	}
	t.emit(Status{
		Thread:  t.id,
		Msg:     protocol.StatusMessage{Guild: msg.Guild, Kind: protocol.StatusAck},
		Removed: []string{msg.Guild},
	})
}

func (t *Thread) routeEvent(ev tenant.Event) {
	rt, ok := t.tenants[ev.Guild]
	if !ok {
		t.log.Debug("event for non-resident guild dropped", zap.String("guild", ev.Guild))
		return
	}
	if _, err := rt.Dispatch(ev); err != nil {
		t.log.Debug("event dropped", zap.String("guild", ev.Guild), zap.Error(err))
	}
	t.updateGauges()
}

// tick gives each tenant with runnable work one slice, starting after the
// tenant that went first last time.
func (t *Thread) tick(ctx context.Context) {
	n := len(t.order)
	if n == 0 {
		return
	}
	start := t.rrNext % n
	for i := 0; i < n; i++ {
		guild := t.order[(start+i)%n]
		rt, ok := t.tenants[guild]
		if !ok || !rt.HasWork() {
			continue
		}
		if faulted := t.runSlice(ctx, rt); faulted {
			// the fault already tore down every tenant on the cell
			break
		}
	}
	if n = len(t.order); n > 0 {
		t.rrNext = (start + 1) % n
	} else {
		t.rrNext = 0
	}
	t.updateGauges()
}

// runSlice runs one tenant's tasks until its slice expires or its queue
// drains. Reports true when an engine fault disposed the cell.
func (t *Thread) runSlice(ctx context.Context, rt *tenant.Runtime) bool {
	inst, cell, err := t.instanceFor(ctx, rt.Guild())
	if err != nil {
		t.emitFault(rt.Guild(), protocol.ScopeWorker, "", err.Error(), nil)
		return false
	}
	hooks := t.hooks(rt.Guild())
	deadline := time.Now().Add(t.cfg.TickSlice)

	for rt.HasWork() {
		task, err := rt.RunNext(ctx, inst, hooks, t.cfg.InvocationCeiling)
		if task == nil {
			break
		}
		t.report(rt.Guild(), task, err)
		if err != nil && errors.IsFault(err) {
			t.cellFault(ctx, cell, err)
			return true
		}
		if merr := cell.CheckMemory(ctx, t.tok); merr != nil {
			t.cellFault(ctx, cell, merr)
			return true
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	return false
}

func (t *Thread) report(guild string, task *tenant.Task, err error) {
	switch task.State {
	case tenant.TaskCompleted:
		t.emit(Status{Thread: t.id, Msg: protocol.StatusMessage{
			Guild:   guild,
			Kind:    protocol.StatusTaskResult,
			Task:    task.ID,
			Outcome: protocol.OutcomeCompleted,
		}})
	case tenant.TaskFailed:
		reason := "task failed"
		if err != nil {
			reason = err.Error()
		}
		t.emit(Status{Thread: t.id, Msg: protocol.StatusMessage{
			Guild:   guild,
			Kind:    protocol.StatusTaskResult,
			Task:    task.ID,
			Script:  task.ScriptID,
			Outcome: protocol.OutcomeFailed,
			Reason:  reason,
		}})
	}
	// suspended tasks report nothing until their continuation runs
}

// instanceFor returns the live instance for guild, creating the cell and
// binding host namespaces as needed. Callers report the error as a fault.
func (t *Thread) instanceFor(ctx context.Context, guild string) (engine.Instance, *engine.Cell, error) {
	cell := t.cellFor(guild)
	h, err := cell.Acquire(ctx, t.tok)
	if err != nil {
		return nil, nil, fmt.Errorf("engine unavailable: %w", err)
	}
	inst, err := h.Instance()
	if err != nil {
		return nil, nil, fmt.Errorf("engine unavailable: %w", err)
	}
	if epoch, ok := t.bound[cell]; !ok || epoch != h.Epoch() {
		if err := inst.BindHost(ctx, hostcap.Namespace, hostcap.Core()); err != nil {
			return nil, nil, fmt.Errorf("binding host capabilities: %w", err)
		}
		if t.deps.Caps != nil {
			if err := t.deps.Caps.BindAll(ctx, inst); err != nil {
				return nil, nil, fmt.Errorf("binding host capabilities: %w", err)
			}
		}
		t.bound[cell] = h.Epoch()
	}
	return inst, cell, nil
}

func (t *Thread) cellFor(guild string) *engine.Cell {
	if t.cfg.Isolation == IsolationDedicated {
		cell, ok := t.cells[guild]
		if !ok {
			cell = engine.NewCell(t.tok, t.deps.Factory, t.cfg.Engine)
			t.cells[guild] = cell
		}
		return cell
	}
	if t.shared == nil {
		t.shared = engine.NewCell(t.tok, t.deps.Factory, t.cfg.Engine)
	}
	return t.shared
}

// cellFault invalidates every tenant living on cell and reports each one
// as a worker-scope fault so the scheduler re-places them.
func (t *Thread) cellFault(ctx context.Context, cell *engine.Cell, reason error) {
	if cell.State() != engine.CellRecovering {
		cell.ReportFault(ctx, t.tok, reason)
	}
	t.log.Warn("engine fault", zap.Error(reason), zap.Uint64("epoch", cell.Epoch()))

	for _, guild := range t.guildsOn(cell) {
		rt := t.tenants[guild]
		rt.Invalidate()
		t.removeTenant(guild)
		t.emitFault(guild, protocol.ScopeWorker, "", reason.Error(), []string{guild})
	}
	delete(t.bound, cell)
	t.updateGauges()
}

func (t *Thread) guildsOn(cell *engine.Cell) []string {
	if t.cfg.Isolation == IsolationDedicated {
		for guild, c := range t.cells {
			if c == cell {
				return []string{guild}
			}
		}
		return nil
	}
	out := make([]string, 0, len(t.order))
	out = append(out, t.order...)
	return out
}

func (t *Thread) removeTenant(guild string) {
	delete(t.tenants, guild)
	for i, g := range t.order {
		if g == guild {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.guilds.Add(-1)
}

// hooks builds the capability backends for one guild's tasks. Timer and
// host call completions re-enter the thread through Deliver, so they are
// applied in arrival order like any other event.
func (t *Thread) hooks(guild string) tenant.Hooks {
	return tenant.Hooks{
		Console: func(task *tenant.Task, level guildlog.Level, message string) {
			t.deps.GuildLog.Log(guildlog.Record{
				Guild:   guild,
				Level:   level,
				Context: "script " + task.ScriptID,
				Message: message,
				Time:    time.Now(),
			})
			t.emit(Status{Thread: t.id, Msg: protocol.StatusMessage{
				Guild:   guild,
				Kind:    protocol.StatusConsoleOutput,
				Script:  task.ScriptID,
				Level:   level,
				Message: message,
			}})
		},
		Reply: func(task *tenant.Task, data []byte) error {
			if t.deps.Responder == nil {
				return errors.Wrap(errors.PhaseHost, errors.KindNotInitialized, nil, "no responder configured")
			}
			return t.deps.Responder.Respond(t.runCtx, guild, task.ID, data)
		},
		SetTimer: func(task *tenant.Task, delayMillis uint32) uint32 {
			id := t.nextCallID()
			scriptID := task.ScriptID
			time.AfterFunc(time.Duration(delayMillis)*time.Millisecond, func() {
				_ = t.Deliver(tenant.Event{
					Guild:    guild,
					Kind:     tenant.TaskTimer,
					ScriptID: scriptID,
					Payload:  []byte(fmt.Sprintf(`{"timer":%d}`, id)),
				})
			})
			return id
		},
		HostCall: func(task *tenant.Task, op uint32, payload []byte) uint32 {
			id := t.nextCallID()
			go t.runHostCall(guild, id, op, payload)
			return id
		},
	}
}

func (t *Thread) runHostCall(guild string, id, op uint32, payload []byte) {
	var result []byte
	var err error
	if t.deps.HostCalls != nil {
		result, err = t.deps.HostCalls.Run(t.runCtx, guild, op, payload)
	} else {
		err = errors.Wrap(errors.PhaseHost, errors.KindNotInitialized, nil, "no host call runner configured")
	}
	if err != nil {
		result = errorPayload(err)
	}
	_ = t.Deliver(tenant.Event{Guild: guild, Kind: tenant.TaskContinuation, Call: id, Payload: result})
}

func (t *Thread) nextCallID() uint32 {
	id := t.callSeq.Add(1)
	if id == 0 {
		id = t.callSeq.Add(1)
	}
	return id
}

func (t *Thread) emit(s Status) {
	t.status <- s
}

func (t *Thread) emitFault(guild string, scope protocol.FaultScope, script, reason string, removed []string) {
	t.emit(Status{Thread: t.id, Msg: protocol.StatusMessage{
		Guild:  guild,
		Kind:   protocol.StatusFault,
		Scope:  scope,
		Script: script,
		Reason: reason,
	}, Removed: removed})
}

func (t *Thread) emitScriptFault(guild string, err error) {
	script := ""
	var e *errors.Error
	if errors.As(err, &e) {
		script = e.Script
	}
	t.emitFault(guild, protocol.ScopeScript, script, err.Error(), nil)
}

func (t *Thread) updateGauges() {
	var pending int64
	for _, rt := range t.tenants {
		pending += int64(rt.PendingTasks())
	}
	t.pending.Store(pending)
}

// teardown drains every tenant and closes the cells on the way out.
func (t *Thread) teardown(ctx context.Context) {
	for guild, rt := range t.tenants {
		rt.Unload(ctx)
		t.emit(Status{
			Thread:  t.id,
			Msg:     protocol.StatusMessage{Guild: guild, Kind: protocol.StatusAck},
			Removed: []string{guild},
		})
	}
	t.tenants = make(map[string]*tenant.Runtime)
	t.order = nil
	t.guilds.Store(0)
	t.pending.Store(0)

	if t.shared != nil {
		_ = t.shared.Close(ctx, t.tok)
		t.shared = nil
	}
	for guild, cell := range t.cells {
		_ = cell.Close(ctx, t.tok)
		delete(t.cells, guild)
	}
}

func errorPayload(err error) []byte {
	return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
}
