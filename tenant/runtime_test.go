package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/scripthost/compiler"
	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/engine/enginetest"
	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/guildlog"
	"github.com/wippyai/scripthost/hostcap"
)

func passthrough() compiler.Compiler {
	return compiler.Func(func(name, source string) (compiler.CompiledForm, error) {
		return compiler.CompiledForm{Binary: []byte(source)}, nil
	})
}

func newInstance(t *testing.T, f *enginetest.Fixture) engine.Instance {
	t.Helper()
	inst, err := f.Factory()(context.Background(), engine.Config{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func runAll(t *testing.T, r *Runtime, inst engine.Instance, hooks Hooks) []*Task {
	t.Helper()
	var done []*Task
	for r.HasWork() {
		task, _ := r.RunNext(context.Background(), inst, hooks, time.Second)
		if task != nil {
			done = append(done, task)
		}
	}
	return done
}

func TestLoad_MixedValidAndBroken(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	comp := compiler.Func(func(name, source string) (compiler.CompiledForm, error) {
		if name == "broken" {
			return compiler.CompiledForm{}, &compiler.CompileError{Line: 1, Column: 5, Message: "syntax error"}
		}
		return compiler.CompiledForm{Binary: []byte(source)}, nil
	})

	r := New("g1", 0)
	errs := r.Load(context.Background(), inst, comp, []Script{
		{ID: "a", Name: "welcome", Source: "ok", Enabled: true},
		{ID: "b", Name: "broken", Source: "nope", Enabled: true},
	})

	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	var e *errors.Error
	if !errors.As(errs[0], &e) || e.Kind != errors.KindCompileFailed || e.Script != "broken" {
		t.Errorf("error = %v, want compile_failed for broken", errs[0])
	}
	if r.State() != StateActive {
		t.Errorf("state = %v, want active", r.State())
	}

	// the valid script's entry task runs to completion
	done := runAll(t, r, inst, Hooks{})
	if len(done) != 1 || done[0].Kind != TaskEntry || done[0].State != TaskCompleted {
		t.Fatalf("entry task = %+v", done)
	}
	if got := f.CallLog(); len(got) != 1 || got[0] != "g1/welcome/start" {
		t.Errorf("call log = %v", got)
	}
}

func TestLoad_SkipsDisabledScripts(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 0)
	errs := r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "off", Source: "x", Enabled: false},
	})
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if r.Compiles() != 0 {
		t.Errorf("compiles = %d, want 0", r.Compiles())
	}
	if r.HasWork() {
		t.Error("no entry task should be scheduled for a disabled script")
	}
}

func TestDispatch_ArrivalOrder(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})
	runAll(t, r, inst, Hooks{}) // entry

	for i := 0; i < 3; i++ {
		if _, err := r.Dispatch(Event{Guild: "g1", Kind: TaskInvocation, ScriptID: "a"}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	done := runAll(t, r, inst, Hooks{})

	if len(done) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(done))
	}
	var last uint64
	for _, task := range done {
		if task.Seq <= last {
			t.Errorf("task seq %d out of order (prev %d)", task.Seq, last)
		}
		last = task.Seq
	}
}

func TestDispatch_UnknownScript(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), nil)

	_, err := r.Dispatch(Event{Guild: "g1", Kind: TaskInvocation, ScriptID: "ghost"})
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseDispatch, Kind: errors.KindScriptNotFound}) {
		t.Errorf("err = %v, want script_not_found", err)
	}
}

func TestReload_UnchangedIsIdempotent(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	scripts := []Script{{ID: "a", Name: "bot", Source: "same", Enabled: true}}
	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), scripts)
	runAll(t, r, inst, Hooks{})
	before := r.Compiles()

	changed, errs := r.Reload(context.Background(), inst, passthrough(), scripts)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if changed != 0 {
		t.Errorf("changed = %d, want 0", changed)
	}
	if r.Compiles() != before {
		t.Errorf("recompilation happened on unchanged reload")
	}
	if r.HasWork() {
		t.Error("no entry task should be scheduled on unchanged reload")
	}
}

func TestReload_ChangedScriptRestarts(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "v1", Enabled: true},
	})
	runAll(t, r, inst, Hooks{})

	changed, errs := r.Reload(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "v2", Enabled: true},
	})
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if changed != 1 {
		t.Errorf("changed = %d, want 1", changed)
	}
	if r.Compiles() != 2 {
		t.Errorf("compiles = %d, want 2", r.Compiles())
	}

	done := runAll(t, r, inst, Hooks{})
	if len(done) != 1 || done[0].Kind != TaskEntry {
		t.Fatalf("changed script should rerun its entry task, got %+v", done)
	}
}

func TestReload_RemovedScriptDropsPendingTasks(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "keep", Source: "x", Enabled: true},
		{ID: "b", Name: "gone", Source: "y", Enabled: true},
	})
	runAll(t, r, inst, Hooks{})

	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "a"})
	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "b"})

	r.Reload(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "keep", Source: "x", Enabled: true},
	})

	done := runAll(t, r, inst, Hooks{})
	for _, task := range done {
		if task.ScriptID == "b" {
			t.Errorf("task for removed script executed: %+v", task)
		}
	}
}

func TestRunNext_SuspendAndResume(t *testing.T) {
	f := enginetest.NewFixture()
	f.Script("bot").Invoke = func(ctx context.Context, inst *enginetest.Instance, export string) error {
		if export == "handle" {
			hostcap.FromContext(ctx).HostCall(7, []byte("fetch"))
		}
		return nil
	}
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})
	runAll(t, r, inst, Hooks{})

	var nextCall uint32
	hooks := Hooks{
		HostCall: func(task *Task, op uint32, payload []byte) uint32 {
			nextCall++
			return nextCall
		},
	}

	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "a"})
	task, err := r.RunNext(context.Background(), inst, hooks, time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.State != TaskSuspended {
		t.Fatalf("state = %v, want suspended", task.State)
	}
	if r.SuspendedTasks() != 1 {
		t.Fatalf("suspended = %d", r.SuspendedTasks())
	}

	// completion arrives as a continuation event
	resumed, err := r.Dispatch(Event{Kind: TaskContinuation, Call: 1, Payload: []byte("result")})
	if err != nil {
		t.Fatalf("dispatch continuation: %v", err)
	}
	if resumed.ID != task.ID {
		t.Error("continuation should resume the suspended task, not create a new one")
	}

	final, err := r.RunNext(context.Background(), inst, hooks, time.Second)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.State != TaskCompleted {
		t.Errorf("state = %v, want completed", final.State)
	}
}

func TestRunNext_FailureForgetsArmedHostCall(t *testing.T) {
	f := enginetest.NewFixture()
	f.Script("bot").Invoke = func(ctx context.Context, inst *enginetest.Instance, export string) error {
		if export == "handle" {
			hostcap.FromContext(ctx).HostCall(7, []byte("fetch"))
			return errors.Task("g1", "failed after arming the call", nil)
		}
		return nil
	}
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})
	runAll(t, r, inst, Hooks{})

	hooks := Hooks{HostCall: func(task *Task, op uint32, payload []byte) uint32 { return 9 }}
	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "a"})
	task, err := r.RunNext(context.Background(), inst, hooks, time.Second)
	if err == nil || task.State != TaskFailed {
		t.Fatalf("task state = %v, err = %v, want failed", task.State, err)
	}
	if r.SuspendedTasks() != 0 {
		t.Fatalf("suspended = %d, want 0 after failure", r.SuspendedTasks())
	}

	// the late completion of the abandoned call must not revive the task
	if _, err := r.Dispatch(Event{Kind: TaskContinuation, Call: 9, Payload: []byte("late")}); err == nil {
		t.Fatal("continuation for a failed task should be rejected")
	}
	if task.State != TaskFailed || r.HasWork() {
		t.Errorf("failed task re-entered the queue: state=%v pending=%d", task.State, r.PendingTasks())
	}
}

func TestDispatch_ContinuationForUnknownCall(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), nil)

	_, err := r.Dispatch(Event{Kind: TaskContinuation, Call: 99})
	if err == nil {
		t.Fatal("continuation for unknown call should error")
	}
}

func TestRunNext_BudgetKillIsLocal(t *testing.T) {
	f := enginetest.NewFixture()
	calls := 0
	f.Script("bot").Invoke = func(ctx context.Context, inst *enginetest.Instance, export string) error {
		if export == "handle" {
			calls++
			if calls == 1 {
				return errors.Budget("g1", "invocation ceiling exceeded")
			}
		}
		return nil
	}
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})
	runAll(t, r, inst, Hooks{})

	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "a"})
	task, err := r.RunNext(context.Background(), inst, Hooks{}, time.Second)
	if task.State != TaskFailed {
		t.Fatalf("state = %v, want failed", task.State)
	}
	if !errors.IsBudget(err) {
		t.Fatalf("err = %v, want budget_exceeded", err)
	}

	// the guest died with the kill; the next task reinstantiates and runs
	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "a"})
	task, err = r.RunNext(context.Background(), inst, Hooks{}, time.Second)
	if err != nil {
		t.Fatalf("sibling run after kill: %v", err)
	}
	if task.State != TaskCompleted {
		t.Errorf("state = %v, want completed", task.State)
	}
}

func TestRunNext_ConsoleOutputForwarded(t *testing.T) {
	f := enginetest.NewFixture()
	f.Script("bot").Invoke = func(ctx context.Context, inst *enginetest.Instance, export string) error {
		s := hostcap.FromContext(ctx)
		s.Console(guildlog.LevelInfo, "hello from guest")
		return errors.Task("g1", "then it failed", nil)
	}
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})

	var got []string
	hooks := Hooks{
		Console: func(task *Task, level guildlog.Level, message string) {
			got = append(got, message)
		},
	}
	runAll(t, r, inst, hooks)

	// output is forwarded even though the task failed
	if len(got) != 1 || got[0] != "hello from guest" {
		t.Errorf("console = %v", got)
	}
}

func TestUnload_AbandonsSuspendedTasks(t *testing.T) {
	f := enginetest.NewFixture()
	f.Script("bot").Invoke = func(ctx context.Context, inst *enginetest.Instance, export string) error {
		if export == "handle" {
			hostcap.FromContext(ctx).HostCall(1, nil)
		}
		return nil
	}
	inst := newInstance(t, f)

	r := New("g1", 0)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})
	runAll(t, r, inst, Hooks{})

	hooks := Hooks{HostCall: func(task *Task, op uint32, payload []byte) uint32 { return 42 }}
	r.Dispatch(Event{Kind: TaskInvocation, ScriptID: "a"})
	r.RunNext(context.Background(), inst, hooks, time.Second)

	r.Unload(context.Background())
	if r.State() != StateUnloaded {
		t.Fatalf("state = %v", r.State())
	}

	// the continuation can never resume
	if _, err := r.Dispatch(Event{Kind: TaskContinuation, Call: 42}); err == nil {
		t.Error("dispatch after unload should fail")
	}
}

func TestInvalidate_DropsEverythingWithoutClosing(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	r := New("g1", 3)
	r.Load(context.Background(), inst, passthrough(), []Script{
		{ID: "a", Name: "bot", Source: "x", Enabled: true},
	})
	r.Invalidate()

	if r.State() != StateUnloaded {
		t.Errorf("state = %v, want unloaded", r.State())
	}
	if r.HasWork() {
		t.Error("invalidated runtime should hold no tasks")
	}
	if r.Epoch() != 3 {
		t.Errorf("epoch = %d", r.Epoch())
	}
}

func TestGuestNamesIsolateTenants(t *testing.T) {
	f := enginetest.NewFixture()
	inst := newInstance(t, f)

	scripts := []Script{{ID: "a", Name: "bot", Source: "x", Enabled: true}}
	r1 := New("g1", 0)
	r2 := New("g2", 0)

	if errs := r1.Load(context.Background(), inst, passthrough(), scripts); len(errs) != 0 {
		t.Fatalf("g1 load: %v", errs)
	}
	// same script name, same shared instance: must not collide
	if errs := r2.Load(context.Background(), inst, passthrough(), scripts); len(errs) != 0 {
		t.Fatalf("g2 load: %v", errs)
	}

	log := f.CallLog()
	runAll(t, r1, inst, Hooks{})
	runAll(t, r2, inst, Hooks{})
	log = f.CallLog()[len(log):]
	want := map[string]bool{"g1/bot/start": true, "g2/bot/start": true}
	for _, call := range log {
		if !want[call] {
			t.Errorf("unexpected call %q", call)
		}
	}
}
