package engine

import (
	"context"
	"testing"

	"github.com/wippyai/scripthost/errors"
)

// fakeInstance implements Instance for cell tests without an engine.
type fakeInstance struct {
	mem    uint64
	closed bool
}

func (f *fakeInstance) Compile(ctx context.Context, name string, binary []byte) (CompiledScript, error) {
	return nil, errors.NotInitialized(errors.PhaseEngine, "fake compile")
}

func (f *fakeInstance) BindHost(ctx context.Context, namespace string, funcs []HostFunc) error {
	return nil
}

func (f *fakeInstance) Instantiate(ctx context.Context, name string, c CompiledScript) (Guest, error) {
	return nil, errors.NotInitialized(errors.PhaseEngine, "fake instantiate")
}

func (f *fakeInstance) MemoryBytes() uint64 { return f.mem }

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func countingFactory(created *[]*fakeInstance) Factory {
	return func(ctx context.Context, cfg Config) (Instance, error) {
		inst := &fakeInstance{}
		*created = append(*created, inst)
		return inst, nil
	}
}

func TestCell_AcquireCreatesLazily(t *testing.T) {
	var created []*fakeInstance
	tok := NewToken()
	cell := NewCell(tok, countingFactory(&created), Config{})

	if cell.State() != CellEmpty {
		t.Fatalf("new cell should be empty, got %s", cell.State())
	}
	if len(created) != 0 {
		t.Fatalf("instance created before first Acquire")
	}

	h, err := cell.Acquire(context.Background(), tok)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cell.State() != CellReady {
		t.Fatalf("expected ready, got %s", cell.State())
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(created))
	}
	if !h.Valid() {
		t.Fatalf("fresh handle should be valid")
	}

	// a second Acquire reuses the same instance
	h2, err := cell.Acquire(context.Background(), tok)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("second Acquire created a new instance")
	}
	if h2.Epoch() != h.Epoch() {
		t.Fatalf("epoch changed without a fault")
	}
}

func TestCell_WrongTokenPanics(t *testing.T) {
	tok := NewToken()
	cell := NewCell(tok, countingFactory(new([]*fakeInstance)), Config{})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for foreign token")
		}
	}()
	cell.Acquire(context.Background(), NewToken())
}

func TestCell_FaultDisposesAndBumpsEpoch(t *testing.T) {
	var created []*fakeInstance
	tok := NewToken()
	cell := NewCell(tok, countingFactory(&created), Config{})

	h, err := cell.Acquire(context.Background(), tok)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	reason := errors.Fault("trap in engine internals", nil)
	cell.ReportFault(context.Background(), tok, reason)

	if cell.State() != CellRecovering {
		t.Fatalf("expected recovering, got %s", cell.State())
	}
	if !created[0].closed {
		t.Fatalf("faulted instance was not disposed")
	}
	if cell.Epoch() != h.Epoch()+1 {
		t.Fatalf("epoch should advance by one, got %d", cell.Epoch())
	}
	if cell.LastFault() != reason {
		t.Fatalf("fault reason not recorded")
	}

	// the stale handle must refuse to surface the dead instance
	if h.Valid() {
		t.Fatalf("handle valid across a fault")
	}
	if _, err := h.Instance(); !errors.Is(err, &errors.Error{Phase: errors.PhaseEngine, Kind: errors.KindEpochStale}) {
		t.Fatalf("expected epoch stale error, got %v", err)
	}

	// the next Acquire recovers with a fresh instance
	h2, err := cell.Acquire(context.Background(), tok)
	if err != nil {
		t.Fatalf("Acquire after fault: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected a fresh instance, got %d total", len(created))
	}
	if !h2.Valid() || cell.State() != CellReady {
		t.Fatalf("cell did not recover")
	}
}

func TestCell_CheckMemoryFaultsOnCeilingBreach(t *testing.T) {
	var created []*fakeInstance
	tok := NewToken()
	cell := NewCell(tok, countingFactory(&created), Config{MemoryCeilingBytes: 1024})

	if _, err := cell.Acquire(context.Background(), tok); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	created[0].mem = 1024
	if err := cell.CheckMemory(context.Background(), tok); err != nil {
		t.Fatalf("at the ceiling is within budget: %v", err)
	}

	created[0].mem = 1025
	err := cell.CheckMemory(context.Background(), tok)
	if err == nil {
		t.Fatalf("expected fault above the ceiling")
	}
	if !errors.IsFault(err) {
		t.Fatalf("memory breach must be a fault, got %v", err)
	}
	if cell.State() != CellRecovering {
		t.Fatalf("cell should be recovering after breach")
	}
	if !created[0].closed {
		t.Fatalf("instance not disposed on breach")
	}
}

func TestCell_CheckMemoryNoCeilingNoFault(t *testing.T) {
	var created []*fakeInstance
	tok := NewToken()
	cell := NewCell(tok, countingFactory(&created), Config{})

	if _, err := cell.Acquire(context.Background(), tok); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	created[0].mem = 1 << 40
	if err := cell.CheckMemory(context.Background(), tok); err != nil {
		t.Fatalf("no ceiling configured, got %v", err)
	}
}

func TestCell_CloseReturnsToEmpty(t *testing.T) {
	var created []*fakeInstance
	tok := NewToken()
	cell := NewCell(tok, countingFactory(&created), Config{})

	if _, err := cell.Acquire(context.Background(), tok); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := cell.Close(context.Background(), tok); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if cell.State() != CellEmpty {
		t.Fatalf("expected empty after close, got %s", cell.State())
	}
	if !created[0].closed {
		t.Fatalf("instance not closed")
	}
}
