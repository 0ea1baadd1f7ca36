package worker

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/scripthost/engine/enginetest"
	"github.com/wippyai/scripthost/protocol"
	"github.com/wippyai/scripthost/tenant"
)

func startSupervisor(t *testing.T, f *enginetest.Fixture, cfg Config, mod func(*Deps)) *Supervisor {
	t.Helper()
	deps := Deps{Factory: f.Factory(), Compiler: passthrough()}
	if mod != nil {
		mod(&deps)
	}
	s, err := NewSupervisor(cfg, deps)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func waitMessage(t *testing.T, s *Supervisor, what string, pred func(protocol.StatusMessage) bool) protocol.StatusMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-s.Status():
			if !ok {
				t.Fatalf("status stream closed waiting for %s", what)
			}
			if pred(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestSupervisor_SpreadsGuildsAcrossThreads(t *testing.T) {
	f := enginetest.NewFixture()
	s := startSupervisor(t, f, Config{Threads: 2}, nil)
	defer s.Shutdown(context.Background())

	guilds := []string{"g1", "g2", "g3", "g4"}
	for _, g := range guilds {
		if err := s.Submit(load(g, script("a", "alpha"))); err != nil {
			t.Fatalf("Submit %s: %v", g, err)
		}
	}
	for range guilds {
		waitMessage(t, s, "ack", func(m protocol.StatusMessage) bool {
			return m.Kind == protocol.StatusAck
		})
	}

	loads := s.Health()
	if len(loads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(loads))
	}
	for _, l := range loads {
		if l.ActiveGuilds != 2 {
			t.Fatalf("expected 2 guilds per thread, got %+v", loads)
		}
	}
}

func TestSupervisor_RoutesEventsToOwningThread(t *testing.T) {
	f := enginetest.NewFixture()
	s := startSupervisor(t, f, Config{Threads: 2}, nil)
	defer s.Shutdown(context.Background())
	f.Script("alpha").Exports = []string{"handle"}

	if err := s.Submit(load("g1", script("a", "alpha"))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitMessage(t, s, "ack", func(m protocol.StatusMessage) bool {
		return m.Kind == protocol.StatusAck && m.Guild == "g1"
	})

	if err := s.Deliver(tenant.Event{Guild: "g1", Kind: tenant.TaskInvocation, ScriptID: "a"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitMessage(t, s, "task result", func(m protocol.StatusMessage) bool {
		return m.Kind == protocol.StatusTaskResult && m.Guild == "g1"
	})

	if err := s.Deliver(tenant.Event{Guild: "ghost", Kind: tenant.TaskInvocation, ScriptID: "a"}); err == nil {
		t.Fatalf("expected error delivering to unplaced guild")
	}
}

func TestSupervisor_RejectsControlForUnknownGuild(t *testing.T) {
	f := enginetest.NewFixture()
	s := startSupervisor(t, f, Config{Threads: 1}, nil)
	defer s.Shutdown(context.Background())

	if err := s.Submit(protocol.ControlMessage{Guild: "ghost", Kind: protocol.ControlUnload}); err == nil {
		t.Fatalf("expected error for unload of unplaced guild")
	}
	if err := s.Submit(protocol.ControlMessage{Guild: "ghost", Kind: protocol.ControlReload}); err == nil {
		t.Fatalf("expected error for reload of unplaced guild")
	}
}

func TestSupervisor_UnloadFreesPlacement(t *testing.T) {
	f := enginetest.NewFixture()
	s := startSupervisor(t, f, Config{Threads: 1}, nil)
	defer s.Shutdown(context.Background())

	if err := s.Submit(load("g1", script("a", "alpha"))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitMessage(t, s, "load ack", func(m protocol.StatusMessage) bool {
		return m.Kind == protocol.StatusAck && m.Guild == "g1"
	})

	if err := s.Submit(protocol.ControlMessage{Guild: "g1", Kind: protocol.ControlUnload}); err != nil {
		t.Fatalf("unload: %v", err)
	}
	waitMessage(t, s, "unload ack", func(m protocol.StatusMessage) bool {
		return m.Kind == protocol.StatusAck && m.Guild == "g1"
	})

	// the placement is gone, so a reload is rejected until the next load
	deadline := time.After(2 * time.Second)
	for {
		if err := s.Submit(protocol.ControlMessage{Guild: "g1", Kind: protocol.ControlReload}); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("placement never released after unload")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupervisor_FailedLoadFreesPlacement(t *testing.T) {
	f := enginetest.NewFixture()
	s := startSupervisor(t, f, Config{Threads: 1}, func(d *Deps) { d.Store = brokenStore{} })
	defer s.Shutdown(context.Background())

	if err := s.Submit(protocol.ControlMessage{Guild: "g1", Kind: protocol.ControlLoad}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitMessage(t, s, "load fault", func(m protocol.StatusMessage) bool {
		return m.Kind == protocol.StatusFault && m.Guild == "g1"
	})

	// the fault releases the placement, so g1 takes no thread slot and
	// control for it is rejected until the next load
	deadline := time.After(2 * time.Second)
	for {
		if err := s.Submit(protocol.ControlMessage{Guild: "g1", Kind: protocol.ControlReload}); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("placement never released after failed load")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := s.Deliver(tenant.Event{Guild: "g1", Kind: tenant.TaskInvocation, ScriptID: "a"}); err == nil {
		t.Fatalf("expected error delivering to a guild whose load failed")
	}
}

func TestSupervisor_ShutdownDrainsAndClosesStatus(t *testing.T) {
	f := enginetest.NewFixture()
	s := startSupervisor(t, f, Config{Threads: 2, DrainTimeout: 2 * time.Second}, nil)

	if err := s.Submit(load("g1", script("a", "alpha"))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitMessage(t, s, "ack", func(m protocol.StatusMessage) bool {
		return m.Kind == protocol.StatusAck && m.Guild == "g1"
	})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for range s.Status() {
		// drain to close
	}

	if err := s.Submit(load("g2", script("b", "beta"))); err == nil {
		t.Fatalf("expected error submitting after shutdown")
	}
}
