package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/protocol"
	"github.com/wippyai/scripthost/tenant"
)

// Supervisor owns the engine threads of one worker process. It places
// guilds on threads, routes control messages and events to the owning
// thread, merges the threads' status streams into one, and coordinates
// graceful shutdown.
type Supervisor struct {
	cfg  Config
	deps Deps

	threads []*Thread
	status  chan Status
	out     chan protocol.StatusMessage

	mu        sync.Mutex
	placement map[string]int
	started   bool
	stopping  bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pumped  chan struct{}
	dropped int

	log *zap.Logger
}

// NewSupervisor builds a supervisor. Factory and Compiler are required.
func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Factory == nil {
		return nil, errors.NotInitialized(errors.PhaseControl, "engine factory")
	}
	if deps.Compiler == nil {
		return nil, errors.NotInitialized(errors.PhaseControl, "compiler")
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:       cfg,
		deps:      deps,
		status:    make(chan Status, cfg.StatusBuffer),
		out:       make(chan protocol.StatusMessage, cfg.StatusBuffer),
		placement: make(map[string]int),
		pumped:    make(chan struct{}),
		log:       engine.Logger().With(zap.String("component", "supervisor")),
	}, nil
}

// Start launches the engine threads and the status pump.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(errors.PhaseControl, errors.KindInvalidInput, nil, "supervisor already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.threads = make([]*Thread, s.cfg.Threads)
	for i := range s.threads {
		s.threads[i] = NewThread(i, s.cfg, s.deps, s.status)
	}

	for _, th := range s.threads {
		th := th
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := th.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("thread exited", zap.Error(err))
			}
		}()
	}

	go func() {
		s.wg.Wait()
		close(s.status)
	}()
	go s.pump()

	if s.cfg.HealthInterval > 0 {
		go s.healthLoop(ctx)
	}

	s.log.Info("started",
		zap.Int("threads", s.cfg.Threads),
		zap.String("isolation", string(s.cfg.Isolation)))
	return nil
}

// Status is the merged stream of worker status messages. It closes after
// Shutdown completes.
func (s *Supervisor) Status() <-chan protocol.StatusMessage { return s.out }

// Dropped is the number of status messages discarded because the consumer
// fell behind.
func (s *Supervisor) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Submit routes a control message. Loads for new guilds go to the least
// loaded thread; everything else goes to the guild's owning thread.
func (s *Supervisor) Submit(msg protocol.ControlMessage) error {
	if msg.Kind == protocol.ControlShutdown {
		return s.broadcast(msg)
	}

	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return errors.Wrap(errors.PhaseControl, errors.KindDraining, nil, "worker is not accepting control messages")
	}
	idx, resident := s.placement[msg.Guild]
	if !resident {
		if msg.Kind != protocol.ControlLoad {
			s.mu.Unlock()
			return errors.TenantNotFound(errors.PhaseControl, msg.Guild)
		}
		idx = s.leastLoaded()
		s.placement[msg.Guild] = idx
	}
	th := s.threads[idx]
	s.mu.Unlock()

	return th.Submit(msg)
}

// Deliver routes an event to the thread hosting its guild.
func (s *Supervisor) Deliver(ev tenant.Event) error {
	s.mu.Lock()
	idx, ok := s.placement[ev.Guild]
	if !ok {
		s.mu.Unlock()
		return errors.TenantNotFound(errors.PhaseDispatch, ev.Guild)
	}
	th := s.threads[idx]
	s.mu.Unlock()
	return th.Deliver(ev)
}

// Health snapshots every thread's load.
func (s *Supervisor) Health() []protocol.ThreadLoad {
	s.mu.Lock()
	threads := s.threads
	s.mu.Unlock()
	out := make([]protocol.ThreadLoad, 0, len(threads))
	for _, th := range threads {
		out = append(out, th.LoadSnapshot())
	}
	return out
}

// Shutdown asks every thread to drain and waits up to DrainTimeout. Guilds
// still resident after the deadline are reported as worker-scope faults so
// the scheduler re-places them elsewhere.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := s.broadcast(protocol.ControlMessage{Kind: protocol.ControlShutdown}); err != nil {
		s.log.Warn("shutdown broadcast", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = ctx.Err()
	case <-timer.C:
		drainErr = errors.Wrap(errors.PhaseControl, errors.KindBudgetExceeded, nil, "drain timeout after %s", s.cfg.DrainTimeout)
	}

	if drainErr != nil {
		s.cancel()
		s.mu.Lock()
		stranded := make([]string, 0, len(s.placement))
		for guild := range s.placement {
			stranded = append(stranded, guild)
		}
		s.mu.Unlock()
		for _, guild := range stranded {
			s.forward(protocol.StatusMessage{
				Guild:  guild,
				Kind:   protocol.StatusFault,
				Scope:  protocol.ScopeWorker,
				Reason: "worker shutting down, guild force-unloaded",
			})
		}
		<-done
	}

	s.cancel()
	<-s.pumped
	close(s.out)
	s.log.Info("stopped", zap.Error(drainErr))
	return drainErr
}

func (s *Supervisor) broadcast(msg protocol.ControlMessage) error {
	s.mu.Lock()
	threads := s.threads
	s.mu.Unlock()
	var errs []error
	for _, th := range threads {
		if err := th.Submit(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// leastLoaded picks the thread with the fewest placed guilds. Caller holds mu.
func (s *Supervisor) leastLoaded() int {
	counts := make([]int, len(s.threads))
	for _, idx := range s.placement {
		counts[idx]++
	}
	best := 0
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[best] {
			best = i
		}
	}
	return best
}

// pump merges thread status into the outward stream and keeps the
// placement map honest.
func (s *Supervisor) pump() {
	defer close(s.pumped)
	for st := range s.status {
		if len(st.Removed) > 0 {
			s.mu.Lock()
			for _, guild := range st.Removed {
				if idx, ok := s.placement[guild]; ok && idx == st.Thread {
					delete(s.placement, guild)
				}
			}
			s.mu.Unlock()
		}
		s.forward(st.Msg)
	}
}

func (s *Supervisor) forward(msg protocol.StatusMessage) {
	select {
	case s.out <- msg:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Debug("status consumer behind, message dropped", zap.String("kind", string(msg.Kind)))
	}
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.forward(protocol.StatusMessage{
				Kind: protocol.StatusLoadReport,
				Load: s.Health(),
			})
		}
	}
}
