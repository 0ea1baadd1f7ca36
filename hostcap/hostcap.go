// Package hostcap defines the fixed host capability surface exposed to
// guild scripts and the registry that binds it into an engine instance.
//
// Capabilities are call-scoped: the engine thread attaches a Scope to the
// invocation context before entering the guest, and every capability
// resolves its guild, task and outward hooks from that scope. Nothing
// guild-specific is baked into the bindings themselves, so one binding set
// serves every tenant sharing the instance.
package hostcap

import (
	"context"

	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/guildlog"
)

// Namespace is the import namespace guild scripts compile against.
const Namespace = "scripthost:core"

// Hooks are the outward backends a scope proxies to. Nil hooks make the
// corresponding capability report failure to the guest instead of acting.
type Hooks struct {
	// Console receives guest console output.
	Console func(level guildlog.Level, message string)
	// Reply issues a response for the event that created the task.
	Reply func(data []byte) error
	// SetTimer arms a wall-clock timer; its firing is delivered back to
	// the tenant as an ordered event. Returns the timer id.
	SetTimer func(delayMillis uint32) uint32
	// HostCall starts a deferred outward call; completion arrives later
	// as a continuation event. Returns a nonzero call id.
	HostCall func(op uint32, payload []byte) uint32
}

// Scope carries the per-invocation context for capability calls.
type Scope struct {
	Guild   string
	Script  string
	Task    string
	Payload []byte

	hooks     Hooks
	suspended bool
}

// NewScope builds the scope for one task invocation.
func NewScope(guild, script, task string, payload []byte, hooks Hooks) *Scope {
	return &Scope{Guild: guild, Script: script, Task: task, Payload: payload, hooks: hooks}
}

// Console forwards guest console output. Safe with a nil hook.
func (s *Scope) Console(level guildlog.Level, message string) {
	if s.hooks.Console != nil {
		s.hooks.Console(level, message)
	}
}

// Reply issues a response for the triggering event.
func (s *Scope) Reply(data []byte) error {
	if s.hooks.Reply == nil {
		return errors.NotInitialized(errors.PhaseHost, "reply capability")
	}
	return s.hooks.Reply(data)
}

// SetTimer arms a timer, returning its id, 0 when unavailable.
func (s *Scope) SetTimer(delayMillis uint32) uint32 {
	if s.hooks.SetTimer == nil {
		return 0
	}
	return s.hooks.SetTimer(delayMillis)
}

// HostCall arms a deferred outward call and suspends the calling task.
// Returns the call id, 0 when unavailable.
func (s *Scope) HostCall(op uint32, payload []byte) uint32 {
	if s.hooks.HostCall == nil {
		return 0
	}
	id := s.hooks.HostCall(op, payload)
	if id != 0 {
		s.suspended = true
	}
	return id
}

// Suspended reports whether the task armed a deferred host call during the
// invocation and must wait for a continuation.
func (s *Scope) Suspended() bool { return s.suspended }

type scopeKey struct{}

// WithScope attaches a scope to the invocation context.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Guest-visible status codes returned by fallible capabilities.
const (
	statusOK     = 0
	statusFailed = 1
)

const (
	levelInfo  = 0
	levelWarn  = 1
	levelError = 2
)

// Core returns the fixed capability set bound under Namespace.
//
//	log(level, ptr, len)                console output
//	reply(ptr, len) -> status           respond to the triggering event
//	event-payload(ptr, cap) -> len      copy the task payload into guest memory
//	set-timer(delay-ms) -> timer-id     arm a timer callback
//	host-call(op, ptr, len) -> call-id  deferred outward call, suspends the task
func Core() []engine.HostFunc {
	return []engine.HostFunc{
		{
			Name: "log", Params: 3,
			Fn: func(ctx context.Context, mem engine.Memory, stack []uint64) {
				s := FromContext(ctx)
				if s == nil {
					return
				}
				data, ok := mem.Read(uint32(stack[1]), uint32(stack[2]))
				if !ok {
					return
				}
				level := guildlog.LevelInfo
				switch stack[0] {
				case levelWarn:
					level = guildlog.LevelWarn
				case levelError:
					level = guildlog.LevelError
				}
				s.Console(level, string(data))
			},
		},
		{
			Name: "reply", Params: 2, Results: 1,
			Fn: func(ctx context.Context, mem engine.Memory, stack []uint64) {
				s := FromContext(ctx)
				if s == nil {
					stack[0] = statusFailed
					return
				}
				data, ok := mem.Read(uint32(stack[0]), uint32(stack[1]))
				if !ok {
					stack[0] = statusFailed
					return
				}
				if err := s.Reply(data); err != nil {
					stack[0] = statusFailed
					return
				}
				stack[0] = statusOK
			},
		},
		{
			Name: "event-payload", Params: 2, Results: 1,
			Fn: func(ctx context.Context, mem engine.Memory, stack []uint64) {
				s := FromContext(ctx)
				if s == nil {
					stack[0] = 0
					return
				}
				ptr, capacity := uint32(stack[0]), uint32(stack[1])
				n := uint32(len(s.Payload))
				if n > capacity {
					n = capacity
				}
				if n > 0 && !mem.Write(ptr, s.Payload[:n]) {
					stack[0] = 0
					return
				}
				// full length, so the guest can detect truncation
				stack[0] = uint64(len(s.Payload))
			},
		},
		{
			Name: "set-timer", Params: 1, Results: 1,
			Fn: func(ctx context.Context, mem engine.Memory, stack []uint64) {
				s := FromContext(ctx)
				if s == nil {
					stack[0] = 0
					return
				}
				stack[0] = uint64(s.SetTimer(uint32(stack[0])))
			},
		},
		{
			Name: "host-call", Params: 3, Results: 1,
			Fn: func(ctx context.Context, mem engine.Memory, stack []uint64) {
				s := FromContext(ctx)
				if s == nil {
					stack[0] = 0
					return
				}
				payload, ok := mem.Read(uint32(stack[1]), uint32(stack[2]))
				if !ok {
					stack[0] = 0
					return
				}
				stack[0] = uint64(s.HostCall(uint32(stack[0]), payload))
			},
		},
	}
}

// Registry accumulates host namespaces to bind into each fresh engine
// instance. Bindings registered after an instance was bound only apply to
// instances created later, which in practice means after the next cell
// recovery.
type Registry struct {
	order      []string
	namespaces map[string][]engine.HostFunc
}

func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string][]engine.HostFunc)}
}

// Register adds a namespace of host functions.
func (r *Registry) Register(namespace string, funcs []engine.HostFunc) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if _, dup := r.namespaces[namespace]; dup {
		return errors.Wrap(errors.PhaseHost, errors.KindRegistration, nil, "namespace %q already registered", namespace)
	}
	r.namespaces[namespace] = funcs
	r.order = append(r.order, namespace)
	return nil
}

// BindAll binds every registered namespace into inst, in registration order.
func (r *Registry) BindAll(ctx context.Context, inst engine.Instance) error {
	for _, ns := range r.order {
		if err := inst.BindHost(ctx, ns, r.namespaces[ns]); err != nil {
			return err
		}
	}
	return nil
}
