package worker

import (
	"context"

	"github.com/wippyai/scripthost/compiler"
	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/guildlog"
	"github.com/wippyai/scripthost/hostcap"
	"github.com/wippyai/scripthost/protocol"
	"github.com/wippyai/scripthost/scriptstore"
)

// HostCallRunner performs deferred host operations requested by scripts.
// Run is called off the engine thread; the result is delivered back to the
// suspended task as a continuation.
type HostCallRunner interface {
	Run(ctx context.Context, guild string, op uint32, payload []byte) ([]byte, error)
}

// HostCallFunc adapts a function to HostCallRunner.
type HostCallFunc func(ctx context.Context, guild string, op uint32, payload []byte) ([]byte, error)

func (f HostCallFunc) Run(ctx context.Context, guild string, op uint32, payload []byte) ([]byte, error) {
	return f(ctx, guild, op, payload)
}

// Responder proxies script responses to the outside world.
type Responder interface {
	Respond(ctx context.Context, guild, task string, data []byte) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, guild, task string, data []byte) error

func (f ResponderFunc) Respond(ctx context.Context, guild, task string, data []byte) error {
	return f(ctx, guild, task, data)
}

// Deps are the collaborators shared by all engine threads.
type Deps struct {
	// Factory builds engine instances. Required.
	Factory engine.Factory
	// Compiler turns script sources into an executable form. Required.
	Compiler compiler.Compiler
	// Store supplies scripts for load messages that carry none. Optional.
	Store scriptstore.Store
	// Caps holds extra host capability namespaces bound to every
	// instance alongside the core set. Optional.
	Caps *hostcap.Registry
	// GuildLog receives per-guild console output. Defaults to Discard.
	GuildLog guildlog.Sink
	// HostCalls runs deferred host operations. Optional; without it every
	// host call completes with an error payload.
	HostCalls HostCallRunner
	// Responder delivers script responses. Optional.
	Responder Responder
}

// Status is what a thread tells the supervisor. Removed names guilds whose
// residency on the thread ended with this message.
type Status struct {
	Thread  int
	Msg     protocol.StatusMessage
	Removed []string
}
