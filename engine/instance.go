package engine

import (
	"context"
)

// Config holds configuration for instance creation
type Config struct {
	// MemoryLimitPages caps each guest linear memory in pages (64KB each).
	// 0 means the engine default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// MemoryCeilingBytes is the aggregate ceiling across all guests in one
	// instance. A breach is an engine fault, not a guest error. 0 disables
	// the ceiling.
	MemoryCeilingBytes uint64
}

// HostFunc is one host capability binding exported to guests under a
// namespace. The ABI is uniform: Params i32 values in, Results i32 values
// out, carried in uint64 slots of the stack slice. Fn reads its parameters
// from stack[:Params] and writes results to stack[:Results].
type HostFunc struct {
	Name    string
	Params  int
	Results int
	Fn      func(ctx context.Context, mem Memory, stack []uint64)
}

// CompiledScript is the engine-native compiled form of one script.
// Compiled forms survive guest teardown and may be instantiated repeatedly.
type CompiledScript interface {
	Close(ctx context.Context) error
}

// Memory is scoped access to a guest's linear memory, passed to host
// functions so capabilities can exchange buffers with the guest.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
}

// Guest is one instantiated script inside an engine instance.
// Guests are not safe for concurrent use; the owning thread serializes
// every call.
type Guest interface {
	// Invoke calls an exported function. A context deadline forcibly
	// terminates the call, after which the guest is dead and must be
	// reinstantiated from its compiled form.
	Invoke(ctx context.Context, export string, args ...uint64) ([]uint64, error)

	// Exports reports whether the guest exports a function by name.
	Exports(name string) bool

	// MemoryBytes is the current size of the guest's linear memory.
	MemoryBytes() uint64

	Close(ctx context.Context) error
}

// Instance is one engine instance: the expensive, non-relocatable resource
// a Cell owns. Never shared across threads, never exposed outside the cell.
type Instance interface {
	// Compile turns a script binary into its engine-native compiled form.
	Compile(ctx context.Context, name string, binary []byte) (CompiledScript, error)

	// BindHost registers a namespace of host functions. Must happen before
	// instantiating guests that import the namespace; binding the same
	// namespace twice is an error.
	BindHost(ctx context.Context, namespace string, funcs []HostFunc) error

	// Instantiate creates a guest from a compiled script. Names must be
	// unique within the instance.
	Instantiate(ctx context.Context, name string, compiled CompiledScript) (Guest, error)

	// MemoryBytes is the aggregate linear memory across live guests.
	MemoryBytes() uint64

	Close(ctx context.Context) error
}

// Factory creates engine instances. The cell calls it lazily on first
// acquire and again after every fault.
type Factory func(ctx context.Context, cfg Config) (Instance, error)
