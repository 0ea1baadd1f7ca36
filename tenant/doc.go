// Package tenant implements the per-guild execution context layered on an
// engine instance: the loaded script set, the compiled-code cache, the
// pending task queue and the tenant lifecycle.
//
// A Runtime is owned exclusively by the engine thread hosting it. It never
// stores the engine instance; the thread passes its acquired handle into
// each operation, so a runtime can never outlive or escape the cell epoch
// it records at creation. After a cell fault the thread calls Invalidate
// and the runtime is gone for good; the supervisor must issue a fresh
// Load.
//
// Task ordering: Dispatch appends in arrival order and RunNext always takes
// the oldest pending task, so a guild's observable results follow event
// arrival order. A suspended task re-enters the queue when its continuation
// event arrives, ordered by that arrival.
package tenant
