package worker

import (
	"time"

	"github.com/wippyai/scripthost/engine"
)

// IsolationMode selects how tenants map onto engine instances.
type IsolationMode string

const (
	// IsolationShared gives every tenant on a thread the same engine
	// instance. Cheapest, but an engine fault tears down the whole thread.
	IsolationShared IsolationMode = "shared"
	// IsolationDedicated gives each tenant its own engine instance (one
	// cell per tenant). An engine fault stays local to one guild.
	IsolationDedicated IsolationMode = "dedicated"
)

// Config tunes a worker's engine threads.
type Config struct {
	// Threads is the number of engine threads, each pinned to an OS thread.
	Threads int
	// Isolation selects shared or dedicated engine instances per tenant.
	Isolation IsolationMode
	// TickSlice is the wall-clock budget one tenant gets per scheduler
	// tick before remaining tasks are requeued.
	TickSlice time.Duration
	// InvocationCeiling is the absolute per-invocation budget; beyond it
	// the call is terminated and the task fails.
	InvocationCeiling time.Duration
	// DrainTimeout bounds graceful shutdown; remaining tenants are
	// abandoned and reported force-unloaded after it.
	DrainTimeout time.Duration
	// HealthInterval is the period of load reports. 0 disables them.
	HealthInterval time.Duration

	// Engine configures each engine instance.
	Engine engine.Config

	// Channel depths. Zero means the default.
	ControlBuffer int
	EventBuffer   int
	StatusBuffer  int
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.Isolation == "" {
		c.Isolation = IsolationShared
	}
	if c.TickSlice <= 0 {
		c.TickSlice = 10 * time.Millisecond
	}
	if c.InvocationCeiling <= 0 {
		c.InvocationCeiling = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	if c.ControlBuffer <= 0 {
		c.ControlBuffer = 64
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.StatusBuffer <= 0 {
		c.StatusBuffer = 1024
	}
	return c
}
