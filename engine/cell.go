package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/scripthost/errors"
)

// Token is minted by an engine thread and proves ownership when acquiring
// its cells. Tokens compare by identity; never share one across threads.
type Token struct {
	_ [0]func() // incomparable by value, forces pointer identity
}

// NewToken mints a thread ownership token.
func NewToken() *Token {
	return &Token{}
}

// CellState is the lifecycle state of a Cell.
type CellState int

const (
	// CellEmpty means no instance exists yet; one is created on first Acquire.
	CellEmpty CellState = iota
	// CellReady means a live instance exists.
	CellReady
	// CellRecovering means the last instance was disposed after a fault;
	// the next Acquire creates a fresh one.
	CellRecovering
)

func (s CellState) String() string {
	switch s {
	case CellEmpty:
		return "empty"
	case CellReady:
		return "ready"
	case CellRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("CellState(%d)", int(s))
	}
}

// Cell owns zero-or-one engine instance and confines it to the thread that
// minted its token. All methods must be called from that thread.
type Cell struct {
	tok     *Token
	factory Factory
	cfg     Config

	state CellState
	epoch uint64
	inst  Instance

	lastFault error
}

// NewCell creates a cell owned by the thread holding tok. The instance is
// created lazily on first Acquire.
func NewCell(tok *Token, factory Factory, cfg Config) *Cell {
	if tok == nil {
		panic("engine: cell requires an owner token")
	}
	return &Cell{tok: tok, factory: factory, cfg: cfg, state: CellEmpty}
}

// Handle is scoped access to the cell's current instance, tagged with the
// epoch it was acquired under. A handle from an older epoch is stale and
// must be discarded, never dereferenced.
type Handle struct {
	cell  *Cell
	inst  Instance
	epoch uint64
}

// Acquire returns exclusive access to the current instance, creating one if
// the cell is Empty or Recovering. Disposal of a faulted instance always
// happened before this point, in ReportFault.
//
// Calling Acquire with a token other than the cell's owner is a programming
// error and panics; it is never a recoverable fault.
func (c *Cell) Acquire(ctx context.Context, tok *Token) (Handle, error) {
	c.checkOwner(tok)

	if c.inst == nil {
		inst, err := c.factory(ctx, c.cfg)
		if err != nil {
			return Handle{}, errors.Wrap(errors.PhaseEngine, errors.KindNotInitialized, err, "create engine instance")
		}
		c.inst = inst
		c.state = CellReady
		Logger().Info("engine instance ready", zap.Uint64("epoch", c.epoch))
	}

	return Handle{cell: c, inst: c.inst, epoch: c.epoch}, nil
}

// ReportFault marks the current instance unusable, disposes it and bumps
// the epoch. Every handle and every piece of state created under the old
// epoch is invalid from here on. The cell stays Recovering until the next
// Acquire.
func (c *Cell) ReportFault(ctx context.Context, tok *Token, reason error) {
	c.checkOwner(tok)

	c.lastFault = reason
	if c.inst != nil {
		if err := c.inst.Close(ctx); err != nil {
			Logger().Warn("disposing faulted instance", zap.Error(err))
		}
		c.inst = nil
	}
	c.epoch++
	c.state = CellRecovering
	Logger().Error("engine cell faulted",
		zap.Uint64("next_epoch", c.epoch),
		zap.Error(reason))
}

// CheckMemory enforces the aggregate memory ceiling. On a breach it faults
// the cell and returns the fault; every dependent of the old instance is
// lost. A nil return means the instance is within budget.
func (c *Cell) CheckMemory(ctx context.Context, tok *Token) error {
	c.checkOwner(tok)

	if c.cfg.MemoryCeilingBytes == 0 || c.inst == nil {
		return nil
	}
	used := c.inst.MemoryBytes()
	if used <= c.cfg.MemoryCeilingBytes {
		return nil
	}
	fault := errors.MemoryExceeded(fmt.Sprintf("%d bytes used, ceiling %d", used, c.cfg.MemoryCeilingBytes))
	c.ReportFault(ctx, tok, fault)
	return fault
}

// Epoch returns the current epoch. It increments on every fault.
func (c *Cell) Epoch() uint64 { return c.epoch }

// State returns the cell lifecycle state.
func (c *Cell) State() CellState { return c.state }

// LastFault returns the reason for the most recent fault, nil if none.
func (c *Cell) LastFault() error { return c.lastFault }

// Close disposes the current instance without recovery.
func (c *Cell) Close(ctx context.Context, tok *Token) error {
	c.checkOwner(tok)

	if c.inst == nil {
		return nil
	}
	err := c.inst.Close(ctx)
	c.inst = nil
	c.state = CellEmpty
	return err
}

func (c *Cell) checkOwner(tok *Token) {
	if tok != c.tok {
		panic("engine: cell accessed off its owning thread")
	}
}

// Instance returns the instance this handle references, or an error if the
// cell has moved to a newer epoch since the handle was acquired.
func (h Handle) Instance() (Instance, error) {
	if h.cell == nil {
		return nil, errors.NotInitialized(errors.PhaseEngine, "handle")
	}
	if h.epoch != h.cell.epoch {
		return nil, errors.EpochStale(errors.PhaseEngine,
			fmt.Sprintf("handle epoch %d, cell epoch %d", h.epoch, h.cell.epoch))
	}
	return h.inst, nil
}

// Epoch returns the epoch the handle was acquired under.
func (h Handle) Epoch() uint64 { return h.epoch }

// Valid reports whether the handle still references the live instance.
func (h Handle) Valid() bool {
	return h.cell != nil && h.epoch == h.cell.epoch
}
