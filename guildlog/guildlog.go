// Package guildlog delivers per-guild log records to the outward log
// collaborator. Delivery is fire-and-forget: the engine thread never blocks
// on a slow sink, records are dropped instead.
package guildlog

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of a guild log record.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Record is one guild-tagged log entry.
type Record struct {
	Guild   string    `json:"guild"`
	Level   Level     `json:"level"`
	Context string    `json:"context,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink accepts guild log records. Implementations must not block.
type Sink interface {
	Log(rec Record)
}

// Buffered is a Sink backed by a bounded channel drained by one goroutine
// into a zap logger. When the buffer is full the oldest buffered record is
// dropped and counted so recent output survives.
type Buffered struct {
	ch      chan Record
	dropped atomic.Uint64
	done    chan struct{}
}

// NewBuffered starts a buffered sink writing to log. Close it to flush.
func NewBuffered(log *zap.Logger, size int) *Buffered {
	if size <= 0 {
		size = 256
	}
	b := &Buffered{
		ch:   make(chan Record, size),
		done: make(chan struct{}),
	}
	go b.drain(log)
	return b
}

func (b *Buffered) Log(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	select {
	case b.ch <- rec:
	default:
		select {
		case <-b.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case b.ch <- rec:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of records lost to a full buffer.
func (b *Buffered) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the drain goroutine after flushing buffered records.
func (b *Buffered) Close() {
	close(b.ch)
	<-b.done
}

func (b *Buffered) drain(log *zap.Logger) {
	defer close(b.done)
	for rec := range b.ch {
		fields := []zap.Field{
			zap.String("guild", rec.Guild),
			zap.Time("ts", rec.Time),
		}
		if rec.Context != "" {
			fields = append(fields, zap.String("context", rec.Context))
		}
		switch rec.Level {
		case LevelError:
			log.Error(rec.Message, fields...)
		case LevelWarn:
			log.Warn(rec.Message, fields...)
		default:
			log.Info(rec.Message, fields...)
		}
	}
}

// Discard is a Sink that drops everything. Useful in tests.
type Discard struct{}

func (Discard) Log(Record) {}

// Capture is a Sink that retains records in memory for assertions.
type Capture struct {
	Records []Record
}

func (c *Capture) Log(rec Record) {
	c.Records = append(c.Records, rec)
}
