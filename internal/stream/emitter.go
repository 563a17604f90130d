package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Emitter delivers batch events. Implementations must tolerate slow
// consumers without buffering without bound.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

const defaultBufferSize = 256

// ChannelEmitter is the in-process Emitter: a bounded channel with explicit
// backpressure policy. When the buffer is full, droppable events are
// discarded; results and terminal events block the producer until the
// consumer catches up or the context ends.
type ChannelEmitter struct {
	events  chan Event
	logger  *zap.Logger
	dropped atomic.Int64

	// mu serializes Emit against Close so no send can hit a closed channel.
	mu     sync.RWMutex
	closed bool
}

func NewChannelEmitter(bufferSize int, logger *zap.Logger) *ChannelEmitter {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ChannelEmitter{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Events is the consumer side. It is closed by Close.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.events
}

func (e *ChannelEmitter) Emit(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("emitter is closed")
	}

	if event.Type.Droppable() {
		select {
		case e.events <- event:
		default:
			e.dropped.Add(1)
		}
		return nil
	}

	select {
	case e.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many progress events were discarded under backpressure.
func (e *ChannelEmitter) Dropped() int {
	return int(e.dropped.Load())
}

// Close ends the consumer stream. It waits for in-flight emits; emitting
// afterwards returns an error instead of panicking.
func (e *ChannelEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
