package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vietddude/txflow/internal/core/domain"
)

// Sink receives engine events. Implementations must be safe for concurrent
// use and must not block the emitting component; delivery failures are the
// sink's to report, the engine treats emission as best effort.
type Sink interface {
	Emit(ctx context.Context, e *domain.Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, *domain.Event) error { return nil }

// LogSink writes events to structured logs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e *domain.Event) error {
	if e == nil {
		return nil
	}
	s.logger.Info("engine event",
		"type", e.Type,
		"transaction_id", e.TransactionID,
		"execution_id", e.ExecutionID,
		"operation_id", e.OperationID,
		"payload", e.Payload,
	)
	return nil
}

// ErrBufferFull reports an event dropped by a saturated ChanSink.
var ErrBufferFull = errors.New("event buffer full")

// ChanSink buffers events on a channel for consumers that poll. Events are
// dropped when the buffer is full rather than blocking the engine.
type ChanSink struct {
	ch chan *domain.Event
}

// NewChanSink creates a channel-backed sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan *domain.Event, buffer)}
}

func (s *ChanSink) Emit(_ context.Context, e *domain.Event) error {
	if e == nil {
		return nil
	}
	select {
	case s.ch <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

// Events exposes the consumer side of the buffer.
func (s *ChanSink) Events() <-chan *domain.Event {
	return s.ch
}

// Dispatcher fans events out to registered sinks. Registration is explicit
// so the engine's listeners are statically visible.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{sinks: make(map[string]Sink)}
}

// Register adds a named sink, replacing any previous sink under that name.
func (d *Dispatcher) Register(name string, s Sink) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[name] = s
}

// Unregister removes a named sink.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, name)
}

// Emit delivers the event to every registered sink and returns the first
// delivery error, if any.
func (d *Dispatcher) Emit(ctx context.Context, e *domain.Event) error {
	if e == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var firstErr error
	for _, s := range d.sinks {
		if err := s.Emit(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
