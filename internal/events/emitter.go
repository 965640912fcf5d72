package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/bizsync/internal/metrics"
)

// Sink persists audit events. Implementations live outside the core.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// Emitter fans events out to sinks. Emit never returns an error: sink
// failures are logged and counted, and the primary operation proceeds.
type Emitter struct {
	mu      sync.RWMutex
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEmitter creates an emitter. A nil logger is replaced with a no-op.
func NewEmitter(logger *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{sinks: sinks, logger: logger, metrics: m}
}

// Attach adds a sink.
func (e *Emitter) Attach(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit writes each event to every sink. A nil *Emitter drops events.
func (e *Emitter) Emit(ctx context.Context, evs ...Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, ev := range evs {
		for _, s := range sinks {
			if err := e.write(ctx, s, ev); err != nil {
				e.metrics.AuditFailed(s.Name())
				e.logger.Warn("audit sink failed",
					zap.String("sink", s.Name()),
					zap.String("event_id", ev.ID),
					zap.String("entity", string(ev.Table)+"/"+ev.EntityID),
					zap.Error(err))
			}
		}
	}
}

// write isolates a panicking sink the same way as a failing one.
func (e *Emitter) write(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Write(ctx, ev)
}

// Memory is an in-process sink that keeps every event. Used by the harness
// and tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// JSONLines writes one JSON object per event to w.
type JSONLines struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLines creates a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w}
}

func (j *JSONLines) Name() string { return "jsonl" }

func (j *JSONLines) Write(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.w.Write(append(data, '\n'))
	return err
}
