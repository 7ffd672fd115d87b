// Package events carries lifecycle notifications out of the orchestrator.
// Emitting never blocks the caller; delivery is the sink's business.
package events

import (
	"sync/atomic"
	"time"
)

type Kind string

const (
	SandboxCreated   Kind = "sandbox.created"
	SandboxFailed    Kind = "sandbox.failed"
	ThreadBound      Kind = "thread.bound"
	IdleWarning      Kind = "thread.idle_warning"
	ThreadReclaimed  Kind = "thread.reclaimed"
	CheckpointSaved  Kind = "checkpoint.saved"
	CheckpointFailed Kind = "checkpoint.failed"
	SessionCreated   Kind = "session.created"
	SessionClosed    Kind = "session.closed"
)

type Event struct {
	Kind      Kind              `json:"kind"`
	At        time.Time         `json:"at"`
	OwnerID   string            `json:"owner_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	SandboxID string            `json:"sandbox_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

type Sink interface {
	Emit(Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(Event) {}

// ChanSink queues events on a buffered channel and drops them when the
// consumer falls behind.
type ChanSink struct {
	ch      chan Event
	dropped atomic.Int64
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChanSink) Events() <-chan Event { return s.ch }

func (s *ChanSink) Dropped() int64 { return s.dropped.Load() }

// Drain returns whatever is queued right now without waiting.
func (s *ChanSink) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-s.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans every event out to each sink in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}
