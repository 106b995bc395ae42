// Package bus implements the topic-filtered publish/subscribe core: the
// single-owner dispatcher, the listener registry, the retained-event cache,
// and the delivery fan-out.
package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/errs"
)

// Handler is invoked synchronously on the dispatcher goroutine for callback
// listeners. It must not call back into the bus: re-entering the dispatcher
// would deadlock its own inbox. It must not keep the envelope past return
// unless the envelope is statically allocated.
type Handler func(*events.Envelope)

// DefaultQueueDepth bounds a queue sink when no depth is given.
const DefaultQueueDepth = 16

type sinkKind uint8

const (
	sinkNone sinkKind = iota
	sinkCallback
	sinkQueue
	sinkWake
)

func (k sinkKind) String() string {
	switch k {
	case sinkCallback:
		return "callback"
	case sinkQueue:
		return "queue"
	case sinkWake:
		return "wake"
	default:
		return "none"
	}
}

// Listener is a registered consumer with a topic bitmask and exactly one
// delivery sink. Construct with NewCallbackListener, NewQueueListener, or
// NewWakeListener; the constructors enforce the single-sink rule.
//
// The mask and registry links belong to the dispatcher: they are only read
// or written on the dispatcher goroutine.
type Listener struct {
	name     string
	kind     sinkKind
	callback Handler
	queue    chan *events.Envelope
	wake     chan struct{}

	errFull atomic.Bool
	refs    atomic.Int32

	mask     []uint32
	attached bool
	prev     *Listener
	next     *Listener
}

// NewCallbackListener builds a listener whose deliveries invoke fn on the
// dispatcher goroutine.
func NewCallbackListener(name string, fn Handler) *Listener {
	if fn == nil {
		panic("bus: callback listener requires a handler")
	}
	return &Listener{name: listenerName(name), kind: sinkCallback, callback: fn}
}

// NewQueueListener builds a listener whose deliveries are pushed into a
// bounded queue of the given depth. A non-positive depth uses
// DefaultQueueDepth.
func NewQueueListener(name string, depth int) *Listener {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Listener{name: listenerName(name), kind: sinkQueue, queue: make(chan *events.Envelope, depth)}
}

// NewWakeListener builds a listener whose deliveries signal a one-shot
// wake-up. No envelope is handed over.
func NewWakeListener(name string) *Listener {
	return &Listener{name: listenerName(name), kind: sinkWake, wake: make(chan struct{}, 1)}
}

func listenerName(name string) string {
	if name != "" {
		return name
	}
	return "listener-" + uuid.NewString()[:8]
}

// Name returns the listener's diagnostic name.
func (l *Listener) Name() string { return l.name }

// HasQueueSink reports whether deliveries land in a bounded queue.
func (l *Listener) HasQueueSink() bool { return l.kind == sinkQueue }

// Failed reports whether any delivery was dropped because the queue was
// full. The flag is sticky until ClearFailed.
func (l *Listener) Failed() bool { return l.errFull.Load() }

// ClearFailed resets the sticky queue-full flag.
func (l *Listener) ClearFailed() { l.errFull.Store(false) }

// Refs reports how many pooled envelopes are queued into this listener's
// sink and not yet released through it.
func (l *Listener) Refs() int32 { return l.refs.Load() }

// DropQueueRef removes one queued-envelope reference. Called by the
// allocator when a pooled envelope is released through this listener.
func (l *Listener) DropQueueRef() {
	if l.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("bus: listener %s released more envelopes than were queued", l.name))
	}
}

// Receive blocks until a queued envelope arrives or ctx is done. Only valid
// for queue-sink listeners.
func (l *Listener) Receive(ctx context.Context) (*events.Envelope, error) {
	l.requireQueue("Receive")
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case env := <-l.queue:
		return env, nil
	case <-ctx.Done():
		return nil, errs.New("bus/listener", errs.CodeTimeout,
			errs.WithMessage("receive interrupted"), errs.WithCause(ctx.Err()))
	}
}

// ReceiveTimeout waits up to d for a queued envelope.
func (l *Listener) ReceiveTimeout(d time.Duration) (*events.Envelope, bool) {
	l.requireQueue("ReceiveTimeout")
	if d <= 0 {
		return l.TryReceive()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case env := <-l.queue:
		return env, true
	case <-timer.C:
		return nil, false
	}
}

// TryReceive returns a queued envelope without blocking.
func (l *Listener) TryReceive() (*events.Envelope, bool) {
	l.requireQueue("TryReceive")
	select {
	case env := <-l.queue:
		return env, true
	default:
		return nil, false
	}
}

// Wakeups exposes the wake signal channel of a wake-sink listener.
func (l *Listener) Wakeups() <-chan struct{} {
	if l.kind != sinkWake {
		panic(fmt.Sprintf("bus: listener %s has no wake sink", l.name))
	}
	return l.wake
}

func (l *Listener) requireQueue(op string) {
	if l.kind != sinkQueue {
		panic(fmt.Sprintf("bus: %s on listener %s requires a queue sink, have %s", op, l.name, l.kind))
	}
}

// ensureMask sizes the subscription bitmask. Dispatcher-side only.
func (l *Listener) ensureMask(words int) {
	if len(l.mask) != words {
		l.mask = make([]uint32, words)
	}
}

// topics collects the subscribed topic ids. Dispatcher-side only.
func (l *Listener) topics() []events.Topic {
	var out []events.Topic
	for w, bits := range l.mask {
		for bit := 0; bits != 0; bit++ {
			if bits&1 != 0 {
				out = append(out, events.Topic(w*32+bit))
			}
			bits >>= 1
		}
	}
	return out
}
