// Package events defines the envelope structure carried through the bus.
package events

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Topic is a small integer event id in [0, TopicCount).
type Topic uint32

// MaxPublisher is the largest publisher id an envelope can carry (12 bits).
const MaxPublisher = 1<<12 - 1

// AllocTag identifies which pool owns an envelope. TagStatic marks envelopes
// whose lifetime is caller-managed.
type AllocTag uint8

const (
	// TagStatic marks a statically allocated envelope; refcounts are ignored.
	TagStatic AllocTag = iota
	// TagSmall marks an envelope drawn from the small pool.
	TagSmall
	// TagMedium marks an envelope drawn from the medium pool.
	TagMedium
	// TagLarge marks an envelope drawn from the large pool.
	TagLarge
)

func (t AllocTag) String() string {
	switch t {
	case TagStatic:
		return "static"
	case TagSmall:
		return "small"
	case TagMedium:
		return "medium"
	case TagLarge:
		return "large"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Envelope is the typed header + payload delivered to subscribers.
//
// Static envelopes (TagStatic) belong to the caller and are never freed by
// the bus; pooled envelopes belong to their pool and return to it when the
// last reference is released.
type Envelope struct {
	Topic       Topic
	Publisher   uint16
	Value       any
	Payload     []byte
	PublishedAt time.Time

	tag       AllocTag
	slot      int32
	published atomic.Bool
	refs      atomic.Int32
}

// NewStatic builds a caller-managed envelope carrying an arbitrary value.
func NewStatic(topic Topic, publisher uint16, value any) *Envelope {
	if publisher > MaxPublisher {
		panic(fmt.Sprintf("events: publisher id %d exceeds %d", publisher, MaxPublisher))
	}
	env := &Envelope{}
	env.Topic = topic
	env.Publisher = publisher
	env.Value = value
	return env
}

// Bind initialises a pooled envelope header. Intended for the allocator;
// application code obtains envelopes through NewStatic or the allocator.
func (e *Envelope) Bind(topic Topic, publisher uint16, tag AllocTag, slot int32, payload []byte, refs int32) {
	e.Topic = topic
	e.Publisher = publisher
	e.Value = nil
	e.Payload = payload
	e.PublishedAt = time.Time{}
	e.tag = tag
	e.slot = slot
	e.published.Store(false)
	e.refs.Store(refs)
}

// Tag reports which pool owns the envelope.
func (e *Envelope) Tag() AllocTag { return e.tag }

// Slot reports the envelope's block index within its pool.
func (e *Envelope) Slot() int32 { return e.slot }

// Pooled reports whether the envelope was drawn from a pool.
func (e *Envelope) Pooled() bool { return e.tag != TagStatic }

// Published reports whether the dispatcher has published this envelope.
func (e *Envelope) Published() bool { return e.published.Load() }

// MarkPublished stamps the publication time. Called by the dispatcher only.
func (e *Envelope) MarkPublished(at time.Time) {
	e.PublishedAt = at
	e.published.Store(true)
}

// Refs reports how many consumers still hold the envelope.
func (e *Envelope) Refs() int32 { return e.refs.Load() }

// Retain adds one reference and returns the new count.
func (e *Envelope) Retain() int32 {
	return e.refs.Add(1)
}

// Drop removes one reference and returns the new count. Dropping below zero
// means a double release and is fatal.
func (e *Envelope) Drop() int32 {
	n := e.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("events: envelope topic=%d released more times than retained", e.Topic))
	}
	return n
}

// ResetForPool clears user-visible state before the envelope returns to its
// pool. Tag and slot survive: they identify the block the header is bound to.
func (e *Envelope) ResetForPool() {
	e.Topic = 0
	e.Publisher = 0
	e.Value = nil
	e.Payload = nil
	e.PublishedAt = time.Time{}
	e.published.Store(false)
	e.refs.Store(0)
}
