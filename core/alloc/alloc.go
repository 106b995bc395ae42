// Package alloc selects envelope pools by payload size and manages the
// reference-counted release of pooled envelopes.
package alloc

import (
	"fmt"

	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/core/mempool"
	"github.com/embedx/evbus/errs"
)

// TierSpec sizes one pool tier.
type TierSpec struct {
	BlockSize  int
	BlockCount int
}

// Holder is notified when a pooled envelope held through a queue is
// released. The bus listener implements it.
type Holder interface {
	DropQueueRef()
}

type tier struct {
	tag       events.AllocTag
	pool      *mempool.Pool
	envelopes []events.Envelope
}

// Allocator fronts the three fixed-block pools. Envelope headers are bound
// one-to-one to pool blocks at construction, so allocation never touches the
// Go heap.
type Allocator struct {
	tiers   []*tier
	metrics *Metrics
}

// TierStats couples a pool's identity with its current accounting.
type TierStats struct {
	Name      string
	Tag       events.AllocTag
	BlockSize int
	Info      mempool.Info
}

// New builds an allocator over small, medium, and large pools. Metrics may
// be nil to disable instrumentation.
func New(small, medium, large TierSpec, metrics *Metrics) (*Allocator, error) {
	specs := []struct {
		name string
		tag  events.AllocTag
		spec TierSpec
	}{
		{"small", events.TagSmall, small},
		{"medium", events.TagMedium, medium},
		{"large", events.TagLarge, large},
	}
	a := &Allocator{tiers: make([]*tier, 0, len(specs)), metrics: metrics}
	prev := 0
	for _, s := range specs {
		if s.spec.BlockSize < prev {
			return nil, errs.New("alloc", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("tier %s: block size %d below preceding tier %d", s.name, s.spec.BlockSize, prev)))
		}
		prev = s.spec.BlockSize
		pool, err := mempool.New(s.name, s.spec.BlockSize, s.spec.BlockCount)
		if err != nil {
			return nil, err
		}
		a.tiers = append(a.tiers, &tier{
			tag:       s.tag,
			pool:      pool,
			envelopes: make([]events.Envelope, s.spec.BlockCount),
		})
	}
	return a, nil
}

// EventAlloc draws an envelope from the smallest pool able to hold size
// payload bytes. The envelope starts with zero references: if nobody picks
// it up during fan-out, the dispatcher returns it to its pool. A size larger
// than the largest pool is a contract violation and panics; exhaustion of
// the matching pools is reported as an error.
func (a *Allocator) EventAlloc(size int, topic events.Topic, publisher uint16) (*events.Envelope, error) {
	return a.allocate(size, topic, publisher, 0)
}

// ThreadEventAlloc is EventAlloc with one reference pre-taken by the calling
// task, so the envelope survives the fan-out until the publisher releases
// its own hold.
func (a *Allocator) ThreadEventAlloc(size int, topic events.Topic, publisher uint16) (*events.Envelope, error) {
	return a.allocate(size, topic, publisher, 1)
}

func (a *Allocator) allocate(size int, topic events.Topic, publisher uint16, refs int32) (*events.Envelope, error) {
	if size < 0 {
		panic(fmt.Sprintf("alloc: negative payload size %d", size))
	}
	if publisher > events.MaxPublisher {
		panic(fmt.Sprintf("alloc: publisher id %d exceeds %d", publisher, events.MaxPublisher))
	}
	largest := a.tiers[len(a.tiers)-1].pool.BlockSize()
	if size > largest {
		panic(fmt.Sprintf("alloc: payload size %d exceeds largest pool block %d", size, largest))
	}
	for _, t := range a.tiers {
		if size > t.pool.BlockSize() {
			continue
		}
		slot, block := t.pool.Alloc()
		if block == nil {
			continue
		}
		env := &t.envelopes[slot]
		env.Bind(topic, publisher, t.tag, slot, block[:size], refs)
		a.metrics.observeAlloc(t.pool)
		return env, nil
	}
	a.metrics.observeFailure()
	return nil, errs.New("alloc", errs.CodeExhausted,
		errs.WithMessage(fmt.Sprintf("no free block for %d byte payload", size)),
		errs.WithRemediation("raise pool block counts or release envelopes sooner"))
}

// Release drops one reference. When the envelope came through a listener
// queue, holder is that listener and its queue refcount drops with it. On
// the last reference the envelope returns to its pool. Releasing a static
// envelope is a no-op.
func (a *Allocator) Release(env *events.Envelope, holder Holder) {
	if env == nil || !env.Pooled() {
		return
	}
	if holder != nil {
		holder.DropQueueRef()
	}
	if env.Drop() != 0 {
		return
	}
	t := a.tierFor(env.Tag())
	slot := env.Slot()
	env.ResetForPool()
	t.pool.Free(slot)
	a.metrics.observeRelease(t.pool)
}

func (a *Allocator) tierFor(tag events.AllocTag) *tier {
	for _, t := range a.tiers {
		if t.tag == tag {
			return t
		}
	}
	panic(fmt.Sprintf("alloc: no pool for tag %s", tag))
}

// Integrity verifies every pool's free list and accounting.
func (a *Allocator) Integrity() bool {
	for _, t := range a.tiers {
		if !t.pool.Integrity(nil) {
			return false
		}
	}
	return true
}

// Stats reports accounting for every tier.
func (a *Allocator) Stats() []TierStats {
	out := make([]TierStats, 0, len(a.tiers))
	for _, t := range a.tiers {
		out = append(out, TierStats{
			Name:      t.pool.Name(),
			Tag:       t.tag,
			BlockSize: t.pool.BlockSize(),
			Info:      t.pool.Stats(),
		})
	}
	return out
}
