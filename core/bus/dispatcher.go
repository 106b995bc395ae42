package bus

import (
	"fmt"
	"time"

	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/internal/observability"
)

// run is the dispatcher loop: the single goroutine that owns the listener
// registry, every subscription mask, and the retained cache. It serves one
// command at a time until Close, then drains whatever the inbox still holds
// so pending callers get their acknowledgement.
func (b *Bus) run() {
	defer close(b.runDone)
	for {
		select {
		case cmd := <-b.inbox:
			b.serve(cmd)
		case <-b.done:
			for {
				select {
				case cmd := <-b.inbox:
					b.serve(cmd)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) serve(cmd command) {
	b.metrics.observeCommand(cmd.op, len(b.inbox))
	switch cmd.op {
	case opAttach:
		b.attach(cmd.listener)
	case opDetach:
		b.detach(cmd.listener)
	case opSubscribe:
		b.subscribe(cmd.listener, cmd.topic)
	case opSubscribeMany:
		for _, topic := range cmd.topics {
			b.subscribe(cmd.listener, topic)
		}
	case opUnsubscribe:
		b.unsubscribe(cmd.listener, cmd.topic)
	case opPublish:
		b.publish(cmd.env, cmd.retain)
	case opInvalidate:
		b.invalidate(cmd.env)
	case opInspect:
		cmd.inspect <- b.snapshot()
	default:
		panic(fmt.Sprintf("bus: unknown dispatcher command %d", cmd.op))
	}
	if cmd.reply != nil {
		cmd.reply <- nil
	}
}

func (b *Bus) attach(l *Listener) {
	if l == nil {
		panic("bus: attach of nil listener")
	}
	if l.attached {
		panic(fmt.Sprintf("bus: listener %s already attached", l.name))
	}
	l.ensureMask(b.words)
	l.prev = b.last
	l.next = nil
	if b.last == nil {
		b.first = l
	} else {
		b.last.next = l
	}
	b.last = l
	l.attached = true
	observability.Log().Debug("bus: listener attached",
		observability.Listener(l.name), observability.Sink(l.kind.String()))
}

func (b *Bus) detach(l *Listener) {
	if l == nil {
		panic("bus: detach of nil listener")
	}
	if !l.attached {
		panic(fmt.Sprintf("bus: listener %s is not attached", l.name))
	}
	if l.prev == nil {
		b.first = l.next
	} else {
		l.prev.next = l.next
	}
	if l.next == nil {
		b.last = l.prev
	} else {
		l.next.prev = l.prev
	}
	l.prev = nil
	l.next = nil
	l.attached = false
	observability.Log().Debug("bus: listener detached", observability.Listener(l.name))
}

func (b *Bus) subscribe(l *Listener, topic events.Topic) {
	b.requireAttached(l, "subscribe")
	b.assertTopic(topic)
	word, bit := maskIndex(topic)
	l.mask[word] |= bit
	if retained := b.retained[topic]; retained != nil {
		// Late-join replay: the subscriber sees the last retained value
		// before any publication admitted after this command.
		b.deliver(l, retained)
	}
}

func (b *Bus) unsubscribe(l *Listener, topic events.Topic) {
	b.requireAttached(l, "unsubscribe")
	b.assertTopic(topic)
	word, bit := maskIndex(topic)
	l.mask[word] &^= bit
}

func (b *Bus) publish(env *events.Envelope, retain bool) {
	if env == nil {
		panic("bus: publish of nil envelope")
	}
	b.assertTopic(env.Topic)
	env.MarkPublished(time.Now())
	if retain {
		if env.Pooled() {
			panic(fmt.Sprintf("bus: retained envelope on topic %d must be statically allocated", env.Topic))
		}
		b.retained[env.Topic] = env
	} else {
		b.retained[env.Topic] = nil
	}
	b.metrics.setRetained(b.retainedLive())

	pooled := env.Pooled()
	if pooled {
		// The dispatcher holds its own reference across the walk so a fast
		// consumer on another goroutine cannot free the envelope while
		// later listeners are still being served.
		env.Retain()
	}
	word, bit := maskIndex(env.Topic)
	start := time.Now()
	delivered := 0
	for l := b.first; l != nil; l = l.next {
		if l.mask[word]&bit == 0 {
			continue
		}
		b.deliver(l, env)
		delivered++
	}
	b.metrics.observeFanout(delivered, time.Since(start))
	if pooled {
		// Dropping the dispatcher hold frees the envelope when no
		// subscriber picked it up and the publisher kept no reference.
		b.alloc.Release(env, nil)
	}
}

// deliver dispatches one envelope to one listener via its sink. A full
// queue drops only this delivery; the fan-out continues with the next
// listener.
func (b *Bus) deliver(l *Listener, env *events.Envelope) {
	switch l.kind {
	case sinkCallback:
		l.callback(env)
		b.latency.observe(int(env.Topic), time.Since(env.PublishedAt))
		b.metrics.observeDelivery(sinkCallback)
	case sinkQueue:
		pooled := env.Pooled()
		if pooled {
			env.Retain()
			l.refs.Add(1)
		}
		select {
		case l.queue <- env:
			b.latency.observe(int(env.Topic), time.Since(env.PublishedAt))
			b.metrics.observeDelivery(sinkQueue)
		default:
			if pooled {
				env.Drop()
				l.DropQueueRef()
			}
			l.errFull.Store(true)
			b.metrics.observeDrop(l.name)
			observability.Log().Warn("bus: listener queue full, delivery dropped",
				observability.Listener(l.name), observability.Topic(uint32(env.Topic)))
		}
	case sinkWake:
		select {
		case l.wake <- struct{}{}:
		default:
			// Wake already pending; one-shot waiters coalesce signals.
		}
		b.metrics.observeDelivery(sinkWake)
	default:
		panic(fmt.Sprintf("bus: listener %s has no sink", l.name))
	}
}

func (b *Bus) invalidate(env *events.Envelope) {
	if env == nil {
		panic("bus: invalidate of nil envelope")
	}
	b.assertTopic(env.Topic)
	b.retained[env.Topic] = nil
	b.metrics.setRetained(b.retainedLive())
}

func (b *Bus) snapshot() []ListenerInfo {
	var out []ListenerInfo
	for l := b.first; l != nil; l = l.next {
		info := ListenerInfo{
			Name:    l.name,
			Sink:    l.kind.String(),
			Topics:  l.topics(),
			ErrFull: l.errFull.Load(),
			Refs:    l.refs.Load(),
		}
		if l.kind == sinkQueue {
			info.QueueLen = len(l.queue)
			info.QueueCap = cap(l.queue)
		}
		out = append(out, info)
	}
	return out
}

func (b *Bus) retainedLive() int {
	n := 0
	for _, env := range b.retained {
		if env != nil {
			n++
		}
	}
	return n
}

func (b *Bus) requireAttached(l *Listener, op string) {
	if l == nil {
		panic(fmt.Sprintf("bus: %s of nil listener", op))
	}
	if !l.attached {
		panic(fmt.Sprintf("bus: %s on listener %s before attach", op, l.name))
	}
}

func (b *Bus) assertTopic(topic events.Topic) {
	if int(topic) >= b.cfg.TopicCount {
		panic(fmt.Sprintf("bus: topic %d out of range [0,%d)", topic, b.cfg.TopicCount))
	}
}

func maskIndex(topic events.Topic) (int, uint32) {
	return int(topic) / 32, uint32(1) << (uint32(topic) % 32)
}
