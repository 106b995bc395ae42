package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/embedx/evbus/config"
	"github.com/embedx/evbus/core/alloc"
	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/errs"
	"github.com/embedx/evbus/internal/observability"
)

// Bus packages the dispatcher, the listener registry, the retained cache,
// and the envelope pools as one instance. Multiple buses may coexist in a
// process; each owns its state completely.
type Bus struct {
	cfg   config.Config
	words int

	inbox   chan command
	done    chan struct{}
	runDone chan struct{}

	alloc    *alloc.Allocator
	retained []*events.Envelope
	first    *Listener
	last     *Listener

	metrics *Metrics
	latency *latencyTable
	isrWarn *rate.Limiter

	publishDuration otelmetric.Float64Histogram

	closed    atomic.Bool
	closeOnce sync.Once
}

type options struct {
	registerer prometheus.Registerer
}

// Option customises bus construction.
type Option func(*options)

// WithRegisterer directs prometheus metrics at the given registerer. The
// default is a private registry per bus so multiple instances never collide
// on metric names; pass prometheus.DefaultRegisterer to expose a bus on the
// process-wide registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// New creates the dispatcher goroutine, its bounded inbox, and the three
// envelope pools, then returns the running bus.
func New(cfg config.Config, opts ...Option) (*Bus, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, errs.New("bus", errs.CodeInvalid, errs.WithMessage("configuration rejected"), errs.WithCause(err))
	}
	o := options{registerer: prometheus.NewRegistry()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	allocator, err := alloc.New(
		alloc.TierSpec{BlockSize: cfg.Pools.Small.BlockSize, BlockCount: cfg.Pools.Small.BlockCount},
		alloc.TierSpec{BlockSize: cfg.Pools.Medium.BlockSize, BlockCount: cfg.Pools.Medium.BlockCount},
		alloc.TierSpec{BlockSize: cfg.Pools.Large.BlockSize, BlockCount: cfg.Pools.Large.BlockCount},
		alloc.NewMetrics(o.registerer),
	)
	if err != nil {
		return nil, err
	}

	b := new(Bus)
	b.cfg = cfg
	b.words = cfg.TopicCount / 32
	b.inbox = make(chan command, cfg.InboxDepth)
	b.done = make(chan struct{})
	b.runDone = make(chan struct{})
	b.alloc = allocator
	b.retained = make([]*events.Envelope, cfg.TopicCount)
	b.metrics = NewMetrics(o.registerer)
	b.latency = newLatencyTable(cfg.TopicCount)
	b.isrWarn = rate.NewLimiter(rate.Every(time.Second), 1)

	meter := otel.Meter("github.com/embedx/evbus")
	b.publishDuration, _ = meter.Float64Histogram("evbus.publish.duration",
		otelmetric.WithDescription("Latency of acknowledged publish calls"),
		otelmetric.WithUnit("ms"))

	go b.run()
	return b, nil
}

// Close stops the dispatcher after it drains the commands already accepted.
// Safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
	})
	<-b.runDone
	return nil
}

// TopicCount reports the number of topic ids this bus was built with.
func (b *Bus) TopicCount() int { return b.cfg.TopicCount }

// Attach appends the listener to the registry. Publications admitted after
// the acknowledgement reach the listener for every topic it subscribes to.
func (b *Bus) Attach(ctx context.Context, l *Listener) error {
	if l == nil {
		panic("bus: attach of nil listener")
	}
	return b.send(ctx, command{op: opAttach, listener: l})
}

// Detach removes the listener. After the acknowledgement no further
// publication delivers to it, even for topics it was subscribed to.
func (b *Bus) Detach(ctx context.Context, l *Listener) error {
	if l == nil {
		panic("bus: detach of nil listener")
	}
	return b.send(ctx, command{op: opDetach, listener: l})
}

// Subscribe sets the topic bit on the listener's mask. If the topic holds a
// retained event it is replayed to the listener before the acknowledgement.
func (b *Bus) Subscribe(ctx context.Context, l *Listener, topic events.Topic) error {
	b.checkTopic(topic)
	return b.send(ctx, command{op: opSubscribe, listener: l, topic: topic})
}

// SubscribeMany subscribes the listener to every given topic, replaying
// retained events per topic.
func (b *Bus) SubscribeMany(ctx context.Context, l *Listener, topics ...events.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	for _, topic := range topics {
		b.checkTopic(topic)
	}
	return b.send(ctx, command{op: opSubscribeMany, listener: l, topics: topics})
}

// Unsubscribe clears the topic bit on the listener's mask.
func (b *Bus) Unsubscribe(ctx context.Context, l *Listener, topic events.Topic) error {
	b.checkTopic(topic)
	return b.send(ctx, command{op: opUnsubscribe, listener: l, topic: topic})
}

// Publish fans the envelope out to every subscribed listener and blocks
// until the dispatcher acknowledges. With retain set, the envelope becomes
// the topic's retained event and is replayed to late subscribers; retained
// envelopes must be statically allocated.
func (b *Bus) Publish(ctx context.Context, env *events.Envelope, retain bool) error {
	b.checkPublish(env)
	if retain && env.Pooled() {
		panic(fmt.Sprintf("bus: retained envelope on topic %d must be statically allocated", env.Topic))
	}
	start := time.Now()
	err := b.send(ctx, command{op: opPublish, env: env, retain: retain})
	if b.publishDuration != nil {
		b.publishDuration.Record(context.Background(),
			float64(time.Since(start).Microseconds())/1000.0,
			otelmetric.WithAttributes(attribute.Int("topic", int(env.Topic))))
	}
	return err
}

// PublishFromISR enqueues a publication without blocking and without
// waiting for acknowledgement. It reports whether the inbox accepted the
// command; on false the caller decides recovery. Safe from contexts that
// must never block.
func (b *Bus) PublishFromISR(env *events.Envelope) bool {
	b.checkPublish(env)
	if b.closed.Load() {
		return false
	}
	select {
	case b.inbox <- command{op: opPublish, env: env}:
		return true
	default:
		b.metrics.observeISRReject()
		if b.isrWarn.Allow() {
			observability.Log().Warn("bus: inbox full, dropping isr publish",
				observability.Topic(uint32(env.Topic)))
		}
		return false
	}
}

// PublishEventually retries the non-blocking publish path with exponential
// backoff until the inbox accepts the command, ctx is done, or the bus
// closes.
func (b *Bus) PublishEventually(ctx context.Context, env *events.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}
	operation := func() (struct{}, error) {
		if b.closed.Load() {
			return struct{}{}, backoff.Permanent(errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed")))
		}
		if b.PublishFromISR(env) {
			return struct{}{}, nil
		}
		return struct{}{}, errs.New("bus/publish", errs.CodeInboxFull, errs.WithMessage("dispatcher inbox full"))
	}
	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

// PublishToListener bypasses the dispatcher and pushes the envelope
// directly into the listener's queue, with the same refcount bookkeeping as
// a dispatched delivery. Only queue-sink listeners support it; any other
// sink is a contract violation. It reports whether the queue accepted the
// envelope within the timeout.
func (b *Bus) PublishToListener(l *Listener, env *events.Envelope, timeout time.Duration) bool {
	if l == nil {
		panic("bus: direct publish to nil listener")
	}
	if l.kind != sinkQueue {
		panic(fmt.Sprintf("bus: direct publish to listener %s requires a queue sink, have %s", l.name, l.kind))
	}
	b.checkPublish(env)
	env.MarkPublished(time.Now())
	pooled := env.Pooled()
	if pooled {
		env.Retain()
		l.refs.Add(1)
	}
	if timeout <= 0 {
		select {
		case l.queue <- env:
			b.metrics.observeDelivery(sinkQueue)
			return true
		default:
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case l.queue <- env:
			b.metrics.observeDelivery(sinkQueue)
			return true
		case <-timer.C:
		}
	}
	if pooled {
		env.Drop()
		l.DropQueueRef()
	}
	l.errFull.Store(true)
	b.metrics.observeDrop(l.name)
	return false
}

// Invalidate clears the retained slot for the envelope's topic.
func (b *Bus) Invalidate(ctx context.Context, env *events.Envelope) error {
	if env == nil {
		panic("bus: invalidate of nil envelope")
	}
	b.checkTopic(env.Topic)
	return b.send(ctx, command{op: opInvalidate, env: env})
}

// EventAlloc draws a pooled envelope sized for size payload bytes with zero
// initial references.
func (b *Bus) EventAlloc(size int, topic events.Topic, publisher uint16) (*events.Envelope, error) {
	b.checkTopic(topic)
	return b.alloc.EventAlloc(size, topic, publisher)
}

// ThreadEventAlloc draws a pooled envelope with one reference pre-taken by
// the calling goroutine.
func (b *Bus) ThreadEventAlloc(size int, topic events.Topic, publisher uint16) (*events.Envelope, error) {
	b.checkTopic(topic)
	return b.alloc.ThreadEventAlloc(size, topic, publisher)
}

// EventRelease drops one reference on a pooled envelope. Pass the listener
// whose queue delivered the envelope so its queue refcount drops with it;
// pass nil when releasing a publisher-side hold. Releasing a static
// envelope is a no-op.
func (b *Bus) EventRelease(env *events.Envelope, l *Listener) {
	if l == nil {
		b.alloc.Release(env, nil)
		return
	}
	b.alloc.Release(env, l)
}

func (b *Bus) send(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() {
		return errs.New("bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	cmd.reply = make(chan error, 1)
	select {
	case b.inbox <- cmd:
	case <-b.done:
		return errs.New("bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("bus: enqueue %s command: %w", cmd.op, ctx.Err())
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-b.runDone:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return errs.New("bus", errs.CodeUnavailable, errs.WithMessage("bus closed before acknowledgement"))
		}
	case <-ctx.Done():
		return fmt.Errorf("bus: await %s acknowledgement: %w", cmd.op, ctx.Err())
	}
}

func (b *Bus) checkPublish(env *events.Envelope) {
	if env == nil {
		panic("bus: publish of nil envelope")
	}
	b.checkTopic(env.Topic)
	if env.Publisher > events.MaxPublisher {
		panic(fmt.Sprintf("bus: publisher id %d exceeds %d", env.Publisher, events.MaxPublisher))
	}
}

func (b *Bus) checkTopic(topic events.Topic) {
	if int(topic) >= b.cfg.TopicCount {
		panic(fmt.Sprintf("bus: topic %d out of range [0,%d)", topic, b.cfg.TopicCount))
	}
}
