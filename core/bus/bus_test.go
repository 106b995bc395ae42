package bus

import (
	"context"
	"testing"
	"time"

	"github.com/embedx/evbus/config"
	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/errs"
)

func testConfig() config.Config {
	return config.Config{
		TopicCount: 64,
		InboxDepth: 8,
		Pools: config.PoolsConfig{
			Small:  config.PoolConfig{BlockSize: 16, BlockCount: 8},
			Medium: config.PoolConfig{BlockSize: 64, BlockCount: 4},
			Large:  config.PoolConfig{BlockSize: 256, BlockCount: 2},
		},
	}
}

func newTestBus(t *testing.T, cfg config.Config) *Bus {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// barrier flushes the dispatcher inbox: once the snapshot returns, every
// previously enqueued command has been served.
func barrier(t *testing.T, b *Bus) {
	t.Helper()
	if _, err := b.Listeners(context.Background()); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func mustAttach(t *testing.T, b *Bus, l *Listener, topics ...events.Topic) {
	t.Helper()
	ctx := context.Background()
	if err := b.Attach(ctx, l); err != nil {
		t.Fatalf("attach %s: %v", l.Name(), err)
	}
	if len(topics) > 0 {
		if err := b.SubscribeMany(ctx, l, topics...); err != nil {
			t.Fatalf("subscribe %s: %v", l.Name(), err)
		}
	}
}

func TestBasicPubSub(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	var got []uint32
	l := NewCallbackListener("basic", func(env *events.Envelope) {
		got = append(got, env.Value.(uint32))
	})
	mustAttach(t, b, l, 0)

	if err := b.Publish(ctx, events.NewStatic(0, 0, uint32(0xDEADBEEF)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0] != 0xDEADBEEF {
		t.Fatalf("expected one delivery of 0xDEADBEEF, got %#v", got)
	}
}

func TestRetainReplaysToLateSubscriber(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	if err := b.Publish(ctx, events.NewStatic(0, 0, uint32(0x1234)), true); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []uint32
	l := NewCallbackListener("late", func(env *events.Envelope) {
		got = append(got, env.Value.(uint32))
	})
	mustAttach(t, b, l, 0)

	if len(got) != 1 || got[0] != 0x1234 {
		t.Fatalf("expected retained replay of 0x1234, got %#v", got)
	}

	// The replayed envelope arrives before anything published afterwards.
	if err := b.Publish(ctx, events.NewStatic(0, 0, uint32(0x5678)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 2 || got[1] != 0x5678 {
		t.Fatalf("expected replay before new publication, got %#v", got)
	}
}

func TestInvalidateClearsRetained(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	env := events.NewStatic(0, 0, uint32(0x1234))
	if err := b.Publish(ctx, env, true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Invalidate(ctx, env); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	// Idempotent: a second invalidate changes nothing.
	if err := b.Invalidate(ctx, env); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}

	fired := false
	l := NewCallbackListener("after-invalidate", func(*events.Envelope) { fired = true })
	mustAttach(t, b, l, 0)
	if fired {
		t.Fatal("expected no replay after invalidate")
	}
}

func TestMultiListenerFilterFidelity(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	counts := make([]int, 4)
	listeners := make([]*Listener, 4)
	for i := range listeners {
		i := i
		listeners[i] = NewCallbackListener("", func(env *events.Envelope) {
			if v := env.Value.(uint32); v != 0xAA {
				t.Errorf("listener %d: unexpected value %#x", i, v)
			}
			if env.Topic != 0 {
				t.Errorf("listener %d: unexpected topic %d", i, env.Topic)
			}
			counts[i]++
		})
		mustAttach(t, b, listeners[i], 0, 3)
	}

	if err := b.Publish(ctx, events.NewStatic(0, 0, uint32(0xAA)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Topics 1 and 2 have no subscribers among the four.
	if err := b.Publish(ctx, events.NewStatic(1, 0, uint32(0xBB)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, events.NewStatic(2, 0, uint32(0xCC)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, n := range counts {
		if n != 1 {
			t.Fatalf("listener %d: expected exactly one delivery, got %d", i, n)
		}
	}
}

func TestHighTopicID(t *testing.T) {
	cfg := testConfig()
	cfg.TopicCount = 128
	b := newTestBus(t, cfg)
	ctx := context.Background()

	var got uint32
	l := NewCallbackListener("high", func(env *events.Envelope) { got = env.Value.(uint32) })
	mustAttach(t, b, l, 80)

	if err := b.Publish(ctx, events.NewStatic(80, 0, uint32(0xBEEF0BEE)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != 0xBEEF0BEE {
		t.Fatalf("expected delivery on topic 80, got %#x", got)
	}
}

func TestAttachOrderIsDeliveryOrder(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		l := NewCallbackListener(name, func(*events.Envelope) { order = append(order, name) })
		mustAttach(t, b, l, 5)
	}

	if err := b.Publish(ctx, events.NewStatic(5, 0, uint32(1)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected insertion-order delivery, got %v", order)
	}
}

func TestDetachIsolation(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	fired := 0
	l := NewCallbackListener("leaver", func(*events.Envelope) { fired++ })
	mustAttach(t, b, l, 7)

	if err := b.Publish(ctx, events.NewStatic(7, 0, uint32(1)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Detach(ctx, l); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := b.Publish(ctx, events.NewStatic(7, 0, uint32(2)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one delivery before detach, got %d", fired)
	}
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	fired := 0
	l := NewCallbackListener("drop-one", func(*events.Envelope) { fired++ })
	mustAttach(t, b, l, 4, 9)

	if err := b.Unsubscribe(ctx, l, 4); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Publish(ctx, events.NewStatic(4, 0, uint32(1)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, events.NewStatic(9, 0, uint32(2)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected only the topic 9 delivery, got %d", fired)
	}
}

func TestQueueSinkFIFO(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	l := NewQueueListener("fifo", 8)
	mustAttach(t, b, l, 2)

	for i := uint32(1); i <= 4; i++ {
		if err := b.Publish(ctx, events.NewStatic(2, 0, i), false); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for want := uint32(1); want <= 4; want++ {
		env, ok := l.TryReceive()
		if !ok {
			t.Fatalf("expected queued envelope %d", want)
		}
		if got := env.Value.(uint32); got != want {
			t.Fatalf("expected %d in arrival order, got %d", want, got)
		}
	}
}

func TestQueueFullSetsStickyFlagAndFanoutContinues(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	full := NewQueueListener("narrow", 1)
	mustAttach(t, b, full, 3)
	tail := 0
	later := NewCallbackListener("tail", func(*events.Envelope) { tail++ })
	mustAttach(t, b, later, 3)

	if err := b.Publish(ctx, events.NewStatic(3, 0, uint32(1)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, events.NewStatic(3, 0, uint32(2)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !full.Failed() {
		t.Fatal("expected sticky err_full after dropped delivery")
	}
	if tail != 2 {
		t.Fatalf("fan-out must continue past a full queue, tail saw %d", tail)
	}

	full.ClearFailed()
	if full.Failed() {
		t.Fatal("expected flag cleared")
	}
}

func TestPublishFromISR(t *testing.T) {
	b := newTestBus(t, testConfig())

	var got uint32
	l := NewCallbackListener("isr", func(env *events.Envelope) { got = env.Value.(uint32) })
	mustAttach(t, b, l, 0)

	if !b.PublishFromISR(events.NewStatic(0, 0, uint32(0xBEEF))) {
		t.Fatal("expected isr publish to be accepted")
	}
	// Inbox FIFO: once the barrier command is served, so was the publish.
	barrier(t, b)
	if got != 0xBEEF {
		t.Fatalf("expected isr publication delivered, got %#x", got)
	}
}

func TestPublishEventually(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fired := 0
	l := NewCallbackListener("eventually", func(*events.Envelope) { fired++ })
	mustAttach(t, b, l, 1)

	if err := b.PublishEventually(ctx, events.NewStatic(1, 0, uint32(7))); err != nil {
		t.Fatalf("publish eventually: %v", err)
	}
	barrier(t, b)
	if fired != 1 {
		t.Fatalf("expected delivery, got %d", fired)
	}
}

func TestSubscribeManyReplaysEachRetainedTopic(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	if err := b.Publish(ctx, events.NewStatic(10, 0, uint32(10)), true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, events.NewStatic(11, 0, uint32(11)), true); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []uint32
	l := NewCallbackListener("bulk", func(env *events.Envelope) { got = append(got, env.Value.(uint32)) })
	mustAttach(t, b, l, 10, 11, 12)

	if len(got) != 2 || got[0] != 10 || got[1] != 11 {
		t.Fatalf("expected replay for both retained topics in order, got %v", got)
	}
}

func TestNonRetainedPublishClearsRetained(t *testing.T) {
	b := newTestBus(t, testConfig())
	ctx := context.Background()

	if err := b.Publish(ctx, events.NewStatic(6, 0, uint32(1)), true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// A non-retained publish on the same topic clears the slot.
	if err := b.Publish(ctx, events.NewStatic(6, 0, uint32(2)), false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fired := false
	l := NewCallbackListener("cleared", func(*events.Envelope) { fired = true })
	mustAttach(t, b, l, 6)
	if fired {
		t.Fatal("expected no replay after the slot was cleared")
	}
}

func TestPublishPanicsOnOutOfRangeTopic(t *testing.T) {
	b := newTestBus(t, testConfig())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range topic")
		}
	}()
	_ = b.Publish(context.Background(), events.NewStatic(64, 0, nil), false)
}

func TestRetainedPooledEnvelopePanics(t *testing.T) {
	b := newTestBus(t, testConfig())
	env, err := b.EventAlloc(4, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic retaining a pooled envelope")
		}
	}()
	_ = b.Publish(context.Background(), env, true)
}

func TestCloseRejectsFurtherCommands(t *testing.T) {
	b, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	attachErr := b.Attach(context.Background(), NewWakeListener(""))
	if errs.CodeOf(attachErr) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", attachErr)
	}
	if b.PublishFromISR(events.NewStatic(0, 0, nil)) {
		t.Fatal("expected isr publish rejected after close")
	}
}

func TestPublishToListenerDirect(t *testing.T) {
	b := newTestBus(t, testConfig())

	l := NewQueueListener("direct", 1)
	mustAttach(t, b, l)

	env, err := b.ThreadEventAlloc(4, 2, 9)
	if err != nil {
		t.Fatal(err)
	}
	if !b.PublishToListener(l, env, 0) {
		t.Fatal("expected direct push to succeed")
	}
	if env.Refs() != 2 || l.Refs() != 1 {
		t.Fatalf("expected refs env=2 listener=1, got env=%d listener=%d", env.Refs(), l.Refs())
	}

	// Queue is full now; the timeout path reports failure and undoes refs.
	second, err := b.ThreadEventAlloc(4, 2, 9)
	if err != nil {
		t.Fatal(err)
	}
	if b.PublishToListener(l, second, 10*time.Millisecond) {
		t.Fatal("expected direct push to time out on full queue")
	}
	if !l.Failed() {
		t.Fatal("expected sticky err_full after direct push failure")
	}
	if second.Refs() != 1 || l.Refs() != 1 {
		t.Fatalf("expected refs undone, got env=%d listener=%d", second.Refs(), l.Refs())
	}

	got, ok := l.TryReceive()
	if !ok || got != env {
		t.Fatal("expected the pushed envelope")
	}
	b.EventRelease(got, l)
	b.EventRelease(got, nil) // publisher hold from ThreadEventAlloc
	b.EventRelease(second, nil)
	if !b.PoolsHealthy() {
		t.Fatal("pool integrity violated")
	}
}

func TestPublishToListenerRequiresQueueSink(t *testing.T) {
	b := newTestBus(t, testConfig())
	l := NewCallbackListener("cb", func(*events.Envelope) {})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for direct publish to a callback sink")
		}
	}()
	b.PublishToListener(l, events.NewStatic(0, 0, nil), 0)
}
