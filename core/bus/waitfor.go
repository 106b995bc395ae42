package bus

import (
	"context"
	"time"

	"github.com/embedx/evbus/core/events"
)

// WaitFor blocks the calling goroutine until an event is published on the
// topic or the timeout elapses. It attaches a transient wake listener,
// waits on its one-shot signal, and detaches. A retained event on the topic
// satisfies the wait immediately.
//
// The extra drain after detach consumes a wake that raced in between the
// wait ending and the detach being acknowledged; such a late wake counts as
// a successful wait.
func (b *Bus) WaitFor(ctx context.Context, topic events.Topic, timeout time.Duration) (bool, error) {
	b.checkTopic(topic)
	if ctx == nil {
		ctx = context.Background()
	}

	l := NewWakeListener("")
	if err := b.Attach(ctx, l); err != nil {
		return false, err
	}
	if err := b.Subscribe(ctx, l, topic); err != nil {
		_ = b.Detach(context.Background(), l)
		return false, err
	}

	woken := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.wake:
		woken = true
	case <-timer.C:
	case <-ctx.Done():
		_ = b.Detach(context.Background(), l)
		return false, ctx.Err()
	}

	if err := b.Detach(context.Background(), l); err != nil {
		return woken, err
	}
	select {
	case <-l.wake:
		woken = true
	default:
	}
	return woken, nil
}
