// Package consumer drains queue-sink listeners and releases pooled
// envelopes once the handler returns.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/embedx/evbus/core/bus"
	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/errs"
	"github.com/embedx/evbus/internal/observability"
	"github.com/embedx/evbus/lib/async"
)

// Handler processes one delivered envelope. The envelope is released after
// the handler returns; handlers that need the payload longer must copy it.
type Handler func(context.Context, *events.Envelope) error

// Config sizes the consumer's worker pool.
type Config struct {
	// Workers bounds concurrent handler invocations. One worker preserves
	// arrival order.
	Workers int
	// Queue bounds handler invocations waiting for a worker.
	Queue int
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Queue < 0 {
		c.Queue = 0
	}
	return c
}

// Consumer owns the receive loop for one queue-sink listener.
type Consumer struct {
	bus      *bus.Bus
	listener *bus.Listener
	handler  Handler
	metrics  *Metrics
	pool     *async.Pool

	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	errors  []error
	started bool
}

// New wires a consumer to a queue-sink listener. Metrics may be nil.
func New(b *bus.Bus, l *bus.Listener, h Handler, cfg Config, metrics *Metrics) (*Consumer, error) {
	if b == nil {
		return nil, errs.New("consumer", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	if l == nil || !l.HasQueueSink() {
		return nil, errs.New("consumer", errs.CodeInvalid, errs.WithMessage("listener with queue sink required"))
	}
	if h == nil {
		return nil, errs.New("consumer", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	cfg = cfg.normalize()
	pool, err := async.NewPool(cfg.Workers, cfg.Queue)
	if err != nil {
		return nil, err
	}
	return &Consumer{bus: b, listener: l, handler: h, metrics: metrics, pool: pool}, nil
}

// Start launches the receive loop. Call once.
func (c *Consumer) Start() {
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.started = true
		c.wg.Go(func() {
			c.loop(ctx)
		})
	})
}

// Close stops the receive loop, waits for in-flight handlers, and returns
// the handler errors collected since Start, joined.
func (c *Consumer) Close(ctx context.Context) error {
	if !c.started {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	if err := c.pool.Shutdown(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	collected := c.errors
	c.errors = nil
	c.mu.Unlock()
	if len(collected) == 0 {
		return nil
	}
	messages := make([]string, 0, len(collected))
	for _, err := range collected {
		messages = append(messages, err.Error())
	}
	observability.Log().Error("consumer: handlers failed",
		observability.Listener(c.listener.Name()),
		observability.Field{Key: "error_count", Value: len(collected)},
		observability.Field{Key: "errors", Value: messages})
	return fmt.Errorf("consumer %s: %w", c.listener.Name(), errors.Join(collected...))
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		env, err := c.listener.Receive(ctx)
		if err != nil {
			return
		}
		task := func(taskCtx context.Context) error {
			return c.handle(taskCtx, env)
		}
		if err := c.pool.Submit(ctx, task); err != nil {
			// Pool refused the work; the envelope still must be released.
			c.bus.EventRelease(env, c.listener)
			return
		}
	}
}

func (c *Consumer) handle(ctx context.Context, env *events.Envelope) (err error) {
	start := time.Now()
	defer c.bus.EventRelease(env, c.listener)
	defer func() {
		if r := recover(); r != nil {
			c.metrics.observePanic(c.listener.Name())
			observability.Log().Error("consumer: handler panic",
				observability.Listener(c.listener.Name()),
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
			err = nil
		}
		c.metrics.observeInvocation(c.listener.Name(), time.Since(start))
		if err != nil {
			c.mu.Lock()
			c.errors = append(c.errors, err)
			c.mu.Unlock()
		}
	}()
	return c.handler(ctx, env)
}
