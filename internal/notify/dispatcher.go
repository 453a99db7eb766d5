// internal/notify/dispatcher.go

// Package notify delivers borrower notifications off the request path.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"libralend/internal/lending"
	"libralend/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ lending.Notifier = (*Dispatcher)(nil)

// Sink performs the actual delivery.
type Sink interface {
	Deliver(ctx context.Context, n lending.Notification) error
}

// Dispatcher queues notifications and hands them to a Sink from a single
// worker. Notify never blocks: when the queue is full the notification is
// dropped and counted.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	queue   chan lending.Notification
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	delivered metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	meters metric.MeterProvider
}

// WithMeterProvider records the delivery counters on mp instead of the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meters = mp }
}

// NewDispatcher creates a dispatcher with room for size pending
// notifications. Call Start to begin delivery.
func NewDispatcher(sink Sink, size int, logger *slog.Logger, opts ...Option) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	o := options{meters: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.meters.Meter("libralend/notify")
	d := &Dispatcher{
		sink:    sink,
		logger:  observability.OrDefault(logger),
		queue:   make(chan lending.Notification, size),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	d.delivered = counter(meter, "notifications.delivered", "Notifications handed to the sink")
	d.failed = counter(meter, "notifications.failed", "Notifications the sink could not deliver")
	d.dropped = counter(meter, "notifications.dropped", "Notifications dropped because the queue was full")
	return d
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
	}
	return c
}

// Notify enqueues n. It is safe to call after Close; the notification is
// dropped.
func (d *Dispatcher) Notify(ctx context.Context, n lending.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kind := metric.WithAttributes(attribute.String("kind", n.Kind))
	if d.closed {
		d.add(ctx, d.dropped, kind)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.add(ctx, d.dropped, kind)
		d.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.String("kind", n.Kind),
			slog.String("request_id", n.RequestID.String()),
		)
	}
}

// Start runs the delivery worker until Close is called. Queued
// notifications are drained before it returns.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(context.WithoutCancel(ctx), n)
	}
}

// Close stops accepting notifications and waits for the worker to drain
// the queue or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n lending.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	kind := metric.WithAttributes(attribute.String("kind", n.Kind))
	if err := d.sink.Deliver(ctx, n); err != nil {
		d.add(ctx, d.failed, kind)
		d.logger.ErrorContext(ctx, "notification delivery failed",
			slog.String("kind", n.Kind),
			slog.String("request_id", n.RequestID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.add(ctx, d.delivered, kind)
}

func (d *Dispatcher) add(ctx context.Context, c metric.Int64Counter, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, opts...)
	}
}
