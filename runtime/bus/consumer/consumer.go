// Package consumer implements the lease/process/ack lifecycle shared by all
// queue consumers and the three role-specific handlers (router, planner,
// executor) built on it.
//
// The base Consumer is a template: it leases the oldest available message,
// guards against redelivery through the idempotency ledger, enforces the
// attempt budget, and maps handler failures to nack or dead-letter based on
// the error taxonomy. Role behavior is a single Handle method injected at
// construction; handlers return at most one follow-on message, which the
// consumer routes with the triggering message's trace stamped on.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/agenterrors"
	"goa.design/relay/runtime/bus/audit"
	"goa.design/relay/runtime/bus/telemetry"
)

// DefaultMaxAttempts is the delivery attempt budget before a message is
// dead-lettered.
const DefaultMaxAttempts = 5

type (
	// Handler processes one leased message and optionally returns a
	// follow-on message for the consumer to route. Returned errors are
	// classified through the agenterrors taxonomy: retryable failures nack
	// the message, non-retryable failures dead-letter it.
	Handler interface {
		Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error)
	}

	// Emitter places follow-on messages on the bus. The runtime router
	// satisfies it.
	Emitter interface {
		Route(ctx context.Context, msg *bus.Message) error
		RouteWithTrace(ctx context.Context, msg *bus.Message, traceID string) error
	}

	// Consumer drives the lease/process/ack lifecycle for one queue.
	Consumer struct {
		queue       bus.Queue
		name        string
		store       bus.Store
		emitter     Emitter
		handler     Handler
		maxAttempts int
		leaseDur    time.Duration
		leaseFilter bus.Filter
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		events      audit.Bus
	}

	// Option configures a Consumer.
	Option func(*options)

	options struct {
		maxAttempts int
		leaseDur    time.Duration
		leaseFilter bus.Filter
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		events      audit.Bus
	}
)

// WithMaxAttempts overrides the delivery attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithLeaseDuration overrides the lease TTL. Handlers expected to run longer
// than a third of it are kept alive through heartbeats automatically.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.leaseDur = d }
}

// WithLeaseFilter restricts which messages the consumer leases. Used when a
// queue carries traffic reserved for another reader.
func WithLeaseFilter(f bus.Filter) Option {
	return func(o *options) { o.leaseFilter = f }
}

// WithLogger overrides the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics overrides the no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer overrides the no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithAuditBus publishes consumer lifecycle events.
func WithAuditBus(b audit.Bus) Option {
	return func(o *options) { o.events = b }
}

func applyOptions(opts []Option) options {
	o := options{
		maxAttempts: DefaultMaxAttempts,
		leaseDur:    bus.DefaultLeaseDuration,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New constructs a Consumer for the queue with the given handler. The
// consumer name, used as the idempotency ledger key, derives from the queue.
func New(queue bus.Queue, store bus.Store, emitter Emitter, handler Handler, opts ...Option) *Consumer {
	return fromOptions(queue, store, emitter, handler, applyOptions(opts))
}

func fromOptions(queue bus.Queue, store bus.Store, emitter Emitter, handler Handler, o options) *Consumer {
	return &Consumer{
		queue:       queue,
		name:        "consumer:" + string(queue),
		store:       store,
		emitter:     emitter,
		handler:     handler,
		maxAttempts: o.maxAttempts,
		leaseDur:    o.leaseDur,
		leaseFilter: o.leaseFilter,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      o.tracer,
		events:      o.events,
	}
}

// Name returns the consumer name used as the idempotency ledger key.
func (c *Consumer) Name() string { return c.name }

// Queue returns the queue the consumer reads.
func (c *Consumer) Queue() bus.Queue { return c.queue }

// PollOnce leases at most one message and runs it through the lifecycle.
// It reports whether any work was done so callers can back off on idle
// queues. Handler failures are absorbed into nack or dead-letter and do not
// surface as errors; only store failures do.
func (c *Consumer) PollOnce(ctx context.Context) (bool, error) {
	msg, err := c.store.LeaseMatching(ctx, c.queue, c.leaseDur, c.leaseFilter)
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", c.queue, err)
	}
	if msg == nil {
		return false, nil
	}

	processed, err := c.store.HasProcessed(ctx, c.name, msg.ID)
	if err != nil {
		// Release the lease so the check can be retried; the ledger read
		// failing must not strand the message until lease expiry.
		if nerr := c.store.Nack(ctx, msg.ID); nerr != nil {
			c.logger.Error(ctx, "nack after ledger failure", "message_id", msg.ID, "error", nerr.Error())
		}
		return true, fmt.Errorf("ledger check %s: %w", msg.ID, err)
	}
	if processed {
		if err := c.store.Ack(ctx, msg.ID); err != nil {
			return true, fmt.Errorf("ack duplicate %s: %w", msg.ID, err)
		}
		c.metrics.IncCounter(telemetry.MetricDuplicates, 1, "queue", string(c.queue))
		c.logger.Debug(ctx, "duplicate delivery skipped", "message_id", msg.ID, "consumer", c.name)
		if c.events != nil {
			if err := c.events.Publish(ctx, audit.NewDuplicateSkippedEvent(msg, c.name)); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	if msg.AttemptCount >= c.maxAttempts {
		reason := fmt.Sprintf("max_attempts_exceeded (%d)", msg.AttemptCount)
		return true, c.deadLetter(ctx, msg, reason)
	}

	ctx, span := c.tracer.Start(ctx, "consumer.process")
	defer span.End()
	span.AddEvent("message", "id", msg.ID, "kind", string(msg.Kind), "queue", string(c.queue))

	start := time.Now()
	stop := c.keepAlive(ctx, msg.ID)
	followOn, herr := c.handler.Handle(ctx, msg)
	stop()
	c.metrics.RecordTimer(telemetry.MetricHandlerLatency, time.Since(start),
		"queue", string(c.queue), "kind", string(msg.Kind))

	if herr != nil {
		span.RecordError(herr)
		if agenterrors.IsRetryable(herr) {
			return true, c.nack(ctx, msg, herr)
		}
		reason := herr.Error()
		if kind := agenterrors.KindOf(herr); kind != "" {
			reason = string(kind)
		}
		return true, c.deadLetter(ctx, msg, reason)
	}

	if err := c.store.MarkProcessed(ctx, c.name, msg.ID); err != nil {
		// The handler's side effects are done but the ledger does not know;
		// a redelivery would repeat them. Surface loudly instead of acking.
		return true, fmt.Errorf("mark processed %s: %w", msg.ID, err)
	}
	if err := c.store.Ack(ctx, msg.ID); err != nil {
		return true, fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	c.metrics.IncCounter(telemetry.MetricAcked, 1, "queue", string(c.queue), "kind", string(msg.Kind))
	c.logger.Debug(ctx, "message processed",
		"message_id", msg.ID,
		"kind", string(msg.Kind),
		"consumer", c.name,
	)
	// The follow-on routes before the audit publish so a failing subscriber
	// cannot strand a pipeline whose triggering message is already acked.
	if followOn != nil {
		if err := c.emitter.RouteWithTrace(ctx, followOn, msg.TraceID); err != nil {
			return true, fmt.Errorf("route follow-on for %s: %w", msg.ID, err)
		}
	}
	if c.events != nil {
		if err := c.events.Publish(ctx, audit.NewMessageAckedEvent(msg, c.name)); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (c *Consumer) nack(ctx context.Context, msg *bus.Message, cause error) error {
	if err := c.store.Nack(ctx, msg.ID); err != nil {
		return fmt.Errorf("nack %s: %w", msg.ID, err)
	}
	c.metrics.IncCounter(telemetry.MetricNacked, 1, "queue", string(c.queue), "kind", string(msg.Kind))
	c.logger.Warn(ctx, "message released for retry",
		"message_id", msg.ID,
		"kind", string(msg.Kind),
		"consumer", c.name,
		"attempt_count", msg.AttemptCount,
		"error", cause.Error(),
	)
	if c.events != nil {
		if err := c.events.Publish(ctx, audit.NewMessageNackedEvent(msg, c.name, cause.Error())); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg *bus.Message, reason string) error {
	if err := c.store.DeadLetter(ctx, msg.ID, reason); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	c.metrics.IncCounter(telemetry.MetricDeadLettered, 1, "queue", string(c.queue), "kind", string(msg.Kind))
	c.logger.Error(ctx, "message dead-lettered",
		"message_id", msg.ID,
		"kind", string(msg.Kind),
		"consumer", c.name,
		"reason", reason,
	)
	if c.events != nil {
		if err := c.events.Publish(ctx, audit.NewMessageDeadLetteredEvent(msg, c.name, reason)); err != nil {
			return err
		}
	}
	return nil
}

// keepAlive extends the message lease every third of its duration until the
// returned stop function is called, so long-running handlers do not lose
// their claim mid-flight.
func (c *Consumer) keepAlive(ctx context.Context, id string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.leaseDur / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.store.Heartbeat(ctx, id, c.leaseDur); err != nil {
					c.logger.Warn(ctx, "lease heartbeat failed", "message_id", id, "error", err.Error())
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
