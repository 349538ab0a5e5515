// Package orchestrator supervises the consumer poll loops and the
// lease-expiry sweep. It owns no message semantics: consumers decide what a
// message means, the orchestrator only decides when they get to run and when
// they stop.
//
// Stop is cooperative. Each loop checks for cancellation between polls, so a
// consumer mid-handler finishes its current message (preserving ack/ledger
// atomicity) before the loop unwinds; abandoned leases from a hard kill are
// reclaimed by the sweep after expiry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
	"goa.design/relay/runtime/bus/telemetry"
)

const (
	// DefaultIdleInterval is the sleep after an empty poll.
	DefaultIdleInterval = 50 * time.Millisecond

	// DefaultSweepInterval is how often lapsed leases are reclaimed.
	DefaultSweepInterval = 15 * time.Second
)

type (
	// Poller is one unit of supervised work, typically a consumer.
	Poller interface {
		// Name identifies the poller in logs.
		Name() string
		// PollOnce performs at most one unit of work and reports whether it
		// did any.
		PollOnce(ctx context.Context) (bool, error)
	}

	// Orchestrator runs one goroutine per poller plus the sweep loop.
	Orchestrator struct {
		store         bus.Store
		pollers       []Poller
		idleInterval  time.Duration
		sweepInterval time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		events        audit.Bus

		mu      sync.Mutex
		running bool
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}

	// Option configures an Orchestrator.
	Option func(*options)

	options struct {
		idleInterval  time.Duration
		sweepInterval time.Duration
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		events        audit.Bus
	}
)

// WithIdleInterval overrides the sleep after an empty poll.
func WithIdleInterval(d time.Duration) Option {
	return func(o *options) { o.idleInterval = d }
}

// WithSweepInterval overrides the lease-expiry sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithLogger overrides the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics overrides the no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuditBus publishes sweep events.
func WithAuditBus(b audit.Bus) Option {
	return func(o *options) { o.events = b }
}

// New constructs an Orchestrator supervising the given pollers.
func New(store bus.Store, pollers []Poller, opts ...Option) *Orchestrator {
	o := options{
		idleInterval:  DefaultIdleInterval,
		sweepInterval: DefaultSweepInterval,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Orchestrator{
		store:         store,
		pollers:       pollers,
		idleInterval:  o.idleInterval,
		sweepInterval: o.sweepInterval,
		logger:        o.logger,
		metrics:       o.metrics,
		events:        o.events,
	}
}

// Start reclaims lapsed leases left over from a previous run, then spawns
// one poll loop per poller plus the periodic sweep loop. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	if _, err := o.sweep(ctx); err != nil {
		return fmt.Errorf("startup lease sweep: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	for _, p := range o.pollers {
		o.wg.Add(1)
		go func(p Poller) {
			defer o.wg.Done()
			o.pollLoop(runCtx, p)
		}(p)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sweepLoop(runCtx)
	}()
	o.running = true
	o.logger.Info(ctx, "orchestrator started", "pollers", len(o.pollers))
	return nil
}

// Stop signals every loop and waits for them to settle. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.cancel()
	o.wg.Wait()
	o.running = false
	o.logger.Info(ctx, "orchestrator stopped")
	return nil
}

// Running reports whether the loops are live.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Name implements goa.design/clue/health.Pinger.
func (o *Orchestrator) Name() string { return "orchestrator" }

// Ping implements goa.design/clue/health.Pinger: healthy while running.
func (o *Orchestrator) Ping(context.Context) error {
	if !o.Running() {
		return errors.New("orchestrator is not running")
	}
	return nil
}

// pollLoop drives one poller until cancellation. Poll errors are logged and
// the loop keeps going: the consumer framework already mapped handler
// failures to nack or dead-letter, so whatever reaches here is a store or
// routing fault worth retrying.
func (o *Orchestrator) pollLoop(ctx context.Context, p Poller) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		worked, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error(ctx, "poll failed", "poller", p.Name(), "error", err.Error())
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.idleInterval):
		}
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.sweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error(ctx, "lease sweep failed", "error", err.Error())
			}
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) (int, error) {
	n, err := o.store.RequeueExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.metrics.IncCounter(telemetry.MetricLeaseExpired, float64(n))
		o.logger.Info(ctx, "expired leases requeued", "count", n)
		if o.events != nil {
			if err := o.events.Publish(ctx, audit.NewLeasesRequeuedEvent(n)); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}
