// Package bridge is the synchronous entry point into the runtime: hosts
// dispatch user turns and goals here and collect the correlated agent
// response by trace. Everything else flows asynchronously through the bus.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
	"goa.design/relay/runtime/bus/telemetry"
)

// DefaultPollInterval is the sleep between response polls.
const DefaultPollInterval = 100 * time.Millisecond

type (
	// Router places messages on the bus. The runtime router satisfies it.
	Router interface {
		Route(ctx context.Context, msg *bus.Message) error
	}

	// Turn is one user conversational turn.
	Turn struct {
		// Text is the user's message. Required.
		Text string
		// TraceID correlates the turn with its response. Assigned when
		// empty.
		TraceID string
		// ScopeID names the permission scope the turn executes under.
		ScopeID string
		// Taint is the trust level of the turn content. Defaults to owner:
		// turns enter through the host, which speaks for the account owner.
		Taint bus.Taint
		// ToolAllowlist restricts tool use for work derived from the turn.
		ToolAllowlist []string
		// Urgency hints at surfacing priority for derived messages.
		Urgency bus.Urgency
		// Metadata carries host-specific extras opaque to the runtime.
		Metadata map[string]any
	}

	// Goal is an autonomous unit of work dispatched by a scheduler rather
	// than a user turn.
	Goal struct {
		// ID identifies the goal in the host's scheduler.
		ID string
		// Description is the goal statement handed to the planner. Required.
		Description string
		// TraceID correlates the goal's flow. Assigned when empty.
		TraceID string
	}

	// Bridge dispatches turns and goals and collects responses.
	Bridge struct {
		store        bus.Store
		router       Router
		pollInterval time.Duration
		leaseDur     time.Duration
		logger       telemetry.Logger
		events       audit.Bus
	}

	// Option configures a Bridge.
	Option func(*options)

	options struct {
		pollInterval time.Duration
		leaseDur     time.Duration
		logger       telemetry.Logger
		events       audit.Bus
	}
)

// WithPollInterval overrides the response poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithLeaseDuration overrides the lease duration used for response claims.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.leaseDur = d }
}

// WithLogger overrides the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuditBus publishes dispatch and collection events.
func WithAuditBus(b audit.Bus) Option {
	return func(o *options) { o.events = b }
}

// New constructs a Bridge over the store and router.
func New(store bus.Store, router Router, opts ...Option) *Bridge {
	o := options{
		pollInterval: DefaultPollInterval,
		leaseDur:     bus.DefaultLeaseDuration,
		logger:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bridge{
		store:        store,
		router:       router,
		pollInterval: o.pollInterval,
		leaseDur:     o.leaseDur,
		logger:       o.logger,
		events:       o.events,
	}
}

// DispatchTurn wraps the turn in a user message and routes it. It returns
// the trace id to collect the response with; it does not wait for one.
func (b *Bridge) DispatchTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.Text == "" {
		return "", errors.New("turn text is required")
	}
	traceID := turn.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	payload := map[string]any{bus.PayloadKeyText: turn.Text}
	if len(turn.Metadata) > 0 {
		payload[bus.PayloadKeyMetadata] = turn.Metadata
	}
	if len(turn.ToolAllowlist) > 0 {
		payload[bus.PayloadKeyToolAllowlist] = turn.ToolAllowlist
	}
	msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, payload)
	msg.TraceID = traceID
	msg.ScopeID = turn.ScopeID
	msg.Taint = turn.Taint
	if msg.Taint == "" {
		msg.Taint = bus.TaintOwner
	}
	msg.Urgency = turn.Urgency

	if err := b.router.Route(ctx, msg); err != nil {
		return "", fmt.Errorf("dispatch turn: %w", err)
	}
	b.logger.Info(ctx, "turn dispatched", "trace_id", traceID, "message_id", msg.ID)
	if b.events != nil {
		if err := b.events.Publish(ctx, audit.NewTurnDispatchedEvent(traceID, msg.ID)); err != nil {
			return "", err
		}
	}
	return traceID, nil
}

// DispatchGoal wraps the goal in an autonomous plan request and routes it to
// the planner. It returns the trace id of the goal's flow.
func (b *Bridge) DispatchGoal(ctx context.Context, goal Goal) (string, error) {
	if goal.Description == "" {
		return "", errors.New("goal description is required")
	}
	traceID := goal.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	msg := bus.NewMessage(bus.KindPlanRequest, bus.SenderRuntime, map[string]any{
		bus.PayloadKeyGoal:       goal.Description,
		bus.PayloadKeyGoalID:     goal.ID,
		bus.PayloadKeyAutonomous: true,
	})
	msg.TraceID = traceID

	if err := b.router.Route(ctx, msg); err != nil {
		return "", fmt.Errorf("dispatch goal: %w", err)
	}
	b.logger.Info(ctx, "goal dispatched", "trace_id", traceID, "goal_id", goal.ID)
	if b.events != nil {
		if err := b.events.Publish(ctx, audit.NewGoalDispatchedEvent(traceID, msg.ID)); err != nil {
			return "", err
		}
	}
	return traceID, nil
}

// CollectResponse waits for the agent response of the trace on the router
// queue, acks it, and returns it. The wait uses a filtered lease so messages
// of other traces and kinds are never disturbed. A timeout returns (nil,
// nil): no response is not an error, the host decides what to show. Zero
// timeout polls exactly once.
func (b *Bridge) CollectResponse(ctx context.Context, traceID string, timeout time.Duration) (*bus.Message, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	filter := bus.Filter{Kind: bus.KindAgentResponse, TraceID: traceID}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		msg, err := b.store.LeaseMatching(ctx, bus.QueueRouter, b.leaseDur, filter)
		if err != nil {
			return nil, fmt.Errorf("poll response: %w", err)
		}
		if msg != nil {
			if err := b.store.Ack(ctx, msg.ID); err != nil {
				return nil, fmt.Errorf("ack response %s: %w", msg.ID, err)
			}
			b.logger.Debug(ctx, "response collected", "trace_id", traceID, "message_id", msg.ID)
			if b.events != nil {
				if err := b.events.Publish(ctx, audit.NewResponseCollectedEvent(traceID, msg.ID, time.Since(start), false)); err != nil {
					return nil, err
				}
			}
			return msg, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		wait := b.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	b.logger.Warn(ctx, "response wait timed out", "trace_id", traceID, "timeout", timeout.String())
	if b.events != nil {
		if err := b.events.Publish(ctx, audit.NewResponseCollectedEvent(traceID, "", time.Since(start), true)); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
