// Package router assigns queues to messages and persists them. Routing is a
// static kind-to-queue table: message kinds are a closed vocabulary, so an
// unknown kind is a programming error and fails loudly rather than being
// silently parked.
package router

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

// ErrUnknownKind indicates a message whose kind has no table entry.
var ErrUnknownKind = errors.New("unroutable message kind")

type (
	// Table maps message kinds to destination queues.
	Table map[bus.Kind]bus.Queue

	// Router stamps identity onto messages and enqueues them on the queue
	// their kind maps to.
	Router struct {
		store   bus.Store
		table   Table
		schemas *bus.SchemaRegistry
		logger  telemetry.Logger
		metrics telemetry.Metrics
		events  audit.Bus
	}

	// Option configures a Router.
	Option func(*options)

	options struct {
		table   Table
		schemas *bus.SchemaRegistry
		logger  telemetry.Logger
		metrics telemetry.Metrics
		events  audit.Bus
	}
)

// DefaultTable returns the routing table for the full message vocabulary.
func DefaultTable() Table {
	return Table{
		bus.KindUserMessage:      bus.QueueRouter,
		bus.KindAgentResponse:    bus.QueueRouter,
		bus.KindExecutionStatus:  bus.QueueRouter,
		bus.KindPlanResult:       bus.QueueRouter,
		bus.KindApprovalRequest:  bus.QueueRouter,
		bus.KindSystemEvent:      bus.QueueRouter,
		bus.KindPlanRequest:      bus.QueuePlanner,
		bus.KindReplanRequest:    bus.QueuePlanner,
		bus.KindResearchResult:   bus.QueuePlanner,
		bus.KindExecutionRequest: bus.QueueExecutor,
		bus.KindResearchRequest:  bus.QueueExecutor,
		bus.KindPlannerGuidance:  bus.QueueRuntime,
		bus.KindApprovalResult:   bus.QueueRuntime,
	}
}

// WithTable overrides the routing table.
func WithTable(t Table) Option {
	return func(o *options) { o.table = t }
}

// WithSchemaRegistry enables payload validation for kinds registered in r.
func WithSchemaRegistry(r *bus.SchemaRegistry) Option {
	return func(o *options) { o.schemas = r }
}

// WithLogger overrides the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics overrides the no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuditBus publishes an audit event per routed message.
func WithAuditBus(b audit.Bus) Option {
	return func(o *options) { o.events = b }
}

// New constructs a Router over the store.
func New(store bus.Store, opts ...Option) *Router {
	o := options{
		table:   DefaultTable(),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Router{
		store:   store,
		table:   o.table,
		schemas: o.schemas,
		logger:  o.logger,
		metrics: o.metrics,
		events:  o.events,
	}
}

// Route assigns the queue for the message kind, stamps id and creation time
// when unset, validates the payload when a schema is registered for the
// kind, and enqueues. Unknown kinds return ErrUnknownKind.
func (r *Router) Route(ctx context.Context, msg *bus.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	queue, ok := r.table[msg.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	msg.Queue = queue
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if r.schemas != nil {
		if err := r.schemas.Validate(msg.Kind, msg.Payload); err != nil {
			return err
		}
	}
	if err := r.store.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", msg.Kind, queue, err)
	}
	r.metrics.IncCounter(telemetry.MetricEnqueued, 1, "queue", string(queue), "kind", string(msg.Kind))
	r.logger.Debug(ctx, "message routed",
		"message_id", msg.ID,
		"kind", string(msg.Kind),
		"queue", string(queue),
		"trace_id", msg.TraceID,
	)
	if r.events != nil {
		if err := r.events.Publish(ctx, audit.NewMessageEnqueuedEvent(msg)); err != nil {
			return fmt.Errorf("publish enqueue event: %w", err)
		}
	}
	return nil
}

// RouteWithTrace stamps the trace onto the message before routing it, tying
// follow-on traffic to the conversation that caused it.
func (r *Router) RouteWithTrace(ctx context.Context, msg *bus.Message, traceID string) error {
	if msg == nil {
		return errors.New("message is required")
	}
	msg.TraceID = traceID
	return r.Route(ctx, msg)
}

// QueueFor returns the queue the kind routes to.
func (r *Router) QueueFor(kind bus.Kind) (bus.Queue, bool) {
	q, ok := r.table[kind]
	return q, ok
}
