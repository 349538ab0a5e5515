// Package guidance implements the two escalation paths available to a
// failing execution: consulting the planner for advice on a stuck work item
// and triggering a bounded replan of the original goal.
//
// Both managers speak to the rest of the runtime exclusively through the bus.
// A consult is a request/response round trip: a consult-marked plan request
// goes out, a planner guidance message comes back on the runtime queue. A
// replan is fire-and-forget: the replan request lands on the planner queue
// and the resulting plan flows through the normal pipeline.
package guidance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
	"goa.design/relay/runtime/bus/telemetry"
)

const (
	// DefaultConsultTimeout bounds a consult round trip when the request
	// does not carry its own timeout.
	DefaultConsultTimeout = 30 * time.Second

	// DefaultPollInterval is the sleep between guidance polls.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultMaxReplanDepth is how many replan rounds a goal gets before
	// the failure is reported to the user.
	DefaultMaxReplanDepth = 3
)

type (
	// Emitter places messages on the bus. The runtime router satisfies it.
	Emitter interface {
		Route(ctx context.Context, msg *bus.Message) error
	}

	// ConsultRequest asks the planner for guidance on a stuck work item.
	ConsultRequest struct {
		// WorkItemID identifies the stuck work item.
		WorkItemID string
		// FailureContext describes what went wrong, for the planner.
		FailureContext string
		// TraceID is the flow the work item belongs to. Required: the
		// guidance answer is correlated by it.
		TraceID string
		// Timeout bounds the round trip. Zero uses the manager default.
		Timeout time.Duration
	}

	// ConsultResult is the outcome of a consult round trip.
	ConsultResult struct {
		// Guidance is the planner's advice. Empty when Found is false.
		Guidance string
		// Found reports whether guidance arrived before the timeout.
		Found bool
	}

	// ConsultManager runs executor-to-planner consult round trips over the
	// bus.
	ConsultManager struct {
		store        bus.Store
		emitter      Emitter
		timeout      time.Duration
		pollInterval time.Duration
		leaseDur     time.Duration
		logger       telemetry.Logger
		events       audit.Bus
	}

	// ReplanOutcome reports what TriggerReplan did.
	ReplanOutcome string

	// ReplanRequest asks for a revised plan after a failure.
	ReplanRequest struct {
		// WorkItemID identifies the failing work item.
		WorkItemID string
		// OriginalGoal is the goal the failed plan was serving.
		OriginalGoal string
		// FailureHistory lists failed approaches, oldest first.
		FailureHistory []string
		// TraceID is the flow the goal belongs to.
		TraceID string
		// Depth is the number of replan rounds already spent on this goal.
		Depth int
	}

	// ReplanManager enqueues bounded-depth replan requests.
	ReplanManager struct {
		emitter  Emitter
		maxDepth int
		logger   telemetry.Logger
		events   audit.Bus
	}

	// Option configures a ConsultManager or a ReplanManager.
	Option func(*options)

	options struct {
		timeout      time.Duration
		pollInterval time.Duration
		leaseDur     time.Duration
		maxDepth     int
		logger       telemetry.Logger
		events       audit.Bus
	}
)

const (
	// ReplanDispatched means a replan request was routed to the planner.
	ReplanDispatched ReplanOutcome = "dispatched"
	// ReplanExhausted means the depth bound refused another round; the
	// caller must surface the failure to the user.
	ReplanExhausted ReplanOutcome = "exhausted"
)

// WithConsultTimeout overrides the default consult timeout.
func WithConsultTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithPollInterval overrides the guidance poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithLeaseDuration overrides the lease duration used for guidance claims.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.leaseDur = d }
}

// WithMaxDepth overrides the replan depth bound.
func WithMaxDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

// WithLogger overrides the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuditBus publishes consult and replan lifecycle events.
func WithAuditBus(b audit.Bus) Option {
	return func(o *options) { o.events = b }
}

func applyOptions(opts []Option) options {
	o := options{
		timeout:      DefaultConsultTimeout,
		pollInterval: DefaultPollInterval,
		leaseDur:     bus.DefaultLeaseDuration,
		maxDepth:     DefaultMaxReplanDepth,
		logger:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewConsultManager constructs a ConsultManager over the store and emitter.
func NewConsultManager(store bus.Store, emitter Emitter, opts ...Option) *ConsultManager {
	o := applyOptions(opts)
	return &ConsultManager{
		store:        store,
		emitter:      emitter,
		timeout:      o.timeout,
		pollInterval: o.pollInterval,
		leaseDur:     o.leaseDur,
		logger:       o.logger,
		events:       o.events,
	}
}

// Consult routes a consult-marked plan request and waits for the matching
// planner guidance on the runtime queue. The wait uses a filtered lease, so
// guidance and approvals of other traces sharing the queue are never touched.
// A timeout is not an error: the result simply reports no guidance and the
// caller decides how to proceed.
func (m *ConsultManager) Consult(ctx context.Context, req ConsultRequest) (ConsultResult, error) {
	if req.TraceID == "" {
		return ConsultResult{}, errors.New("trace id is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}

	msg := bus.NewMessage(bus.KindPlanRequest, bus.SenderExecutor, map[string]any{
		bus.PayloadKeyConsult:        true,
		bus.PayloadKeyPrompt:         consultPrompt(req),
		bus.PayloadKeyFailureContext: req.FailureContext,
	})
	msg.TraceID = req.TraceID
	msg.WorkItemID = req.WorkItemID
	if err := m.emitter.Route(ctx, msg); err != nil {
		return ConsultResult{}, fmt.Errorf("route consult request: %w", err)
	}
	m.logger.Info(ctx, "consult requested",
		"trace_id", req.TraceID,
		"work_item_id", req.WorkItemID,
	)
	if m.events != nil {
		if err := m.events.Publish(ctx, audit.NewConsultRequestedEvent(req.TraceID, req.WorkItemID, msg.ID)); err != nil {
			return ConsultResult{}, err
		}
	}

	filter := bus.Filter{Kind: bus.KindPlannerGuidance, TraceID: req.TraceID}
	deadline := time.Now().Add(timeout)
	for {
		answer, err := m.store.LeaseMatching(ctx, bus.QueueRuntime, m.leaseDur, filter)
		if err != nil {
			return ConsultResult{}, fmt.Errorf("poll guidance: %w", err)
		}
		if answer != nil {
			if err := m.store.Ack(ctx, answer.ID); err != nil {
				return ConsultResult{}, fmt.Errorf("ack guidance %s: %w", answer.ID, err)
			}
			m.logger.Info(ctx, "consult resolved", "trace_id", req.TraceID, "work_item_id", req.WorkItemID)
			if m.events != nil {
				if err := m.events.Publish(ctx, audit.NewConsultResolvedEvent(req.TraceID, req.WorkItemID, false)); err != nil {
					return ConsultResult{}, err
				}
			}
			return ConsultResult{Guidance: answer.PayloadString(bus.PayloadKeyGuidance), Found: true}, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ConsultResult{}, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}

	m.logger.Warn(ctx, "consult timed out", "trace_id", req.TraceID, "work_item_id", req.WorkItemID)
	if m.events != nil {
		if err := m.events.Publish(ctx, audit.NewConsultResolvedEvent(req.TraceID, req.WorkItemID, true)); err != nil {
			return ConsultResult{}, err
		}
	}
	return ConsultResult{}, nil
}

// NewReplanManager constructs a ReplanManager over the emitter.
func NewReplanManager(emitter Emitter, opts ...Option) *ReplanManager {
	o := applyOptions(opts)
	return &ReplanManager{
		emitter:  emitter,
		maxDepth: o.maxDepth,
		logger:   o.logger,
		events:   o.events,
	}
}

// MaxDepth returns the replan depth bound.
func (m *ReplanManager) MaxDepth() int { return m.maxDepth }

// TriggerReplan routes a replan request at depth Depth+1, or reports
// exhaustion when the depth bound is reached. Exhaustion is not an error:
// the caller must escalate the failure to the user.
func (m *ReplanManager) TriggerReplan(ctx context.Context, req ReplanRequest) (ReplanOutcome, error) {
	if req.Depth >= m.maxDepth {
		m.logger.Warn(ctx, "replan depth exhausted",
			"trace_id", req.TraceID,
			"work_item_id", req.WorkItemID,
			"depth", req.Depth,
		)
		if m.events != nil {
			if err := m.events.Publish(ctx, audit.NewReplanExhaustedEvent(req.TraceID, req.WorkItemID, req.Depth)); err != nil {
				return "", err
			}
		}
		return ReplanExhausted, nil
	}

	depth := req.Depth + 1
	msg := bus.NewMessage(bus.KindReplanRequest, bus.SenderRuntime, map[string]any{
		bus.PayloadKeyOriginalGoal:   req.OriginalGoal,
		bus.PayloadKeyFailureHistory: req.FailureHistory,
		bus.PayloadKeyReplanDepth:    depth,
	})
	msg.TraceID = req.TraceID
	msg.WorkItemID = req.WorkItemID
	if err := m.emitter.Route(ctx, msg); err != nil {
		return "", fmt.Errorf("route replan request: %w", err)
	}
	m.logger.Info(ctx, "replan dispatched",
		"trace_id", req.TraceID,
		"work_item_id", req.WorkItemID,
		"depth", depth,
	)
	if m.events != nil {
		if err := m.events.Publish(ctx, audit.NewReplanDispatchedEvent(req.TraceID, req.WorkItemID, depth)); err != nil {
			return "", err
		}
	}
	return ReplanDispatched, nil
}

// consultPrompt composes the planner prompt for a consult request.
func consultPrompt(req ConsultRequest) string {
	var b strings.Builder
	b.WriteString("An executor is stuck on a work item and needs guidance.\n")
	if req.WorkItemID != "" {
		fmt.Fprintf(&b, "Work item: %s\n", req.WorkItemID)
	}
	if req.FailureContext != "" {
		fmt.Fprintf(&b, "Failure: %s\n", req.FailureContext)
	}
	b.WriteString("Reply with concise, actionable guidance for retrying the work.")
	return b.String()
}
