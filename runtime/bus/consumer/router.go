package consumer

import (
	"context"
	"fmt"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
	"goa.design/relay/runtime/bus/telemetry"
	"goa.design/relay/runtime/roles"
)

// routerHandler dispatches router-queue traffic: user turns go to the router
// role for a route decision, execution statuses get their UI surfaces
// stamped, plan results are terminal, approval requests and system events are
// shown to the role informationally. Agent responses never reach it; the
// consumer's lease filter leaves them on the queue for the bridge.
type routerHandler struct {
	role   roles.Router
	logger telemetry.Logger
	events audit.Bus
}

// NewRouterConsumer constructs the consumer for the router queue.
func NewRouterConsumer(store bus.Store, emitter Emitter, role roles.Router, opts ...Option) *Consumer {
	o := applyOptions(opts)
	o.leaseFilter.ExcludeKinds = append(o.leaseFilter.ExcludeKinds, bus.KindAgentResponse)
	h := &routerHandler{role: role, logger: o.logger, events: o.events}
	return fromOptions(bus.QueueRouter, store, emitter, h, o)
}

// Handle implements Handler.
func (h *routerHandler) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	switch msg.Kind {
	case bus.KindUserMessage:
		return h.routeTurn(ctx, msg)
	case bus.KindExecutionStatus:
		return nil, h.surfaceStatus(ctx, msg)
	case bus.KindPlanResult:
		h.logger.Debug(ctx, "plan result ready",
			"trace_id", msg.TraceID,
			"is_replan", msg.PayloadBool(bus.PayloadKeyIsReplan),
		)
		return nil, nil
	case bus.KindApprovalRequest, bus.KindSystemEvent:
		return nil, h.informRole(ctx, msg)
	default:
		h.logger.Warn(ctx, "dropping message of unexpected kind",
			"message_id", msg.ID,
			"kind", string(msg.Kind),
			"queue", string(bus.QueueRouter),
		)
		return nil, nil
	}
}

func (h *routerHandler) routeTurn(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	turn := roles.Turn{
		Text:     msg.PayloadString(bus.PayloadKeyText),
		TraceID:  msg.TraceID,
		ScopeID:  msg.ScopeID,
		Taint:    msg.Taint,
		Metadata: metadataOf(msg),
		Message:  msg,
	}
	decision, err := h.role.DecideRoute(ctx, turn)
	if err != nil {
		return nil, fmt.Errorf("route decision: %w", err)
	}
	switch decision.Target {
	case roles.RouteDirect:
		// The role emitted the agent response itself.
		h.logger.Debug(ctx, "turn answered directly", "trace_id", msg.TraceID, "reason", decision.Reason)
		return nil, nil
	case roles.RoutePlanner:
		h.logger.Debug(ctx, "turn routed to planner", "trace_id", msg.TraceID, "reason", decision.Reason)
		follow := bus.NewMessage(bus.KindPlanRequest, bus.SenderRouter, map[string]any{
			bus.PayloadKeyGoal:   turn.Text,
			bus.PayloadKeyReason: decision.Reason,
		})
		follow.ScopeID = msg.ScopeID
		follow.Taint = msg.Taint
		if allow := msg.PayloadStrings(bus.PayloadKeyToolAllowlist); len(allow) > 0 {
			follow.Payload[bus.PayloadKeyToolAllowlist] = allow
		}
		return follow, nil
	default:
		return nil, fmt.Errorf("unknown route target %q", decision.Target)
	}
}

func (h *routerHandler) surfaceStatus(ctx context.Context, msg *bus.Message) error {
	status := bus.ExecutionStatus(msg.PayloadString(bus.PayloadKeyStatus))
	surfaces := bus.SurfaceStrings(bus.SurfacesFor(status))
	msg.Payload[bus.PayloadKeySurfaces] = surfaces
	h.logger.Info(ctx, "execution status surfaced",
		"trace_id", msg.TraceID,
		"status", string(status),
		"surfaces", surfaces,
	)
	if h.events != nil {
		return h.events.Publish(ctx, audit.NewStatusSurfacedEvent(msg, status, surfaces))
	}
	return nil
}

// informRole shows the message to the router role for context. The role's
// decision is discarded: approval requests and system events carry no route
// of their own and never produce follow-on traffic.
func (h *routerHandler) informRole(ctx context.Context, msg *bus.Message) error {
	turn := roles.Turn{
		Text:     msg.PayloadString(bus.PayloadKeyText),
		TraceID:  msg.TraceID,
		ScopeID:  msg.ScopeID,
		Taint:    msg.Taint,
		Metadata: metadataOf(msg),
		Message:  msg,
	}
	if _, err := h.role.DecideRoute(ctx, turn); err != nil {
		return fmt.Errorf("inform router role: %w", err)
	}
	h.logger.Debug(ctx, "message noted without follow-on",
		"trace_id", msg.TraceID,
		"kind", string(msg.Kind),
	)
	return nil
}

func metadataOf(msg *bus.Message) map[string]any {
	meta, _ := msg.Payload[bus.PayloadKeyMetadata].(map[string]any)
	return meta
}
