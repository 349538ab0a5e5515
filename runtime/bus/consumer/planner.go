package consumer

import (
	"context"
	"fmt"
	"strings"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/telemetry"
	"goa.design/relay/runtime/roles"
)

// plannerHandler dispatches planner-queue traffic. Plan requests become plan
// results or, for consult-marked requests, planner guidance on the runtime
// queue. Replan requests get a structured prompt that carries the failure
// history and forbids repeating a failed approach. Research results are
// folded back into planning.
type plannerHandler struct {
	role   roles.Planner
	logger telemetry.Logger
}

// NewPlannerConsumer constructs the consumer for the planner queue.
func NewPlannerConsumer(store bus.Store, emitter Emitter, role roles.Planner, opts ...Option) *Consumer {
	o := applyOptions(opts)
	h := &plannerHandler{role: role, logger: o.logger}
	return fromOptions(bus.QueuePlanner, store, emitter, h, o)
}

// Handle implements Handler.
func (h *plannerHandler) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	switch msg.Kind {
	case bus.KindPlanRequest:
		return h.plan(ctx, msg)
	case bus.KindReplanRequest:
		return h.replan(ctx, msg)
	case bus.KindResearchResult:
		return h.integrateResearch(ctx, msg)
	default:
		h.logger.Warn(ctx, "dropping message of unexpected kind",
			"message_id", msg.ID,
			"kind", string(msg.Kind),
			"queue", string(bus.QueuePlanner),
		)
		return nil, nil
	}
}

func (h *plannerHandler) plan(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req := roles.PlanRequest{
		Prompt:         promptOf(msg),
		TraceID:        msg.TraceID,
		Consult:        msg.PayloadBool(bus.PayloadKeyConsult),
		FailureContext: msg.PayloadString(bus.PayloadKeyFailureContext),
		WorkItemID:     msg.WorkItemID,
		Message:        msg,
	}
	action, err := h.role.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if req.Consult {
		// Consult answers go back to the waiting executor, not the UI.
		follow := bus.NewMessage(bus.KindPlannerGuidance, bus.SenderPlanner, map[string]any{
			bus.PayloadKeyGuidance: action.Message,
		})
		follow.WorkItemID = msg.WorkItemID
		return follow, nil
	}
	return planResult(msg, action), nil
}

func (h *plannerHandler) replan(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	depth := msg.PayloadInt(bus.PayloadKeyReplanDepth)
	history := msg.PayloadStrings(bus.PayloadKeyFailureHistory)
	goal := msg.PayloadString(bus.PayloadKeyOriginalGoal)
	req := roles.PlanRequest{
		Prompt:         replanPrompt(goal, history),
		TraceID:        msg.TraceID,
		IsReplan:       true,
		ReplanDepth:    depth,
		FailureHistory: history,
		WorkItemID:     msg.WorkItemID,
		Message:        msg,
	}
	action, err := h.role.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("replan (depth %d): %w", depth, err)
	}
	follow := planResult(msg, action)
	follow.Payload[bus.PayloadKeyIsReplan] = true
	follow.Payload[bus.PayloadKeyReplanDepth] = depth
	return follow, nil
}

func (h *plannerHandler) integrateResearch(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req := roles.PlanRequest{
		Prompt:     promptOf(msg),
		TraceID:    msg.TraceID,
		Research:   msg.PayloadString(bus.PayloadKeyContent),
		WorkItemID: msg.WorkItemID,
		Message:    msg,
	}
	action, err := h.role.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("integrate research: %w", err)
	}
	if action.PlanMarkdown == "" {
		h.logger.Debug(ctx, "research integrated without new plan", "trace_id", msg.TraceID)
		return nil, nil
	}
	return planResult(msg, action), nil
}

func planResult(msg *bus.Message, action roles.PlanAction) *bus.Message {
	follow := bus.NewMessage(bus.KindPlanResult, bus.SenderPlanner, map[string]any{
		bus.PayloadKeyPlanMarkdown: action.PlanMarkdown,
		bus.PayloadKeyMessage:      action.Message,
	})
	follow.WorkItemID = msg.WorkItemID
	return follow
}

func promptOf(msg *bus.Message) string {
	if p := msg.PayloadString(bus.PayloadKeyPrompt); p != "" {
		return p
	}
	return msg.PayloadString(bus.PayloadKeyGoal)
}

// replanPrompt composes the structured replan prompt: the original goal, the
// failure history oldest first, and the instruction not to repeat a failed
// approach.
func replanPrompt(goal string, history []string) string {
	var b strings.Builder
	b.WriteString("The current plan for this goal has failed and needs revision.\n")
	if goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", goal)
	}
	if len(history) > 0 {
		b.WriteString("Approaches that already failed, oldest first:\n")
		for _, f := range history {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("Produce a revised plan. Do not repeat any failed approach.")
	return b.String()
}
