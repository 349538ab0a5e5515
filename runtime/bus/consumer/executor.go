package consumer

import (
	"context"
	"fmt"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/guidance"
	"goa.design/relay/runtime/bus/telemetry"
	"goa.design/relay/runtime/roles"
)

type (
	// Consulter obtains planner guidance for a stuck execution. The
	// guidance consult manager satisfies it.
	Consulter interface {
		Consult(ctx context.Context, req guidance.ConsultRequest) (guidance.ConsultResult, error)
	}

	// executorHandler dispatches executor-queue traffic. Execution requests
	// run through the executor role (or the work-item executor when the
	// payload carries a structured work item) and report an execution
	// status; research requests run the role in research mode and report a
	// research result to the planner.
	//
	// A failed or stuck execution whose request asks for consult_planner
	// escalation gets one consult round trip and, when guidance arrives,
	// one retry with the guidance folded in.
	executorHandler struct {
		role      roles.Executor
		workItems roles.WorkItemExecutor
		consulter Consulter
		logger    telemetry.Logger
	}

	// ExecutorOption configures the executor consumer beyond the base
	// consumer options.
	ExecutorOption func(*executorHandler)
)

// WithWorkItemExecutor delegates structured work items to e instead of the
// executor role.
func WithWorkItemExecutor(e roles.WorkItemExecutor) ExecutorOption {
	return func(h *executorHandler) { h.workItems = e }
}

// WithConsulter enables the consult-planner escalation for failed or stuck
// executions that request it.
func WithConsulter(c Consulter) ExecutorOption {
	return func(h *executorHandler) { h.consulter = c }
}

// NewExecutorConsumer constructs the consumer for the executor queue.
func NewExecutorConsumer(store bus.Store, emitter Emitter, role roles.Executor, execOpts []ExecutorOption, opts ...Option) *Consumer {
	o := applyOptions(opts)
	h := &executorHandler{role: role, logger: o.logger}
	for _, opt := range execOpts {
		opt(h)
	}
	return fromOptions(bus.QueueExecutor, store, emitter, h, o)
}

// Handle implements Handler.
func (h *executorHandler) Handle(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	switch msg.Kind {
	case bus.KindExecutionRequest:
		return h.execute(ctx, msg)
	case bus.KindResearchRequest:
		return h.research(ctx, msg)
	default:
		h.logger.Warn(ctx, "dropping message of unexpected kind",
			"message_id", msg.ID,
			"kind", string(msg.Kind),
			"queue", string(bus.QueueExecutor),
		)
		return nil, nil
	}
}

func (h *executorHandler) execute(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	item, hasItem := bus.WorkItemFromPayload(msg.Payload)
	req := roles.ExecutionRequest{
		Task:          taskOf(msg, item),
		TraceID:       msg.TraceID,
		ToolAllowlist: msg.PayloadStrings(bus.PayloadKeyToolAllowlist),
		WorkItem:      item,
		Message:       msg,
	}
	if hasItem && len(item.ToolAllowlist) > 0 {
		req.ToolAllowlist = item.ToolAllowlist
	}

	res, err := h.run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	workItemID := msg.WorkItemID
	if workItemID == "" && hasItem {
		workItemID = item.ID
	}

	if res.Failed() && onStuckOf(msg, item) == bus.OnStuckConsultPlanner && h.consulter != nil {
		res, err = h.consultAndRetry(ctx, req, res, workItemID)
		if err != nil {
			return nil, err
		}
	}

	status := res.Status()
	follow := bus.NewMessage(bus.KindExecutionStatus, bus.SenderExecutor, map[string]any{
		bus.PayloadKeyStatus:  string(status),
		bus.PayloadKeySummary: res.Summary,
	})
	if res.LastError != "" {
		follow.Payload[bus.PayloadKeyError] = res.LastError
	}
	follow.WorkItemID = workItemID
	follow.Urgency = bus.UrgencyInformational
	if res.Failed() {
		follow.Urgency = bus.UrgencyNeedsAttention
	}
	return follow, nil
}

// consultAndRetry runs one consult round trip for the failed execution and,
// when guidance arrives, one retry with the guidance folded into the request.
// A consult timeout or a retry that fails again leaves the failure to be
// reported; only the consult transport erroring surfaces as an error.
func (h *executorHandler) consultAndRetry(ctx context.Context, req roles.ExecutionRequest, failed roles.ExecutionResult, workItemID string) (roles.ExecutionResult, error) {
	cres, err := h.consulter.Consult(ctx, guidance.ConsultRequest{
		WorkItemID:     workItemID,
		FailureContext: failureContextOf(failed),
		TraceID:        req.TraceID,
	})
	if err != nil {
		return roles.ExecutionResult{}, fmt.Errorf("consult planner: %w", err)
	}
	if !cres.Found {
		h.logger.Warn(ctx, "consult yielded no guidance, reporting failure",
			"trace_id", req.TraceID,
			"work_item_id", workItemID,
		)
		return failed, nil
	}

	h.logger.Info(ctx, "retrying execution with planner guidance",
		"trace_id", req.TraceID,
		"work_item_id", workItemID,
	)
	req.Guidance = cres.Guidance
	retried, err := h.run(ctx, req)
	if err != nil {
		return roles.ExecutionResult{}, fmt.Errorf("execute retry: %w", err)
	}
	return retried, nil
}

func (h *executorHandler) research(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req := roles.ExecutionRequest{
		Task:          taskOf(msg, nil),
		TraceID:       msg.TraceID,
		Research:      true,
		ToolAllowlist: msg.PayloadStrings(bus.PayloadKeyToolAllowlist),
		Message:       msg,
	}
	res, err := h.role.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("research: %w", err)
	}
	follow := bus.NewMessage(bus.KindResearchResult, bus.SenderExecutor, map[string]any{
		bus.PayloadKeyContent: res.Summary,
		bus.PayloadKeyGoal:    req.Task,
	})
	follow.WorkItemID = msg.WorkItemID
	return follow, nil
}

func (h *executorHandler) run(ctx context.Context, req roles.ExecutionRequest) (roles.ExecutionResult, error) {
	if req.WorkItem != nil && h.workItems != nil {
		return h.workItems.ExecuteWorkItem(ctx, req.WorkItem, req)
	}
	return h.role.Execute(ctx, req)
}

func taskOf(msg *bus.Message, item *bus.WorkItem) string {
	if t := msg.PayloadString(bus.PayloadKeyTask); t != "" {
		return t
	}
	if t := msg.PayloadString(bus.PayloadKeyPrompt); t != "" {
		return t
	}
	if item != nil {
		return item.Description
	}
	return msg.PayloadString(bus.PayloadKeyGoal)
}

func onStuckOf(msg *bus.Message, item *bus.WorkItem) string {
	if item != nil && item.OnStuck != "" {
		return item.OnStuck
	}
	return msg.PayloadString(bus.PayloadKeyOnStuck)
}

func failureContextOf(res roles.ExecutionResult) string {
	if res.LastError != "" {
		return res.LastError
	}
	if res.Summary != "" {
		return "executor stuck: " + res.Summary
	}
	return "executor stuck without detail"
}
