package main

import (
	"context"
	"fmt"
	"strings"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/roles"
)

// scriptedRoles is the keyless demo backend: deterministic router, planner
// and executor behavior with no model calls. Turns that look like multi-step
// work are planned and executed; everything else is answered directly.
type scriptedRoles struct {
	emitter roles.Emitter
}

func newScriptedRoles(emitter roles.Emitter) *scriptedRoles {
	return &scriptedRoles{emitter: emitter}
}

// DecideRoute implements roles.Router.
func (s *scriptedRoles) DecideRoute(ctx context.Context, turn roles.Turn) (roles.RouteDecision, error) {
	if needsPlan(turn.Text) {
		return roles.RouteDecision{Target: roles.RoutePlanner, Reason: "multi-step request"}, nil
	}
	resp := bus.NewMessage(bus.KindAgentResponse, bus.SenderRouter, map[string]any{
		bus.PayloadKeyText: fmt.Sprintf("Understood: %s", strings.TrimSpace(turn.Text)),
	})
	resp.TraceID = turn.TraceID
	if err := s.emitter.Route(ctx, resp); err != nil {
		return roles.RouteDecision{}, fmt.Errorf("emit direct response: %w", err)
	}
	return roles.RouteDecision{Target: roles.RouteDirect, Reason: "single-step request"}, nil
}

// Plan implements roles.Planner. Non-consult plans emit one execution
// request so the full loop runs end to end.
func (s *scriptedRoles) Plan(ctx context.Context, req roles.PlanRequest) (roles.PlanAction, error) {
	if req.Consult {
		return roles.PlanAction{
			Message: "Break the task into smaller steps and retry the first step only.",
		}, nil
	}

	task := strings.TrimSpace(req.Prompt)
	exec := bus.NewMessage(bus.KindExecutionRequest, bus.SenderPlanner, map[string]any{
		bus.PayloadKeyTask: task,
	})
	exec.TraceID = req.TraceID
	exec.WorkItemID = req.WorkItemID
	if err := s.emitter.Route(ctx, exec); err != nil {
		return roles.PlanAction{}, fmt.Errorf("emit execution request: %w", err)
	}

	plan := fmt.Sprintf("1. %s\n2. Verify the outcome", task)
	return roles.PlanAction{
		PlanMarkdown: plan,
		Message:      fmt.Sprintf("Planned one step for: %s", task),
	}, nil
}

// Execute implements roles.Executor.
func (s *scriptedRoles) Execute(ctx context.Context, req roles.ExecutionRequest) (roles.ExecutionResult, error) {
	if req.Research {
		return roles.ExecutionResult{
			Summary: fmt.Sprintf("Findings for %q: no external research available in scripted mode.", req.Task),
		}, nil
	}
	return roles.ExecutionResult{
		Summary: fmt.Sprintf("Completed: %s", req.Task),
	}, nil
}

// needsPlan is a crude multi-step detector good enough for the demo.
func needsPlan(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{" then ", " and then ", "plan ", "step"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(strings.Fields(text)) > 20
}
