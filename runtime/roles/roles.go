// Package roles defines the contracts the role consumers dispatch to. A
// role is an injected adapter, typically LLM-backed; consumers never know
// which provider implements it. Roles that need to place additional messages
// on the bus (a direct response, plan step execution requests) do so through
// the Emitter they were constructed with.
package roles

import (
	"context"

	"goa.design/relay/runtime/bus"
)

type (
	// Emitter places messages on the bus. The runtime router satisfies it.
	Emitter interface {
		Route(ctx context.Context, msg *bus.Message) error
	}

	// RouteTarget is the router role's verdict for a user turn.
	RouteTarget string

	// Turn is the context handed to the router role for a user turn.
	Turn struct {
		// Text is the user's message.
		Text string
		// TraceID correlates everything derived from this turn.
		TraceID string
		// ScopeID and Taint carry the permission scope and trust level of
		// the turn.
		ScopeID string
		Taint   bus.Taint
		// Metadata carries caller-provided extras from the bridge.
		Metadata map[string]any
		// Message is the full envelope for roles that need more context.
		Message *bus.Message
	}

	// RouteDecision is the router role's result.
	RouteDecision struct {
		// Target selects between answering directly and planning.
		Target RouteTarget
		// Reason is a free-form justification used for logs and audits.
		Reason string
	}

	// Router decides whether a turn is answered directly or planned. A
	// direct decision means the role has emitted (or will emit) the
	// response itself through its Emitter.
	Router interface {
		DecideRoute(ctx context.Context, turn Turn) (RouteDecision, error)
	}

	// PlanRequest is the context handed to the planner role.
	PlanRequest struct {
		// Prompt is the composed planning prompt: the goal, and for
		// replans the failure history and the instruction not to repeat
		// the failed approach.
		Prompt string
		// TraceID correlates the plan with its flow.
		TraceID string
		// Consult marks a consult round trip: the planner answers with
		// guidance instead of a full plan.
		Consult bool
		// IsReplan marks a replan request.
		IsReplan bool
		// ReplanDepth is the depth of the replan round, zero otherwise.
		ReplanDepth int
		// FailureHistory lists failures of prior approaches, newest last.
		FailureHistory []string
		// FailureContext describes the consult caller's immediate failure.
		FailureContext string
		// Research carries researched content to fold into the plan.
		Research string
		// WorkItemID links the request to a work item when one exists.
		WorkItemID string
		// Message is the full envelope.
		Message *bus.Message
	}

	// PlanAction is the planner role's result.
	PlanAction struct {
		// PlanMarkdown is the produced plan. Empty for pure guidance.
		PlanMarkdown string
		// Message is the user-facing summary or the consult guidance.
		Message string
	}

	// Planner produces plans, replans, and consult guidance. Plan step
	// execution requests are emitted through the role's Emitter.
	Planner interface {
		Plan(ctx context.Context, req PlanRequest) (PlanAction, error)
	}

	// ExecutionRequest is the context handed to the executor role.
	ExecutionRequest struct {
		// Task is the task statement.
		Task string
		// TraceID correlates the execution with its flow.
		TraceID string
		// Guidance carries planner guidance for a post-consult retry.
		Guidance string
		// Research marks a research run (read-only tool use, findings as
		// the result).
		Research bool
		// ToolAllowlist restricts tool use for this run.
		ToolAllowlist []string
		// WorkItem is the structured work item when the request carries one.
		WorkItem *bus.WorkItem
		// Message is the full envelope.
		Message *bus.Message
	}

	// ExecutionResult is the executor role's result. A role that cannot
	// even attempt the work returns an error instead; results describe
	// attempted work.
	ExecutionResult struct {
		// Summary describes what was done, or the research findings.
		Summary string
		// LastError is the failure of the final attempt, empty on success.
		LastError string
		// Stuck reports that the role cannot progress without guidance.
		Stuck bool
	}

	// Executor runs tasks and research requests.
	Executor interface {
		Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
	}

	// WorkItemExecutor runs structured work items. Executor consumers
	// configured with one delegate to it whenever the request payload
	// carries a work item.
	WorkItemExecutor interface {
		ExecuteWorkItem(ctx context.Context, item *bus.WorkItem, req ExecutionRequest) (ExecutionResult, error)
	}
)

const (
	// RouteDirect means the role answers the turn itself.
	RouteDirect RouteTarget = "direct"
	// RoutePlanner means the turn needs a plan.
	RoutePlanner RouteTarget = "planner"
)

// Status maps the result to the execution status it reports: stuck wins
// over failed, failed over done.
func (r ExecutionResult) Status() bus.ExecutionStatus {
	switch {
	case r.Stuck:
		return bus.StatusStuck
	case r.LastError != "":
		return bus.StatusFailed
	default:
		return bus.StatusDone
	}
}

// Failed reports whether the result describes an unsuccessful execution.
func (r ExecutionResult) Failed() bool {
	return r.Stuck || r.LastError != ""
}
