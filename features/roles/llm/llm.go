// Package llm implements the three role contracts (router, planner,
// executor) on top of any chat completion backend. Providers contribute a
// Completer; the role logic — prompts, structured output parsing, direct
// response emission — lives here once instead of once per SDK.
//
// Structured outputs are requested as JSON. Models that answer in prose
// anyway degrade gracefully: the raw text becomes the answer, plan, or
// summary rather than an error, because a slightly off-format reply is still
// more useful than a nacked message.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/agenterrors"
	"goa.design/relay/runtime/roles"
)

// ErrThrottled marks a provider rate-limiting response. Providers wrap 429s
// and throttling codes with it so the rate-limit middleware can back off.
var ErrThrottled = errors.New("model throttled")

type (
	// Completer is the narrow completion surface a provider must offer.
	Completer interface {
		// Complete returns the model's text answer to the prompt under the
		// given system instruction.
		Complete(ctx context.Context, system, prompt string) (string, error)
	}

	// Emitter places messages on the bus. The runtime router satisfies it.
	Emitter interface {
		Route(ctx context.Context, msg *bus.Message) error
	}

	// Roles implements roles.Router, roles.Planner and roles.Executor over
	// a Completer.
	Roles struct {
		completer Completer
		emitter   Emitter
	}
)

// New constructs the LLM-backed roles. The emitter is required: the router
// role emits direct agent responses itself.
func New(completer Completer, emitter Emitter) (*Roles, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	return &Roles{completer: completer, emitter: emitter}, nil
}

const routerSystem = `You route user messages in an agent runtime.
Answer with a single JSON object: {"route": "direct" | "planner", "reason": "...", "answer": "..."}.
Use "direct" for questions you can answer immediately and put the full answer in "answer".
Use "planner" for multi-step work that needs a plan; leave "answer" empty.`

// DecideRoute implements roles.Router. A direct decision emits the agent
// response onto the bus before returning.
func (r *Roles) DecideRoute(ctx context.Context, turn roles.Turn) (roles.RouteDecision, error) {
	text, err := r.completer.Complete(ctx, routerSystem, turn.Text)
	if err != nil {
		return roles.RouteDecision{}, classify(err, "router")
	}

	var out struct {
		Route  string `json:"route"`
		Reason string `json:"reason"`
		Answer string `json:"answer"`
	}
	if !decodeJSON(text, &out) {
		// Prose reply: treat the whole text as a direct answer.
		out.Route = string(roles.RouteDirect)
		out.Answer = text
		out.Reason = "unstructured reply"
	}

	switch roles.RouteTarget(out.Route) {
	case roles.RoutePlanner:
		return roles.RouteDecision{Target: roles.RoutePlanner, Reason: out.Reason}, nil
	case roles.RouteDirect:
		answer := out.Answer
		if answer == "" {
			answer = out.Reason
		}
		resp := bus.NewMessage(bus.KindAgentResponse, bus.SenderRouter, map[string]any{
			bus.PayloadKeyText: answer,
		})
		resp.TraceID = turn.TraceID
		if err := r.emitter.Route(ctx, resp); err != nil {
			return roles.RouteDecision{}, fmt.Errorf("emit direct response: %w", err)
		}
		return roles.RouteDecision{Target: roles.RouteDirect, Reason: out.Reason}, nil
	default:
		return roles.RouteDecision{}, fmt.Errorf("router role returned unknown route %q", out.Route)
	}
}

const plannerSystem = `You plan work for an agent runtime.
Answer with a single JSON object: {"plan_markdown": "...", "message": "..."}.
"plan_markdown" is a numbered markdown plan; "message" is a one-paragraph summary for the user.`

const consultSystem = `You advise a stuck executor in an agent runtime.
Reply with concise, actionable guidance in plain text. No JSON, no plan.`

// Plan implements roles.Planner.
func (r *Roles) Plan(ctx context.Context, req roles.PlanRequest) (roles.PlanAction, error) {
	if req.Consult {
		text, err := r.completer.Complete(ctx, consultSystem, req.Prompt)
		if err != nil {
			return roles.PlanAction{}, classify(err, "planner")
		}
		return roles.PlanAction{Message: strings.TrimSpace(text)}, nil
	}

	prompt := req.Prompt
	if req.Research != "" {
		prompt = fmt.Sprintf("%s\n\nResearch findings to incorporate:\n%s", prompt, req.Research)
	}
	text, err := r.completer.Complete(ctx, plannerSystem, prompt)
	if err != nil {
		return roles.PlanAction{}, classify(err, "planner")
	}

	var out struct {
		PlanMarkdown string `json:"plan_markdown"`
		Message      string `json:"message"`
	}
	if !decodeJSON(text, &out) || out.PlanMarkdown == "" {
		out.PlanMarkdown = text
		out.Message = firstLine(text)
	}
	return roles.PlanAction{PlanMarkdown: out.PlanMarkdown, Message: out.Message}, nil
}

const executorSystem = `You execute one task in an agent runtime.
Answer with a single JSON object: {"summary": "...", "last_error": "...", "stuck": false}.
"summary" describes what was done. Set "last_error" if the attempt failed.
Set "stuck" to true only when you cannot progress without planner guidance.`

const researchSystem = `You research one question in an agent runtime using read-only tools.
Answer with a single JSON object: {"summary": "..."} where "summary" holds the findings.`

// Execute implements roles.Executor.
func (r *Roles) Execute(ctx context.Context, req roles.ExecutionRequest) (roles.ExecutionResult, error) {
	system := executorSystem
	if req.Research {
		system = researchSystem
	}
	prompt := req.Task
	if len(req.ToolAllowlist) > 0 {
		prompt = fmt.Sprintf("%s\n\nAllowed tools: %s", prompt, strings.Join(req.ToolAllowlist, ", "))
	}
	if req.Guidance != "" {
		prompt = fmt.Sprintf("%s\n\nPlanner guidance for this retry:\n%s", prompt, req.Guidance)
	}
	text, err := r.completer.Complete(ctx, system, prompt)
	if err != nil {
		return roles.ExecutionResult{}, classify(err, "executor")
	}

	var out struct {
		Summary   string `json:"summary"`
		LastError string `json:"last_error"`
		Stuck     bool   `json:"stuck"`
	}
	if !decodeJSON(text, &out) {
		out.Summary = text
	}
	return roles.ExecutionResult{Summary: out.Summary, LastError: out.LastError, Stuck: out.Stuck}, nil
}

// classify maps provider failures into the agent error taxonomy. Throttling
// and transport faults are retryable tool failures; the consumer framework
// nacks and the message gets another attempt.
func classify(err error, origin string) error {
	if errors.Is(err, ErrThrottled) {
		return agenterrors.Wrap(agenterrors.KindTimeout, origin, err)
	}
	return agenterrors.Wrap(agenterrors.KindToolFailure, origin, err)
}

// decodeJSON parses the model reply as a JSON object, tolerating markdown
// code fences and surrounding prose around the outermost object.
func decodeJSON(text string, out any) bool {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	return json.Unmarshal([]byte(text), out) == nil
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}
