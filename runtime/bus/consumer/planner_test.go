package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/inmem"
	busrouter "goa.design/relay/runtime/bus/router"
	"goa.design/relay/runtime/roles"
)

// stubPlannerRole records requests and answers from a canned action.
type stubPlannerRole struct {
	action roles.PlanAction
	reqs   []roles.PlanRequest
}

func (r *stubPlannerRole) Plan(_ context.Context, req roles.PlanRequest) (roles.PlanAction, error) {
	r.reqs = append(r.reqs, req)
	return r.action, nil
}

func TestPlannerConsumerPlanRequest(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	role := &stubPlannerRole{action: roles.PlanAction{
		PlanMarkdown: "1. do the thing",
		Message:      "one-step plan",
	}}
	c := NewPlannerConsumer(store, rt, role)

	req := bus.NewMessage(bus.KindPlanRequest, bus.SenderRouter, map[string]any{
		bus.PayloadKeyGoal: "ship the feature",
	})
	req.TraceID = "trace-p1"
	require.NoError(t, rt.Route(ctx, req))

	worked, err := c.PollOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	require.Len(t, role.reqs, 1)
	require.Equal(t, "ship the feature", role.reqs[0].Prompt)
	require.False(t, role.reqs[0].Consult)

	result, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, bus.KindPlanResult, result.Kind)
	require.Equal(t, "trace-p1", result.TraceID)
	require.Equal(t, "1. do the thing", result.PayloadString(bus.PayloadKeyPlanMarkdown))
	require.Equal(t, "one-step plan", result.PayloadString(bus.PayloadKeyMessage))
}

func TestPlannerConsumerConsultAnswersOnRuntimeQueue(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	role := &stubPlannerRole{action: roles.PlanAction{
		Message: "retry with a smaller batch",
	}}
	c := NewPlannerConsumer(store, rt, role)

	req := bus.NewMessage(bus.KindPlanRequest, bus.SenderExecutor, map[string]any{
		bus.PayloadKeyConsult:        true,
		bus.PayloadKeyPrompt:         "executor stuck",
		bus.PayloadKeyFailureContext: "connection_timeout",
	})
	req.TraceID = "trace-consult"
	req.WorkItemID = "wi-1"
	require.NoError(t, rt.Route(ctx, req))

	worked, err := c.PollOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	require.Len(t, role.reqs, 1)
	require.True(t, role.reqs[0].Consult)
	require.Equal(t, "connection_timeout", role.reqs[0].FailureContext)

	guidance, err := store.Lease(ctx, bus.QueueRuntime, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, guidance)
	require.Equal(t, bus.KindPlannerGuidance, guidance.Kind)
	require.Equal(t, "trace-consult", guidance.TraceID)
	require.Equal(t, "wi-1", guidance.WorkItemID)
	require.Equal(t, "retry with a smaller batch", guidance.PayloadString(bus.PayloadKeyGuidance))

	// No plan result was produced for a consult.
	n, err := store.PendingCount(ctx, bus.QueueRouter)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPlannerConsumerReplanRequest(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	role := &stubPlannerRole{action: roles.PlanAction{
		PlanMarkdown: "1. different approach",
		Message:      "revised plan",
	}}
	c := NewPlannerConsumer(store, rt, role)

	req := bus.NewMessage(bus.KindReplanRequest, bus.SenderRuntime, map[string]any{
		bus.PayloadKeyOriginalGoal:   "migrate the database",
		bus.PayloadKeyFailureHistory: []string{"in-place migration locked the table"},
		bus.PayloadKeyReplanDepth:    2,
	})
	req.TraceID = "trace-replan"
	require.NoError(t, rt.Route(ctx, req))

	worked, err := c.PollOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	require.Len(t, role.reqs, 1)
	pr := role.reqs[0]
	require.True(t, pr.IsReplan)
	require.Equal(t, 2, pr.ReplanDepth)
	require.Equal(t, []string{"in-place migration locked the table"}, pr.FailureHistory)
	require.Contains(t, pr.Prompt, "migrate the database")
	require.Contains(t, pr.Prompt, "in-place migration locked the table")
	require.Contains(t, pr.Prompt, "Do not repeat any failed approach.")

	result, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, bus.KindPlanResult, result.Kind)
	require.True(t, result.PayloadBool(bus.PayloadKeyIsReplan))
	require.Equal(t, 2, result.PayloadInt(bus.PayloadKeyReplanDepth))
}

func TestPlannerConsumerIntegratesResearch(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	role := &stubPlannerRole{action: roles.PlanAction{
		PlanMarkdown: "1. plan built on findings",
		Message:      "researched plan",
	}}
	c := NewPlannerConsumer(store, rt, role)

	res := bus.NewMessage(bus.KindResearchResult, bus.SenderExecutor, map[string]any{
		bus.PayloadKeyContent: "the API supports batch writes",
		bus.PayloadKeyGoal:    "speed up ingestion",
	})
	res.TraceID = "trace-research"
	require.NoError(t, rt.Route(ctx, res))

	worked, err := c.PollOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	require.Len(t, role.reqs, 1)
	require.Equal(t, "the API supports batch writes", role.reqs[0].Research)

	result, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, bus.KindPlanResult, result.Kind)
}

func TestPlannerConsumerResearchWithoutPlanIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	role := &stubPlannerRole{action: roles.PlanAction{Message: "noted"}}
	c := NewPlannerConsumer(store, rt, role)

	res := bus.NewMessage(bus.KindResearchResult, bus.SenderExecutor, map[string]any{
		bus.PayloadKeyContent: "nothing actionable",
	})
	require.NoError(t, rt.Route(ctx, res))

	worked, err := c.PollOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	n, err := store.PendingCount(ctx, bus.QueueRouter)
	require.NoError(t, err)
	require.Zero(t, n, "no plan result without a plan")
}
