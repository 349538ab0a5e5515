package guidance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
	auditmem "goa.design/relay/runtime/bus/audit/inmem"
	"goa.design/relay/runtime/bus/inmem"
	busrouter "goa.design/relay/runtime/bus/router"
)

func TestConsultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	m := NewConsultManager(store, rt,
		WithConsultTimeout(2*time.Second),
		WithPollInterval(5*time.Millisecond),
	)

	// Answer the consult as soon as its request shows up on the planner
	// queue, the way the planner consumer would.
	go func() {
		for {
			req, err := store.LeaseMatching(ctx, bus.QueuePlanner, time.Minute, bus.Filter{
				Kind: bus.KindPlanRequest,
			})
			if err != nil || req == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			answer := bus.NewMessage(bus.KindPlannerGuidance, bus.SenderPlanner, map[string]any{
				bus.PayloadKeyGuidance: "split the file before parsing",
			})
			answer.TraceID = req.TraceID
			_ = rt.Route(ctx, answer)
			_ = store.Ack(ctx, req.ID)
			return
		}
	}()

	res, err := m.Consult(ctx, ConsultRequest{
		WorkItemID:     "wi-1",
		FailureContext: "parser ran out of memory",
		TraceID:        "trace-c1",
	})
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "split the file before parsing", res.Guidance)

	// The guidance answer was consumed by the manager.
	n, err := store.PendingCount(ctx, bus.QueueRuntime)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConsultRequestShape(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	m := NewConsultManager(store, rt,
		WithConsultTimeout(time.Millisecond),
		WithPollInterval(time.Millisecond),
	)

	_, err := m.Consult(ctx, ConsultRequest{
		WorkItemID:     "wi-2",
		FailureContext: "tool crashed",
		TraceID:        "trace-c2",
	})
	require.NoError(t, err)

	req, err := store.Lease(ctx, bus.QueuePlanner, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, bus.KindPlanRequest, req.Kind)
	require.True(t, req.PayloadBool(bus.PayloadKeyConsult))
	require.Equal(t, "trace-c2", req.TraceID)
	require.Equal(t, "wi-2", req.WorkItemID)
	require.Equal(t, "tool crashed", req.PayloadString(bus.PayloadKeyFailureContext))
	require.Contains(t, req.PayloadString(bus.PayloadKeyPrompt), "tool crashed")
}

func TestConsultTimeoutIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	trail := auditmem.New()
	events := audit.NewBus()
	_, err := events.Register(audit.NewTrailSubscriber(trail))
	require.NoError(t, err)

	m := NewConsultManager(store, rt,
		WithConsultTimeout(10*time.Millisecond),
		WithPollInterval(2*time.Millisecond),
		WithAuditBus(events),
	)

	res, err := m.Consult(ctx, ConsultRequest{TraceID: "trace-c3"})
	require.NoError(t, err)
	require.False(t, res.Found)
	require.Empty(t, res.Guidance)

	var timedOut bool
	for _, e := range trail.All() {
		if e.Type == audit.ConsultResolved && e.TraceID == "trace-c3" {
			timedOut = e.Detail["timed_out"] == true
		}
	}
	require.True(t, timedOut)
}

func TestConsultLeavesForeignTraffic(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	m := NewConsultManager(store, rt,
		WithConsultTimeout(10*time.Millisecond),
		WithPollInterval(2*time.Millisecond),
	)

	// Guidance of another trace and an approval of this trace share the
	// runtime queue; neither may be touched.
	other := bus.NewMessage(bus.KindPlannerGuidance, bus.SenderPlanner, map[string]any{
		bus.PayloadKeyGuidance: "for someone else",
	})
	other.TraceID = "trace-other"
	require.NoError(t, rt.Route(ctx, other))
	approval := bus.NewMessage(bus.KindApprovalResult, bus.SenderUser, nil)
	approval.TraceID = "trace-c4"
	require.NoError(t, rt.Route(ctx, approval))

	res, err := m.Consult(ctx, ConsultRequest{TraceID: "trace-c4"})
	require.NoError(t, err)
	require.False(t, res.Found)

	n, err := store.PendingCount(ctx, bus.QueueRuntime)
	require.NoError(t, err)
	require.Equal(t, 2, n, "foreign traffic is left on the queue")
}

func TestConsultRequiresTrace(t *testing.T) {
	store := inmem.New()
	m := NewConsultManager(store, busrouter.New(store))
	_, err := m.Consult(context.Background(), ConsultRequest{})
	require.Error(t, err)
}

func TestTriggerReplanDispatches(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	m := NewReplanManager(rt)

	outcome, err := m.TriggerReplan(ctx, ReplanRequest{
		WorkItemID:     "wi-5",
		OriginalGoal:   "import the dataset",
		FailureHistory: []string{"bulk insert deadlocked"},
		TraceID:        "trace-r1",
		Depth:          1,
	})
	require.NoError(t, err)
	require.Equal(t, ReplanDispatched, outcome)

	req, err := store.Lease(ctx, bus.QueuePlanner, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, bus.KindReplanRequest, req.Kind)
	require.Equal(t, "trace-r1", req.TraceID)
	require.Equal(t, 2, req.PayloadInt(bus.PayloadKeyReplanDepth))
	require.Equal(t, "import the dataset", req.PayloadString(bus.PayloadKeyOriginalGoal))
	require.Equal(t, []string{"bulk insert deadlocked"}, req.PayloadStrings(bus.PayloadKeyFailureHistory))
}

func TestTriggerReplanExhausted(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	rt := busrouter.New(store)
	trail := auditmem.New()
	events := audit.NewBus()
	_, err := events.Register(audit.NewTrailSubscriber(trail))
	require.NoError(t, err)

	m := NewReplanManager(rt, WithMaxDepth(2), WithAuditBus(events))
	require.Equal(t, 2, m.MaxDepth())

	outcome, err := m.TriggerReplan(ctx, ReplanRequest{
		TraceID: "trace-r2",
		Depth:   2,
	})
	require.NoError(t, err)
	require.Equal(t, ReplanExhausted, outcome)

	// Nothing was enqueued.
	n, err := store.PendingCount(ctx, bus.QueuePlanner)
	require.NoError(t, err)
	require.Zero(t, n)

	var exhausted bool
	for _, e := range trail.All() {
		if e.Type == audit.ReplanExhausted && e.TraceID == "trace-r2" {
			exhausted = true
		}
	}
	require.True(t, exhausted)
}
