package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/agenterrors"
	"goa.design/relay/runtime/bus/inmem"
	busrouter "goa.design/relay/runtime/bus/router"
	"goa.design/relay/runtime/roles"
)

// stubCompleter returns a canned reply and records the last call.
type stubCompleter struct {
	reply  string
	err    error
	system string
	prompt string
}

func (c *stubCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	c.system = system
	c.prompt = prompt
	return c.reply, c.err
}

func newRoles(t *testing.T, c Completer) (*Roles, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	r, err := New(c, busrouter.New(store))
	require.NoError(t, err)
	return r, store
}

func TestNewRequiresCompleterAndEmitter(t *testing.T) {
	_, err := New(nil, busrouter.New(inmem.New()))
	require.Error(t, err)
	_, err = New(&stubCompleter{}, nil)
	require.Error(t, err)
}

func TestDecideRouteDirectEmitsResponse(t *testing.T) {
	ctx := context.Background()
	c := &stubCompleter{reply: `{"route": "direct", "reason": "simple question", "answer": "Paris"}`}
	r, store := newRoles(t, c)

	dec, err := r.DecideRoute(ctx, roles.Turn{Text: "capital of France?", TraceID: "t1"})
	require.NoError(t, err)
	require.Equal(t, roles.RouteDirect, dec.Target)
	require.Equal(t, "simple question", dec.Reason)
	require.Equal(t, "capital of France?", c.prompt)

	msg, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, bus.KindAgentResponse, msg.Kind)
	require.Equal(t, "t1", msg.TraceID)
	require.Equal(t, "Paris", msg.PayloadString(bus.PayloadKeyText))
}

func TestDecideRoutePlanner(t *testing.T) {
	c := &stubCompleter{reply: `{"route": "planner", "reason": "needs several steps"}`}
	r, store := newRoles(t, c)

	dec, err := r.DecideRoute(context.Background(), roles.Turn{Text: "migrate the cluster"})
	require.NoError(t, err)
	require.Equal(t, roles.RoutePlanner, dec.Target)

	// The planner decision emits nothing; the consumer routes the plan request.
	n, err := store.PendingCount(context.Background(), bus.QueueRouter)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDecideRouteProseFallsBackToDirect(t *testing.T) {
	ctx := context.Background()
	c := &stubCompleter{reply: "The capital of France is Paris."}
	r, store := newRoles(t, c)

	dec, err := r.DecideRoute(ctx, roles.Turn{Text: "capital of France?", TraceID: "t2"})
	require.NoError(t, err)
	require.Equal(t, roles.RouteDirect, dec.Target)

	msg, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "The capital of France is Paris.", msg.PayloadString(bus.PayloadKeyText))
}

func TestDecideRouteFencedJSON(t *testing.T) {
	c := &stubCompleter{reply: "```json\n{\"route\": \"planner\", \"reason\": \"multi-step\"}\n```"}
	r, _ := newRoles(t, c)

	dec, err := r.DecideRoute(context.Background(), roles.Turn{Text: "do the thing"})
	require.NoError(t, err)
	require.Equal(t, roles.RoutePlanner, dec.Target)
}

func TestDecideRouteUnknownRoute(t *testing.T) {
	c := &stubCompleter{reply: `{"route": "sideways"}`}
	r, _ := newRoles(t, c)
	_, err := r.DecideRoute(context.Background(), roles.Turn{Text: "hm"})
	require.Error(t, err)
}

func TestDecideRouteThrottledClassifiesAsTimeout(t *testing.T) {
	c := &stubCompleter{err: ErrThrottled}
	r, _ := newRoles(t, c)

	_, err := r.DecideRoute(context.Background(), roles.Turn{Text: "hi"})
	require.Error(t, err)
	require.Equal(t, agenterrors.KindTimeout, agenterrors.KindOf(err))
	require.True(t, agenterrors.IsRetryable(err))
}

func TestDecideRouteProviderErrorIsRetryable(t *testing.T) {
	c := &stubCompleter{err: errors.New("connection reset")}
	r, _ := newRoles(t, c)

	_, err := r.DecideRoute(context.Background(), roles.Turn{Text: "hi"})
	require.Error(t, err)
	require.Equal(t, agenterrors.KindToolFailure, agenterrors.KindOf(err))
	require.True(t, agenterrors.IsRetryable(err))
}

func TestPlanStructured(t *testing.T) {
	c := &stubCompleter{reply: `{"plan_markdown": "1. dump\n2. restore", "message": "two steps"}`}
	r, _ := newRoles(t, c)

	act, err := r.Plan(context.Background(), roles.PlanRequest{Prompt: "migrate the db"})
	require.NoError(t, err)
	require.Equal(t, "1. dump\n2. restore", act.PlanMarkdown)
	require.Equal(t, "two steps", act.Message)
}

func TestPlanProseFallback(t *testing.T) {
	c := &stubCompleter{reply: "First dump the database.\nThen restore it."}
	r, _ := newRoles(t, c)

	act, err := r.Plan(context.Background(), roles.PlanRequest{Prompt: "migrate the db"})
	require.NoError(t, err)
	require.Equal(t, "First dump the database.\nThen restore it.", act.PlanMarkdown)
	require.Equal(t, "First dump the database.", act.Message)
}

func TestPlanIncludesResearch(t *testing.T) {
	c := &stubCompleter{reply: `{"plan_markdown": "1. go", "message": "ok"}`}
	r, _ := newRoles(t, c)

	_, err := r.Plan(context.Background(), roles.PlanRequest{
		Prompt:   "index the corpus",
		Research: "the corpus is 40GB of PDFs",
	})
	require.NoError(t, err)
	require.Contains(t, c.prompt, "index the corpus")
	require.Contains(t, c.prompt, "the corpus is 40GB of PDFs")
}

func TestPlanConsultIsPlainText(t *testing.T) {
	c := &stubCompleter{reply: "  Retry with a smaller batch size.  "}
	r, _ := newRoles(t, c)

	act, err := r.Plan(context.Background(), roles.PlanRequest{
		Consult: true,
		Prompt:  "executor stuck on bulk insert",
	})
	require.NoError(t, err)
	require.Equal(t, "Retry with a smaller batch size.", act.Message)
	require.Empty(t, act.PlanMarkdown)
	require.Equal(t, consultSystem, c.system)
}

func TestExecuteStructured(t *testing.T) {
	c := &stubCompleter{reply: `{"summary": "table created", "last_error": "", "stuck": false}`}
	r, _ := newRoles(t, c)

	res, err := r.Execute(context.Background(), roles.ExecutionRequest{Task: "create the table"})
	require.NoError(t, err)
	require.Equal(t, "table created", res.Summary)
	require.Empty(t, res.LastError)
	require.False(t, res.Stuck)
	require.Equal(t, executorSystem, c.system)
}

func TestExecuteStuckWithError(t *testing.T) {
	c := &stubCompleter{reply: `{"summary": "", "last_error": "permission denied", "stuck": true}`}
	r, _ := newRoles(t, c)

	res, err := r.Execute(context.Background(), roles.ExecutionRequest{Task: "write the file"})
	require.NoError(t, err)
	require.Equal(t, "permission denied", res.LastError)
	require.True(t, res.Stuck)
}

func TestExecutePromptCarriesAllowlistAndGuidance(t *testing.T) {
	c := &stubCompleter{reply: `{"summary": "done"}`}
	r, _ := newRoles(t, c)

	_, err := r.Execute(context.Background(), roles.ExecutionRequest{
		Task:          "fetch the page",
		ToolAllowlist: []string{"http", "fs"},
		Guidance:      "use the mirror host",
	})
	require.NoError(t, err)
	require.Contains(t, c.prompt, "fetch the page")
	require.Contains(t, c.prompt, "http, fs")
	require.Contains(t, c.prompt, "use the mirror host")
}

func TestExecuteResearchUsesResearchSystem(t *testing.T) {
	c := &stubCompleter{reply: `{"summary": "three candidate libraries found"}`}
	r, _ := newRoles(t, c)

	res, err := r.Execute(context.Background(), roles.ExecutionRequest{
		Task:     "compare queue libraries",
		Research: true,
	})
	require.NoError(t, err)
	require.Equal(t, "three candidate libraries found", res.Summary)
	require.Equal(t, researchSystem, c.system)
}

func TestExecuteThrottled(t *testing.T) {
	c := &stubCompleter{err: ErrThrottled}
	r, _ := newRoles(t, c)

	_, err := r.Execute(context.Background(), roles.ExecutionRequest{Task: "anything"})
	require.Error(t, err)
	require.Equal(t, agenterrors.KindTimeout, agenterrors.KindOf(err))
}
