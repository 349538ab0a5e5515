package inmem

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/relay/runtime/bus"
)

// TestLeaseOrderProperty verifies that draining a queue always yields strict
// CreatedAt order with insertion order breaking ties, for any mix of
// creation times.
func TestLeaseOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("drain order is (created_at, insertion) ascending", prop.ForAll(
		func(offsets []int) bool {
			if len(offsets) == 0 {
				return true
			}
			ctx := context.Background()
			store := New()
			base := time.Now().UTC()

			type slot struct {
				id     string
				offset int
				index  int
			}
			slots := make([]slot, len(offsets))
			for i, off := range offsets {
				msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
				msg.Queue = bus.QueueRouter
				msg.CreatedAt = base.Add(time.Duration(off) * time.Second)
				if err := store.Enqueue(ctx, msg); err != nil {
					return false
				}
				slots[i] = slot{id: msg.ID, offset: off, index: i}
			}

			sort.SliceStable(slots, func(a, b int) bool {
				return slots[a].offset < slots[b].offset
			})

			for _, want := range slots {
				got, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
				if err != nil || got == nil || got.ID != want.id {
					return false
				}
			}
			got, err := store.Lease(ctx, bus.QueueRouter, time.Minute)
			return err == nil && got == nil
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

// TestLeaseExclusivityProperty verifies that repeated leases never hand the
// same message to two holders.
func TestLeaseExclusivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every lease yields a distinct message", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			store := New()
			for range n {
				msg := bus.NewMessage(bus.KindExecutionRequest, bus.SenderPlanner, nil)
				msg.Queue = bus.QueueExecutor
				if err := store.Enqueue(ctx, msg); err != nil {
					return false
				}
			}

			seen := make(map[string]bool, n)
			for range n {
				got, err := store.Lease(ctx, bus.QueueExecutor, time.Minute)
				if err != nil || got == nil || seen[got.ID] {
					return false
				}
				seen[got.ID] = true
			}
			got, err := store.Lease(ctx, bus.QueueExecutor, time.Minute)
			return err == nil && got == nil
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

// TestNackRetryProperty verifies that any number of nacks keeps a message
// leasable with an attempt count equal to the number of nacks.
func TestNackRetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("attempt_count equals completed nacks", prop.ForAll(
		func(nacks int) bool {
			ctx := context.Background()
			store := New()
			msg := bus.NewMessage(bus.KindPlanRequest, bus.SenderRouter, nil)
			msg.Queue = bus.QueuePlanner
			if err := store.Enqueue(ctx, msg); err != nil {
				return false
			}

			for i := range nacks {
				got, err := store.Lease(ctx, bus.QueuePlanner, time.Minute)
				if err != nil || got == nil || got.AttemptCount != i {
					return false
				}
				if err := store.Nack(ctx, got.ID); err != nil {
					return false
				}
			}
			got, err := store.Lease(ctx, bus.QueuePlanner, time.Minute)
			return err == nil && got != nil && got.AttemptCount == nacks
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

// TestDeadLetterProperty verifies that dead-lettering removes messages from
// the live table and preserves every one of them with its reason.
func TestDeadLetterProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dead letters leave the queue and keep their reason", prop.ForAll(
		func(reasons []string) bool {
			ctx := context.Background()
			store := New()

			want := make(map[string]string, len(reasons))
			for _, reason := range reasons {
				msg := bus.NewMessage(bus.KindExecutionRequest, bus.SenderPlanner, nil)
				msg.Queue = bus.QueueExecutor
				if err := store.Enqueue(ctx, msg); err != nil {
					return false
				}
				if err := store.DeadLetter(ctx, msg.ID, reason); err != nil {
					return false
				}
				want[msg.ID] = reason
			}

			n, err := store.PendingCount(ctx, bus.QueueExecutor)
			if err != nil || n != 0 {
				return false
			}
			letters, err := store.ListDeadLetters(ctx, 0)
			if err != nil || len(letters) != len(reasons) {
				return false
			}
			for _, dl := range letters {
				reason, ok := want[dl.ID]
				if !ok || dl.Reason != reason {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestLedgerProperty verifies that the processed ledger is keyed by the
// (consumer, message) pair: marking one consumer never marks another.
func TestLedgerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ledger hits require the exact consumer and id", prop.ForAll(
		func(consumer, other, id string) bool {
			ctx := context.Background()
			store := New()
			if err := store.MarkProcessed(ctx, consumer, id); err != nil {
				return false
			}
			hit, err := store.HasProcessed(ctx, consumer, id)
			if err != nil || !hit {
				return false
			}
			miss, err := store.HasProcessed(ctx, other, id)
			if err != nil {
				return false
			}
			return miss == (other == consumer)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestHeartbeatNeverResurrectsProperty verifies that a heartbeat after ack
// or dead-letter reports ErrNotFound and leaves the message gone.
func TestHeartbeatNeverResurrectsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no resurrection through heartbeat", prop.ForAll(
		func(ack bool) bool {
			ctx := context.Background()
			store := New()
			msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
			msg.Queue = bus.QueueRouter
			if err := store.Enqueue(ctx, msg); err != nil {
				return false
			}
			if _, err := store.Lease(ctx, bus.QueueRouter, time.Minute); err != nil {
				return false
			}
			if ack {
				if err := store.Ack(ctx, msg.ID); err != nil {
					return false
				}
			} else {
				if err := store.DeadLetter(ctx, msg.ID, "poison"); err != nil {
					return false
				}
			}

			if err := store.Heartbeat(ctx, msg.ID, time.Hour); !errors.Is(err, bus.ErrNotFound) {
				return false
			}
			n, err := store.PendingCount(ctx, bus.QueueRouter)
			return err == nil && n == 0
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}
