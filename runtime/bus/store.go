package bus

import (
	"context"
	"errors"
	"time"
)

// Store errors. Implementations wrap these so callers can classify failures
// with errors.Is regardless of the backend.
var (
	// ErrNotFound indicates the message id does not exist in the live table.
	// Acked and dead-lettered messages are gone for every operation that
	// takes an id; in particular a heartbeat must never resurrect them.
	ErrNotFound = errors.New("message not found")

	// ErrNoQueue indicates an enqueue of a message whose queue is unset.
	// Messages reach the store through the router, which assigns queues;
	// an unrouted message is a programming error.
	ErrNoQueue = errors.New("message has no queue")

	// ErrDuplicateID indicates an enqueue reusing an existing message id.
	ErrDuplicateID = errors.New("duplicate message id")
)

// DefaultLeaseDuration is the lease TTL consumers use unless configured
// otherwise. Handlers running longer than a third of this extend their lease
// through Heartbeat.
const DefaultLeaseDuration = 60 * time.Second

type (
	// Filter restricts which messages a LeaseMatching call may claim. Zero
	// fields match anything, so the zero Filter behaves like Lease.
	Filter struct {
		// Kind, when set, restricts the lease to messages of this kind.
		Kind Kind
		// TraceID, when set, restricts the lease to messages of this trace.
		TraceID string
		// ExcludeKinds, when set, skips messages of these kinds. Consumers
		// sharing a queue with messages reserved for another reader use it:
		// the router consumer leaves agent responses for the bridge.
		ExcludeKinds []Kind
	}

	// DeadLetter is a message moved out of the live table after exhausting
	// its attempts or failing non-retryably, kept for postmortem analysis.
	DeadLetter struct {
		Message
		// Reason records why the message was dead-lettered.
		Reason string
		// DeadLetteredAt is when the move happened.
		DeadLetteredAt time.Time
	}

	// Store is the persistence contract for the message bus. All operations
	// are safe for concurrent use; delivery built on top of them is
	// at-least-once.
	//
	// Lease arbitration is the heart of the contract: Lease and
	// LeaseMatching atomically claim the oldest available message so that
	// no two callers ever hold the same message at the same time. "Oldest"
	// means strict CreatedAt order with insertion order as the tiebreak.
	Store interface {
		// Initialize creates tables and indexes. On an existing data file it
		// adds any envelope columns introduced since the file was created,
		// so older files keep working. Idempotent.
		Initialize(ctx context.Context) error

		// Enqueue persists a new message. The queue must be set
		// (ErrNoQueue) and the id must be new (ErrDuplicateID).
		Enqueue(ctx context.Context, msg *Message) error

		// Lease atomically claims the oldest available message in the
		// queue, stamping a fresh lease id and expiry now+d. Returns
		// (nil, nil) when no message is available.
		Lease(ctx context.Context, queue Queue, d time.Duration) (*Message, error)

		// LeaseMatching is Lease restricted to messages matching f. Callers
		// waiting for a specific kind or trace use this instead of leasing
		// whatever is oldest and releasing misses, which would disturb
		// unrelated traffic.
		LeaseMatching(ctx context.Context, queue Queue, d time.Duration, f Filter) (*Message, error)

		// Ack deletes the message. ErrNotFound for unknown ids.
		Ack(ctx context.Context, id string) error

		// Nack clears the lease and increments AttemptCount, making the
		// message immediately leasable again. ErrNotFound for unknown ids.
		Nack(ctx context.Context, id string) error

		// DeadLetter moves the message to the dead-letter table with the
		// given reason. ErrNotFound for unknown ids.
		DeadLetter(ctx context.Context, id, reason string) error

		// Heartbeat extends the lease expiry of a live leased message by
		// extend from now. ErrNotFound when no live leased message has the
		// id; rows never come back from ack or dead-letter.
		Heartbeat(ctx context.Context, id string, extend time.Duration) error

		// HasProcessed reports whether the consumer already processed the
		// message id, per the idempotency ledger.
		HasProcessed(ctx context.Context, consumer, id string) (bool, error)

		// MarkProcessed records the (consumer, id) pair in the ledger.
		// Recording the same pair twice is not an error.
		MarkProcessed(ctx context.Context, consumer, id string) error

		// PendingCount returns the number of messages in the queue with no
		// active lease: waiting rows plus rows whose lease has expired.
		PendingCount(ctx context.Context, queue Queue) (int, error)

		// RequeueExpired clears every lapsed lease across all queues and
		// returns how many messages became available again.
		RequeueExpired(ctx context.Context) (int, error)

		// ListDeadLetters returns dead letters in most-recent-first order,
		// up to limit (all when limit <= 0).
		ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	}
)

// Matches reports whether the message satisfies the filter.
func (f Filter) Matches(m *Message) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.TraceID != "" && m.TraceID != f.TraceID {
		return false
	}
	for _, k := range f.ExcludeKinds {
		if m.Kind == k {
			return false
		}
	}
	return true
}
