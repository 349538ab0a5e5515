// Package inmem provides an in-memory implementation of bus.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/bus"
)

type (
	// Store implements bus.Store in memory.
	Store struct {
		mu sync.Mutex
		// live messages by id.
		messages map[string]*entry
		// monotonically increasing insertion counter; ties on CreatedAt
		// resolve in insertion order.
		nextSeq int64
		// dead letters in arrival order.
		dead []*bus.DeadLetter
		// idempotency ledger keyed by consumer and message id.
		processed map[ledgerKey]time.Time
	}

	entry struct {
		msg *bus.Message
		seq int64
	}

	ledgerKey struct {
		consumer string
		id       string
	}
)

// New returns a new in-memory message store.
func New() *Store {
	return &Store{
		messages:  make(map[string]*entry),
		processed: make(map[ledgerKey]time.Time),
	}
}

// Initialize implements bus.Store. The in-memory store has no schema to
// prepare.
func (s *Store) Initialize(context.Context) error { return nil }

// Enqueue implements bus.Store.
func (s *Store) Enqueue(_ context.Context, msg *bus.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.Queue == "" {
		return fmt.Errorf("%w: id %s", bus.ErrNoQueue, msg.ID)
	}
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("%w: %s", bus.ErrDuplicateID, msg.ID)
	}
	s.nextSeq++
	s.messages[msg.ID] = &entry{msg: msg.Clone(), seq: s.nextSeq}
	return nil
}

// Lease implements bus.Store.
func (s *Store) Lease(ctx context.Context, queue bus.Queue, d time.Duration) (*bus.Message, error) {
	return s.LeaseMatching(ctx, queue, d, bus.Filter{})
}

// LeaseMatching implements bus.Store.
func (s *Store) LeaseMatching(_ context.Context, queue bus.Queue, d time.Duration, f bus.Filter) (*bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var oldest *entry
	for _, e := range s.messages {
		if e.msg.Queue != queue || !e.msg.Available(now) || !f.Matches(e.msg) {
			continue
		}
		if oldest == nil || before(e, oldest) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.msg.LeaseID = uuid.NewString()
	oldest.msg.LeaseExpiresAt = now.Add(d)
	return oldest.msg.Clone(), nil
}

// Ack implements bus.Store.
func (s *Store) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	delete(s.messages, id)
	return nil
}

// Nack implements bus.Store.
func (s *Store) Nack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	e.msg.LeaseID = ""
	e.msg.LeaseExpiresAt = time.Time{}
	e.msg.AttemptCount++
	return nil
}

// DeadLetter implements bus.Store.
func (s *Store) DeadLetter(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	delete(s.messages, id)
	msg := e.msg.Clone()
	msg.LeaseID = ""
	msg.LeaseExpiresAt = time.Time{}
	s.dead = append(s.dead, &bus.DeadLetter{
		Message:        *msg,
		Reason:         reason,
		DeadLetteredAt: time.Now().UTC(),
	})
	return nil
}

// Heartbeat implements bus.Store.
func (s *Store) Heartbeat(_ context.Context, id string, extend time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.messages[id]
	if !ok || !e.msg.Leased() {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	e.msg.LeaseExpiresAt = time.Now().Add(extend)
	return nil
}

// HasProcessed implements bus.Store.
func (s *Store) HasProcessed(_ context.Context, consumer, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.processed[ledgerKey{consumer: consumer, id: id}]
	return ok, nil
}

// MarkProcessed implements bus.Store.
func (s *Store) MarkProcessed(_ context.Context, consumer, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{consumer: consumer, id: id}
	if _, ok := s.processed[key]; !ok {
		s.processed[key] = time.Now().UTC()
	}
	return nil
}

// PendingCount implements bus.Store. Rows under a live lease are in flight,
// not pending, so only claimable rows count.
func (s *Store) PendingCount(_ context.Context, queue bus.Queue) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range s.messages {
		if e.msg.Queue == queue && e.msg.Available(now) {
			n++
		}
	}
	return n, nil
}

// RequeueExpired implements bus.Store.
func (s *Store) RequeueExpired(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range s.messages {
		if e.msg.LeaseExpired(now) {
			e.msg.LeaseID = ""
			e.msg.LeaseExpiresAt = time.Time{}
			n++
		}
	}
	return n, nil
}

// ListDeadLetters implements bus.Store.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]*bus.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*bus.DeadLetter, 0, len(s.dead))
	for i := len(s.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		dl := *s.dead[i]
		out = append(out, &dl)
	}
	return out, nil
}

// before reports whether a should lease ahead of b: strictly older
// CreatedAt first, insertion order on ties.
func before(a, b *entry) bool {
	if a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.seq < b.seq
	}
	return a.msg.CreatedAt.Before(b.msg.CreatedAt)
}
