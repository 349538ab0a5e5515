// Package inmem provides an in-memory implementation of audit.Trail for
// tests and local development.
package inmem

import (
	"context"
	"sync"

	"goa.design/relay/runtime/bus/audit"
)

// Trail implements audit.Trail in memory.
type Trail struct {
	mu      sync.Mutex
	entries []audit.Entry
}

// New returns a new in-memory audit trail.
func New() *Trail {
	return &Trail{}
}

// Append implements audit.Trail.
func (t *Trail) Append(_ context.Context, entry audit.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	return nil
}

// ListByTrace implements audit.Trail.
func (t *Trail) ListByTrace(_ context.Context, traceID string) ([]audit.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []audit.Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every entry in append order. Test helper.
func (t *Trail) All() []audit.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audit.Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
