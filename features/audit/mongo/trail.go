// Package mongo implements a MongoDB-backed audit trail.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/relay/features/audit/mongo/clients/mongo"
	"goa.design/relay/runtime/bus/audit"
)

// Trail implements audit.Trail by delegating to the Mongo client.
type Trail struct {
	client clientsmongo.Client
}

// NewTrail builds a Trail using the provided client.
func NewTrail(client clientsmongo.Client) (*Trail, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Trail{client: client}, nil
}

// Append implements audit.Trail.
func (t *Trail) Append(ctx context.Context, entry audit.Entry) error {
	return t.client.AppendEntry(ctx, entry)
}

// ListByTrace implements audit.Trail.
func (t *Trail) ListByTrace(ctx context.Context, traceID string) ([]audit.Entry, error) {
	return t.client.ListEntriesByTrace(ctx, traceID)
}
