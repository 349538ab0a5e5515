// Package pulse exposes an audit.Subscriber that publishes runtime audit
// events to goa.design/pulse streams, one stream per trace. Hosts that want
// to follow a flow live subscribe to `trace/<trace id>` over Redis.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/relay/features/audit/pulse/clients/pulse"
	"goa.design/relay/runtime/bus/audit"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an entry. Defaults to
		// `trace/<TraceID>`.
		StreamID func(audit.Entry) (string, error)
	}

	// Sink implements audit.Subscriber by publishing flattened entries to
	// per-trace Pulse streams. Events without a trace (lease sweeps) are
	// skipped. Safe for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(audit.Entry) (string, error)
	}
)

// NewSink constructs a Pulse-backed audit sink. The Client field in opts is
// required; StreamID defaults to the per-trace naming.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// HandleEvent implements audit.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, event audit.Event) error {
	entry := audit.EntryOf(event)
	if entry.TraceID == "" {
		return nil
	}
	name, err := s.streamID(entry)
	if err != nil {
		return err
	}
	stream, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := stream.Add(ctx, string(entry.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(entry audit.Entry) (string, error) {
	return fmt.Sprintf("trace/%s", entry.TraceID), nil
}
