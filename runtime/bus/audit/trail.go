package audit

import (
	"context"
	"time"
)

type (
	// Entry is the flattened, storable form of an audit event. Trails
	// persist entries rather than typed events so backends stay schema
	// stable as event types evolve.
	Entry struct {
		// TraceID is the flow the entry belongs to; empty for flow-less
		// events such as lease sweeps.
		TraceID string `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
		// Type is the audit event type.
		Type EventType `json:"type" bson:"type"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp" bson:"timestamp"`
		// MessageID identifies the message involved, when one is.
		MessageID string `json:"message_id,omitempty" bson:"message_id,omitempty"`
		// Queue names the queue involved, when one is.
		Queue string `json:"queue,omitempty" bson:"queue,omitempty"`
		// Kind is the message kind involved, when one is.
		Kind string `json:"kind,omitempty" bson:"kind,omitempty"`
		// Consumer names the consumer involved, when one is.
		Consumer string `json:"consumer,omitempty" bson:"consumer,omitempty"`
		// Detail carries event-specific fields.
		Detail map[string]any `json:"detail,omitempty" bson:"detail,omitempty"`
	}

	// Trail persists audit entries for postmortem inspection. Implementations
	// must tolerate concurrent appends.
	Trail interface {
		// Append persists one entry.
		Append(ctx context.Context, entry Entry) error
		// ListByTrace returns the entries of a trace in append order.
		ListByTrace(ctx context.Context, traceID string) ([]Entry, error)
	}

	// TrailSubscriber bridges the audit bus to a Trail: every published
	// event is flattened and appended. Register it on the bus to get a
	// persistent audit trail.
	TrailSubscriber struct {
		trail Trail
	}
)

// NewTrailSubscriber constructs a subscriber appending events to the trail.
func NewTrailSubscriber(trail Trail) *TrailSubscriber {
	return &TrailSubscriber{trail: trail}
}

// HandleEvent implements Subscriber.
func (s *TrailSubscriber) HandleEvent(ctx context.Context, event Event) error {
	return s.trail.Append(ctx, EntryOf(event))
}

// EntryOf flattens a typed event into its storable form.
func EntryOf(event Event) Entry {
	entry := Entry{
		TraceID:   event.TraceID(),
		Type:      event.Type(),
		Timestamp: event.Timestamp(),
	}
	switch e := event.(type) {
	case *MessageEnqueuedEvent:
		entry.MessageID = e.MessageID
		entry.Queue = string(e.Queue)
		entry.Kind = string(e.Kind)
		entry.Detail = map[string]any{"sender": string(e.Sender)}
	case *MessageAckedEvent:
		entry.MessageID = e.MessageID
		entry.Queue = string(e.Queue)
		entry.Kind = string(e.Kind)
		entry.Consumer = e.Consumer
	case *MessageNackedEvent:
		entry.MessageID = e.MessageID
		entry.Queue = string(e.Queue)
		entry.Kind = string(e.Kind)
		entry.Consumer = e.Consumer
		entry.Detail = map[string]any{
			"attempt_count": e.AttemptCount,
			"reason":        e.Reason,
		}
	case *MessageDeadLetteredEvent:
		entry.MessageID = e.MessageID
		entry.Queue = string(e.Queue)
		entry.Kind = string(e.Kind)
		entry.Consumer = e.Consumer
		entry.Detail = map[string]any{"reason": e.Reason}
	case *DuplicateSkippedEvent:
		entry.MessageID = e.MessageID
		entry.Queue = string(e.Queue)
		entry.Consumer = e.Consumer
	case *TurnDispatchedEvent:
		entry.MessageID = e.MessageID
	case *GoalDispatchedEvent:
		entry.MessageID = e.MessageID
	case *ResponseCollectedEvent:
		entry.MessageID = e.MessageID
		entry.Detail = map[string]any{
			"waited_ms": e.Waited.Milliseconds(),
			"timed_out": e.TimedOut,
		}
	case *ConsultRequestedEvent:
		entry.MessageID = e.MessageID
		entry.Detail = map[string]any{"work_item_id": e.WorkItemID}
	case *ConsultResolvedEvent:
		entry.Detail = map[string]any{
			"work_item_id": e.WorkItemID,
			"timed_out":    e.TimedOut,
		}
	case *ReplanDispatchedEvent:
		entry.Detail = map[string]any{
			"work_item_id": e.WorkItemID,
			"depth":        e.Depth,
		}
	case *ReplanExhaustedEvent:
		entry.Detail = map[string]any{
			"work_item_id": e.WorkItemID,
			"depth":        e.Depth,
		}
	case *StatusSurfacedEvent:
		entry.MessageID = e.MessageID
		entry.Detail = map[string]any{
			"status":   string(e.Status),
			"surfaces": e.Surfaces,
		}
	case *LeasesRequeuedEvent:
		entry.Detail = map[string]any{"count": e.Count}
	}
	return entry
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
