package audit

import (
	"time"

	"goa.design/relay/runtime/bus"
)

// EventType enumerates the lifecycle events published on the audit bus.
type EventType string

const (
	// MessageEnqueued fires when the router persists a message.
	MessageEnqueued EventType = "message_enqueued"

	// MessageAcked fires when a consumer finishes a message successfully.
	MessageAcked EventType = "message_acked"

	// MessageNacked fires when a consumer releases a message for retry.
	MessageNacked EventType = "message_nacked"

	// MessageDeadLettered fires when a message is moved to the dead-letter
	// table, either after exhausting attempts or on a non-retryable failure.
	MessageDeadLettered EventType = "message_dead_lettered"

	// DuplicateSkipped fires when the idempotency ledger suppresses a
	// redelivery.
	DuplicateSkipped EventType = "duplicate_skipped"

	// TurnDispatched fires when the bridge routes a user turn.
	TurnDispatched EventType = "turn_dispatched"

	// GoalDispatched fires when the bridge routes a goal.
	GoalDispatched EventType = "goal_dispatched"

	// ResponseCollected fires when the bridge finishes waiting for a
	// response, successfully or not.
	ResponseCollected EventType = "response_collected"

	// ConsultRequested fires when an executor asks the planner for guidance.
	ConsultRequested EventType = "consult_requested"

	// ConsultResolved fires when a consult round trip ends, with or without
	// guidance.
	ConsultResolved EventType = "consult_resolved"

	// ReplanDispatched fires when a replan request is routed.
	ReplanDispatched EventType = "replan_dispatched"

	// ReplanExhausted fires when the replan depth bound refuses another
	// round.
	ReplanExhausted EventType = "replan_exhausted"

	// StatusSurfaced fires when the router consumer stamps UI surfaces onto
	// an execution status.
	StatusSurfaced EventType = "status_surfaced"

	// LeasesRequeued fires when the expiry sweep reclaims lapsed leases.
	LeasesRequeued EventType = "leases_requeued"
)

type (
	// Event is the interface all audit events implement. Subscribers use
	// type switches for event-specific fields or Type for filtering.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// TraceID returns the flow this event belongs to. Empty for events
		// not tied to a flow (e.g. lease sweeps).
		TraceID() string
		// Timestamp returns the Unix timestamp in milliseconds when the
		// event was created.
		Timestamp() int64
	}

	// MessageEnqueuedEvent records a message entering a queue.
	MessageEnqueuedEvent struct {
		baseEvent
		// MessageID identifies the enqueued message.
		MessageID string
		// Queue is the destination queue.
		Queue bus.Queue
		// Kind is the message kind.
		Kind bus.Kind
		// Sender identifies the producer.
		Sender bus.Sender
	}

	// MessageAckedEvent records a successful completion.
	MessageAckedEvent struct {
		baseEvent
		MessageID string
		Queue     bus.Queue
		Kind      bus.Kind
		// Consumer is the consumer name that processed the message.
		Consumer string
	}

	// MessageNackedEvent records a retryable failure.
	MessageNackedEvent struct {
		baseEvent
		MessageID string
		Queue     bus.Queue
		Kind      bus.Kind
		Consumer  string
		// AttemptCount is the count before the nack incremented it.
		AttemptCount int
		// Reason summarizes the failure that caused the release.
		Reason string
	}

	// MessageDeadLetteredEvent records a terminal failure.
	MessageDeadLetteredEvent struct {
		baseEvent
		MessageID string
		Queue     bus.Queue
		Kind      bus.Kind
		Consumer  string
		// Reason is the dead-letter reason persisted with the message.
		Reason string
	}

	// DuplicateSkippedEvent records a ledger hit on redelivery.
	DuplicateSkippedEvent struct {
		baseEvent
		MessageID string
		Queue     bus.Queue
		Consumer  string
	}

	// TurnDispatchedEvent records a user turn entering the system.
	TurnDispatchedEvent struct {
		baseEvent
		MessageID string
	}

	// GoalDispatchedEvent records a goal entering the system.
	GoalDispatchedEvent struct {
		baseEvent
		MessageID string
	}

	// ResponseCollectedEvent records the end of a bridge response wait.
	ResponseCollectedEvent struct {
		baseEvent
		// MessageID identifies the collected response; empty on timeout.
		MessageID string
		// Waited is how long the bridge polled.
		Waited time.Duration
		// TimedOut reports whether the wait ended without a response.
		TimedOut bool
	}

	// ConsultRequestedEvent records a consult round trip starting.
	ConsultRequestedEvent struct {
		baseEvent
		// WorkItemID is the work item the executor is stuck on.
		WorkItemID string
		// MessageID identifies the consult plan request.
		MessageID string
	}

	// ConsultResolvedEvent records a consult round trip ending.
	ConsultResolvedEvent struct {
		baseEvent
		WorkItemID string
		// TimedOut reports whether guidance never arrived.
		TimedOut bool
	}

	// ReplanDispatchedEvent records a replan request being routed.
	ReplanDispatchedEvent struct {
		baseEvent
		WorkItemID string
		// Depth is the replan depth of the dispatched request.
		Depth int
	}

	// ReplanExhaustedEvent records the depth bound refusing another replan.
	ReplanExhaustedEvent struct {
		baseEvent
		WorkItemID string
		// Depth is the depth at which the bound was hit.
		Depth int
	}

	// StatusSurfacedEvent records surface enrichment of an execution status.
	StatusSurfacedEvent struct {
		baseEvent
		MessageID string
		// Status is the execution status that was surfaced.
		Status bus.ExecutionStatus
		// Surfaces lists the UI surfaces the status was stamped with.
		Surfaces []string
	}

	// LeasesRequeuedEvent records an expiry sweep reclaiming messages.
	LeasesRequeuedEvent struct {
		baseEvent
		// Count is how many lapsed leases were cleared.
		Count int
	}

	// baseEvent holds the fields shared by all event types.
	baseEvent struct {
		traceID   string
		timestamp int64
	}
)

// TraceID returns the flow identifier the event belongs to.
func (e baseEvent) TraceID() string { return e.traceID }

// Timestamp returns the Unix timestamp in milliseconds of event creation.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

func newBaseEvent(traceID string) baseEvent {
	return baseEvent{traceID: traceID, timestamp: time.Now().UnixMilli()}
}

// NewMessageEnqueuedEvent constructs a MessageEnqueuedEvent for the message.
func NewMessageEnqueuedEvent(msg *bus.Message) *MessageEnqueuedEvent {
	return &MessageEnqueuedEvent{
		baseEvent: newBaseEvent(msg.TraceID),
		MessageID: msg.ID,
		Queue:     msg.Queue,
		Kind:      msg.Kind,
		Sender:    msg.Sender,
	}
}

// NewMessageAckedEvent constructs a MessageAckedEvent for the message.
func NewMessageAckedEvent(msg *bus.Message, consumer string) *MessageAckedEvent {
	return &MessageAckedEvent{
		baseEvent: newBaseEvent(msg.TraceID),
		MessageID: msg.ID,
		Queue:     msg.Queue,
		Kind:      msg.Kind,
		Consumer:  consumer,
	}
}

// NewMessageNackedEvent constructs a MessageNackedEvent for the message.
func NewMessageNackedEvent(msg *bus.Message, consumer, reason string) *MessageNackedEvent {
	return &MessageNackedEvent{
		baseEvent:    newBaseEvent(msg.TraceID),
		MessageID:    msg.ID,
		Queue:        msg.Queue,
		Kind:         msg.Kind,
		Consumer:     consumer,
		AttemptCount: msg.AttemptCount,
		Reason:       reason,
	}
}

// NewMessageDeadLetteredEvent constructs a MessageDeadLetteredEvent.
func NewMessageDeadLetteredEvent(msg *bus.Message, consumer, reason string) *MessageDeadLetteredEvent {
	return &MessageDeadLetteredEvent{
		baseEvent: newBaseEvent(msg.TraceID),
		MessageID: msg.ID,
		Queue:     msg.Queue,
		Kind:      msg.Kind,
		Consumer:  consumer,
		Reason:    reason,
	}
}

// NewDuplicateSkippedEvent constructs a DuplicateSkippedEvent.
func NewDuplicateSkippedEvent(msg *bus.Message, consumer string) *DuplicateSkippedEvent {
	return &DuplicateSkippedEvent{
		baseEvent: newBaseEvent(msg.TraceID),
		MessageID: msg.ID,
		Queue:     msg.Queue,
		Consumer:  consumer,
	}
}

// NewTurnDispatchedEvent constructs a TurnDispatchedEvent.
func NewTurnDispatchedEvent(traceID, messageID string) *TurnDispatchedEvent {
	return &TurnDispatchedEvent{baseEvent: newBaseEvent(traceID), MessageID: messageID}
}

// NewGoalDispatchedEvent constructs a GoalDispatchedEvent.
func NewGoalDispatchedEvent(traceID, messageID string) *GoalDispatchedEvent {
	return &GoalDispatchedEvent{baseEvent: newBaseEvent(traceID), MessageID: messageID}
}

// NewResponseCollectedEvent constructs a ResponseCollectedEvent. messageID
// is empty when the wait timed out.
func NewResponseCollectedEvent(traceID, messageID string, waited time.Duration, timedOut bool) *ResponseCollectedEvent {
	return &ResponseCollectedEvent{
		baseEvent: newBaseEvent(traceID),
		MessageID: messageID,
		Waited:    waited,
		TimedOut:  timedOut,
	}
}

// NewConsultRequestedEvent constructs a ConsultRequestedEvent.
func NewConsultRequestedEvent(traceID, workItemID, messageID string) *ConsultRequestedEvent {
	return &ConsultRequestedEvent{
		baseEvent:  newBaseEvent(traceID),
		WorkItemID: workItemID,
		MessageID:  messageID,
	}
}

// NewConsultResolvedEvent constructs a ConsultResolvedEvent.
func NewConsultResolvedEvent(traceID, workItemID string, timedOut bool) *ConsultResolvedEvent {
	return &ConsultResolvedEvent{
		baseEvent:  newBaseEvent(traceID),
		WorkItemID: workItemID,
		TimedOut:   timedOut,
	}
}

// NewReplanDispatchedEvent constructs a ReplanDispatchedEvent.
func NewReplanDispatchedEvent(traceID, workItemID string, depth int) *ReplanDispatchedEvent {
	return &ReplanDispatchedEvent{
		baseEvent:  newBaseEvent(traceID),
		WorkItemID: workItemID,
		Depth:      depth,
	}
}

// NewReplanExhaustedEvent constructs a ReplanExhaustedEvent.
func NewReplanExhaustedEvent(traceID, workItemID string, depth int) *ReplanExhaustedEvent {
	return &ReplanExhaustedEvent{
		baseEvent:  newBaseEvent(traceID),
		WorkItemID: workItemID,
		Depth:      depth,
	}
}

// NewStatusSurfacedEvent constructs a StatusSurfacedEvent.
func NewStatusSurfacedEvent(msg *bus.Message, status bus.ExecutionStatus, surfaces []string) *StatusSurfacedEvent {
	return &StatusSurfacedEvent{
		baseEvent: newBaseEvent(msg.TraceID),
		MessageID: msg.ID,
		Status:    status,
		Surfaces:  surfaces,
	}
}

// NewLeasesRequeuedEvent constructs a LeasesRequeuedEvent.
func NewLeasesRequeuedEvent(count int) *LeasesRequeuedEvent {
	return &LeasesRequeuedEvent{baseEvent: newBaseEvent(""), Count: count}
}

// Type method implementations

func (e *MessageEnqueuedEvent) Type() EventType     { return MessageEnqueued }
func (e *MessageAckedEvent) Type() EventType        { return MessageAcked }
func (e *MessageNackedEvent) Type() EventType       { return MessageNacked }
func (e *MessageDeadLetteredEvent) Type() EventType { return MessageDeadLettered }
func (e *DuplicateSkippedEvent) Type() EventType    { return DuplicateSkipped }
func (e *TurnDispatchedEvent) Type() EventType      { return TurnDispatched }
func (e *GoalDispatchedEvent) Type() EventType      { return GoalDispatched }
func (e *ResponseCollectedEvent) Type() EventType   { return ResponseCollected }
func (e *ConsultRequestedEvent) Type() EventType    { return ConsultRequested }
func (e *ConsultResolvedEvent) Type() EventType     { return ConsultResolved }
func (e *ReplanDispatchedEvent) Type() EventType    { return ReplanDispatched }
func (e *ReplanExhaustedEvent) Type() EventType     { return ReplanExhausted }
func (e *StatusSurfacedEvent) Type() EventType      { return StatusSurfaced }
func (e *LeasesRequeuedEvent) Type() EventType      { return LeasesRequeued }
