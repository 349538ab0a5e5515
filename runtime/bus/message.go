// Package bus defines the message vocabulary and store contract for the
// relay runtime: the envelope exchanged between roles, the queues it moves
// through, and the persistence operations every backend must provide.
//
// Messages are schemaless at the payload level and strongly typed at the
// envelope level. Correlation across a whole flow (user turn, plan,
// execution, status) happens through TraceID; delivery is at-least-once and
// consumers deduplicate through the processed ledger.
package bus

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Queue names a message queue. The runtime uses one queue per role plus
	// a runtime queue for control traffic (guidance, approval results).
	Queue string

	// Kind classifies a message. The router maps kinds to queues through a
	// static table; consumers dispatch on kind.
	Kind string

	// Sender identifies which part of the system produced a message.
	Sender string

	// Taint records the trust level of the content a message carries.
	// Untrusted content (e.g. web research output) must never silently gain
	// privileges by flowing through the system.
	Taint string

	// Urgency hints how prominently a message should surface to the user.
	Urgency string

	// Message is the envelope persisted in the store and exchanged between
	// consumers. Envelope fields are first-class (columns in durable
	// backends); everything kind-specific lives in Payload.
	Message struct {
		// ID uniquely identifies the message. Assigned at enqueue when empty.
		ID string
		// Queue is the destination queue. Routing assigns it from Kind.
		Queue Queue
		// Kind classifies the message (see the Kind* constants).
		Kind Kind
		// Sender identifies the producer.
		Sender Sender
		// TraceID correlates every message derived from the same flow.
		TraceID string
		// Payload carries the kind-specific body. Schemaless; kinds with a
		// registered schema are validated at routing time.
		Payload map[string]any
		// CreatedAt is the enqueue time. Lease order follows it strictly.
		CreatedAt time.Time
		// LeaseID identifies the current lease. Set and cleared together
		// with LeaseExpiresAt; both zero when the message is available.
		LeaseID string
		// LeaseExpiresAt is the instant the current lease lapses.
		LeaseExpiresAt time.Time
		// AttemptCount is the number of completed failing attempts. Nack
		// increments it; lease does not.
		AttemptCount int
		// ScopeID names the permission scope the message executes under.
		ScopeID string
		// Taint is the trust level of the payload content.
		Taint Taint
		// TaskID and ParentTaskID place the message in the task hierarchy.
		TaskID       string
		ParentTaskID string
		// WorkItemID links the message to a work item when one exists.
		WorkItemID string
		// ApprovalToken is carried opaque through the system.
		ApprovalToken string
		// Urgency hints at surfacing priority.
		Urgency Urgency
	}
)

const (
	// QueueRouter receives user turns, responses, plan results and
	// execution statuses.
	QueueRouter Queue = "router"
	// QueuePlanner receives plan, replan and research-result traffic.
	QueuePlanner Queue = "planner"
	// QueueExecutor receives execution and research requests.
	QueueExecutor Queue = "executor"
	// QueueRuntime receives control traffic: guidance and approval results.
	QueueRuntime Queue = "runtime"
)

const (
	KindUserMessage      Kind = "user_message"
	KindAgentResponse    Kind = "agent_response"
	KindExecutionStatus  Kind = "execution_status"
	KindPlanResult       Kind = "plan_result"
	KindPlanRequest      Kind = "plan_request"
	KindReplanRequest    Kind = "replan_request"
	KindResearchResult   Kind = "research_result"
	KindExecutionRequest Kind = "execution_request"
	KindResearchRequest  Kind = "research_request"
	KindPlannerGuidance  Kind = "planner_guidance"
	KindApprovalRequest  Kind = "approval_request"
	KindApprovalResult   Kind = "approval_result"
	KindSystemEvent      Kind = "system_event"
)

const (
	SenderUser     Sender = "user"
	SenderRouter   Sender = "router"
	SenderPlanner  Sender = "planner"
	SenderExecutor Sender = "executor"
	SenderRuntime  Sender = "runtime"
	SenderSystem   Sender = "system"
)

const (
	TaintOwner     Taint = "owner"
	TaintTrusted   Taint = "trusted"
	TaintUntrusted Taint = "untrusted"
)

const (
	UrgencyBackground     Urgency = "background"
	UrgencyInformational  Urgency = "informational"
	UrgencyNeedsAttention Urgency = "needs_attention"
)

// NewMessage constructs a message of the given kind with a fresh ID and
// creation time. The queue is left unset; routing assigns it.
func NewMessage(kind Kind, sender Sender, payload map[string]any) *Message {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Leased reports whether the message currently holds a lease.
func (m *Message) Leased() bool {
	return m.LeaseID != "" && !m.LeaseExpiresAt.IsZero()
}

// LeaseExpired reports whether the message holds a lease that has lapsed at
// the given instant.
func (m *Message) LeaseExpired(now time.Time) bool {
	return m.Leased() && m.LeaseExpiresAt.Before(now)
}

// Available reports whether the message can be leased at the given instant:
// either it holds no lease or the lease has lapsed.
func (m *Message) Available(now time.Time) bool {
	return !m.Leased() || m.LeaseExpired(now)
}

// Clone returns a deep copy of the message. The payload map is copied one
// level deep, which is sufficient for store snapshot semantics since
// consumers treat nested payload values as read-only.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// PayloadString returns the payload value for key when it is a string,
// empty string otherwise.
func (m *Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// PayloadBool returns the payload value for key when it is a bool, false
// otherwise.
func (m *Message) PayloadBool(key string) bool {
	if m.Payload == nil {
		return false
	}
	b, _ := m.Payload[key].(bool)
	return b
}

// PayloadInt returns the payload value for key as an int. JSON decoding
// yields float64 for numbers, so both int and float64 values are accepted.
func (m *Message) PayloadInt(key string) int {
	if m.Payload == nil {
		return 0
	}
	switch v := m.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// PayloadStrings returns the payload value for key as a string slice. Both
// []string and []any of strings are accepted, matching the two shapes the
// value takes before and after a JSON round trip.
func (m *Message) PayloadStrings(key string) []string {
	if m.Payload == nil {
		return nil
	}
	switch v := m.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
