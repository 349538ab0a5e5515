package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Well-known payload keys shared by producers and consumers. Payloads stay
// schemaless maps; these constants keep the spelling in one place.
const (
	PayloadKeyText           = "text"
	PayloadKeyPrompt         = "prompt"
	PayloadKeyGoal           = "goal"
	PayloadKeyTask           = "task"
	PayloadKeyConsult        = "consult"
	PayloadKeyGuidance       = "guidance"
	PayloadKeyPlanMarkdown   = "plan_markdown"
	PayloadKeyMessage        = "message"
	PayloadKeyStatus         = "status"
	PayloadKeySummary        = "summary"
	PayloadKeyError          = "error"
	PayloadKeySurfaces       = "surfaces"
	PayloadKeyContent        = "content"
	PayloadKeyWorkItem       = "work_item"
	PayloadKeyOnStuck        = "on_stuck"
	PayloadKeyToolAllowlist  = "tool_allowlist"
	PayloadKeyReplanDepth    = "replan_depth"
	PayloadKeyIsReplan       = "is_replan"
	PayloadKeyFailureHistory = "failure_history"
	PayloadKeyFailureContext = "failure_context"
	PayloadKeyOriginalGoal   = "original_goal"
	PayloadKeyReason         = "reason"
	PayloadKeyMetadata       = "metadata"
	PayloadKeyGoalID         = "goal_id"
	PayloadKeyAutonomous     = "autonomous"
)

// OnStuckConsultPlanner asks the executor to consult the planner once before
// reporting a failed or stuck execution.
const OnStuckConsultPlanner = "consult_planner"

type (
	// WorkItem is the structured unit of work an execution request may
	// carry. It travels inside the payload under the "work_item" key; the
	// envelope's WorkItemID mirrors its ID for filtering.
	WorkItem struct {
		// ID uniquely identifies the work item.
		ID string `json:"id"`
		// Title is a short label for activity feeds.
		Title string `json:"title,omitempty"`
		// Description is the full task statement given to the executor.
		Description string `json:"description"`
		// OnStuck selects the escalation when execution fails or stalls
		// (empty or OnStuckConsultPlanner).
		OnStuck string `json:"on_stuck,omitempty"`
		// ToolAllowlist restricts which tools the executor may use.
		ToolAllowlist []string `json:"tool_allowlist,omitempty"`
	}

	// SchemaRegistry validates payloads of well-known kinds against JSON
	// schemas. Kinds without a registered schema pass through untouched, so
	// payloads keep their schemaless default and validation is strictly
	// opt-in per kind.
	SchemaRegistry struct {
		mu      sync.RWMutex
		schemas map[Kind]*jsonschema.Schema
	}
)

// WorkItemFromPayload extracts the structured work item from a payload.
// The second return is false when the payload carries none. The value is
// read through a JSON round trip so both typed structs and decoded maps are
// accepted.
func WorkItemFromPayload(p map[string]any) (*WorkItem, bool) {
	if p == nil {
		return nil, false
	}
	raw, ok := p[PayloadKeyWorkItem]
	if !ok || raw == nil {
		return nil, false
	}
	if wi, ok := raw.(*WorkItem); ok {
		return wi, true
	}
	if wi, ok := raw.(WorkItem); ok {
		return &wi, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var wi WorkItem
	if err := json.Unmarshal(data, &wi); err != nil {
		return nil, false
	}
	if wi.ID == "" && wi.Description == "" {
		return nil, false
	}
	return &wi, true
}

// ToPayloadValue converts the work item into the map form payloads carry so
// the value survives JSON round trips through durable stores.
func (w *WorkItem) ToPayloadValue() map[string]any {
	out := map[string]any{
		"id":          w.ID,
		"description": w.Description,
	}
	if w.Title != "" {
		out["title"] = w.Title
	}
	if w.OnStuck != "" {
		out["on_stuck"] = w.OnStuck
	}
	if len(w.ToolAllowlist) > 0 {
		out["tool_allowlist"] = w.ToolAllowlist
	}
	return out
}

// NewSchemaRegistry constructs an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[Kind]*jsonschema.Schema)}
}

// Register compiles the schema document and associates it with the kind,
// replacing any previous schema. The document is the decoded JSON form of a
// JSON schema (what json.Unmarshal produces).
func (r *SchemaRegistry) Register(kind Kind, schemaDoc any) error {
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://%s.json", kind)
	if err := c.AddResource(url, schemaDoc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", kind, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}
	r.mu.Lock()
	r.schemas[kind] = schema
	r.mu.Unlock()
	return nil
}

// RegisterJSON is Register for raw schema bytes.
func (r *SchemaRegistry) RegisterJSON(kind Kind, schemaBytes []byte) error {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", kind, err)
	}
	return r.Register(kind, doc)
}

// Validate checks the payload against the schema registered for the kind.
// Kinds without a schema always pass. Payload values that did not come from
// a JSON decode (typed structs, typed slices) are normalized through a JSON
// round trip first so validation sees canonical JSON shapes.
func (r *SchemaRegistry) Validate(kind Kind, payload map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return fmt.Errorf("normalize payload for %s: %w", kind, err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("payload for %s: %w", kind, err)
	}
	return nil
}

func normalizePayload(payload map[string]any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
