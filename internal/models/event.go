package models

import (
	"encoding/json"
	"time"
)

// EventType names one lifecycle notification emitted by the instrumentation layer.
type EventType string

const (
	EventSessionStart     EventType = "SessionStart"
	EventUserPromptSubmit EventType = "UserPromptSubmit"
	EventPreToolUse       EventType = "PreToolUse"
	EventPostToolUse      EventType = "PostToolUse"
	EventStop             EventType = "Stop"
	EventSessionEnd       EventType = "SessionEnd"
)

// EventTypes lists the taxonomy in lifecycle order.
var EventTypes = []EventType{
	EventSessionStart,
	EventUserPromptSubmit,
	EventPreToolUse,
	EventPostToolUse,
	EventStop,
	EventSessionEnd,
}

// Valid reports whether t is part of the declared taxonomy.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HookEvent is the POST /v1/hooks payload after schema validation.
// Fields beyond event/timestamp/sessionId depend on the event type.
type HookEvent struct {
	Event     EventType `json:"event"`
	Timestamp string    `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	RequestID string    `json:"requestId,omitempty"`

	// SessionStart
	Cwd            string `json:"cwd,omitempty"`
	Source         string `json:"source,omitempty"`
	Model          string `json:"model,omitempty"`
	TranscriptPath string `json:"transcriptPath,omitempty"`

	// UserPromptSubmit
	Prompt string `json:"prompt,omitempty"`

	// PreToolUse / PostToolUse
	ToolName     string          `json:"toolName,omitempty"`
	ToolUseID    string          `json:"toolUseId,omitempty"`
	ToolInput    json.RawMessage `json:"toolInput,omitempty"`
	ToolResponse json.RawMessage `json:"toolResponse,omitempty"`
	Status       string          `json:"status,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMs   *int64          `json:"durationMs,omitempty"`

	// Stop / SessionEnd
	Reason string `json:"reason,omitempty"`
}

// OccurredAt parses Timestamp as RFC3339 and normalizes it to UTC.
func (e HookEvent) OccurredAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ToolSucceeded derives the success flag of a PostToolUse event. Only an
// absent or "success" status without an error message counts.
func (e HookEvent) ToolSucceeded() bool {
	return (e.Status == "" || e.Status == "success") && e.Error == ""
}

// Outcome references the business records an ingestion event produced.
type Outcome struct {
	ConversationID *string `json:"conversationId,omitempty"`
	MessageID      *string `json:"messageId,omitempty"`
	ToolUseID      *string `json:"toolUseId,omitempty"`
}

// Empty reports whether no reference is set.
func (o Outcome) Empty() bool {
	return o.ConversationID == nil && o.MessageID == nil && o.ToolUseID == nil
}

// SatisfiesEventType reports whether o carries the reference a SUCCESS record
// of event type t must have.
func (o Outcome) SatisfiesEventType(t EventType) bool {
	switch t {
	case EventSessionStart, EventStop, EventSessionEnd:
		return o.ConversationID != nil
	case EventUserPromptSubmit:
		return o.MessageID != nil
	case EventPreToolUse, EventPostToolUse:
		return o.ToolUseID != nil
	default:
		return !o.Empty()
	}
}

// Ref returns a pointer to s, or nil when s is empty.
func Ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HookResponse is returned by POST /v1/hooks for every outcome.
type HookResponse struct {
	Status             Status          `json:"status"`
	RequestID          string          `json:"requestId"`
	RequestIDGenerated bool            `json:"requestIdGenerated,omitempty"`
	Outcome            *Outcome        `json:"outcome,omitempty"`
	Error              *ResponseError  `json:"error,omitempty"`
	Warning            string          `json:"warning,omitempty"`
	Original           *OriginalRecord `json:"original,omitempty"`
	Reconciliation     *Reconciliation `json:"reconciliation,omitempty"`
}

// ResponseError is the client-visible error detail.
type ResponseError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// FieldError is one schema violation.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// OriginalRecord echoes the stored attempt a request-level duplicate matched.
type OriginalRecord struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Reconciliation summarizes a transcript backfill run.
type Reconciliation struct {
	MessagesAdded int    `json:"messagesAdded"`
	ToolUsesAdded int    `json:"toolUsesAdded"`
	Scheduled     bool   `json:"scheduled,omitempty"`
	Error         string `json:"error,omitempty"`
}
