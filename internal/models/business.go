package models

import (
	"encoding/json"
	"time"
)

// Conversation lifecycle values stored on the business record.
const (
	ConversationActive      = "active"
	ConversationInterrupted = "interrupted"
	ConversationCompleted   = "completed"
)

// Record sources.
const (
	SourceHook       = "hook"
	SourceTranscript = "transcript"
)

// Conversation is the business record created per instrumented session.
type Conversation struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Title     *string    `json:"title,omitempty"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// ConversationMeta is captured from SessionStart.
type ConversationMeta struct {
	Cwd            string `json:"cwd,omitempty"`
	Source         string `json:"source,omitempty"`
	Model          string `json:"model,omitempty"`
	TranscriptPath string `json:"transcriptPath,omitempty"`
}

// ConversationStats are the aggregates computed when a session ends.
type ConversationStats struct {
	MessageCount        int64 `json:"messageCount"`
	ToolUseCount        int64 `json:"toolUseCount"`
	FailedToolUseCount  int64 `json:"failedToolUseCount"`
	TotalToolDurationMs int64 `json:"totalToolDurationMs"`
}

// NewMessage is the input of append-message.
type NewMessage struct {
	ConversationID string
	Role           string
	Content        string
	NaturalKey     string
	Source         string
	CreatedAt      time.Time
}

// ToolUseStart is recorded on PreToolUse.
type ToolUseStart struct {
	ConversationID string
	InvocationID   string
	ToolName       string
	Params         json.RawMessage
	StartedAt      time.Time
}

// ToolUseResult completes a started tool use on PostToolUse.
type ToolUseResult struct {
	ConversationID string
	InvocationID   string
	Result         json.RawMessage
	CompletedAt    time.Time
	// DurationMs is used when the start time is unknown.
	DurationMs int64
	Success    bool
}

// ToolUse is a complete record written in one call.
type ToolUse struct {
	ConversationID string
	InvocationID   string
	ToolName       string
	Params         json.RawMessage
	Result         json.RawMessage
	DurationMs     int64
	Success        bool
	Source         string
	RecordedAt     time.Time
}

// Turn is one reconstructed conversation turn from a transcript.
type Turn struct {
	Key       string
	Role      string
	Content   string
	Timestamp time.Time
}

// TranscriptToolUse is one reconstructed tool invocation from a transcript.
type TranscriptToolUse struct {
	Key      string
	ToolName string
	Params   json.RawMessage
	Result   json.RawMessage
	Success  bool
}

// Transcript is the parser's reconstruction of a session.
type Transcript struct {
	SessionID string
	Turns     []Turn
	ToolUses  []TranscriptToolUse
}
