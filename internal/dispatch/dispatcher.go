// Package dispatch routes validated hook events to the business-logic handlers
// that create conversations, messages and tool uses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/naturalkey"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
)

// Domain failure codes.
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeUnsupportedEvent = "UNSUPPORTED_EVENT"
	CodeBadTimestamp     = "INVALID_TIMESTAMP"
)

// maxTitleLen bounds derived conversation titles (in runes).
const maxTitleLen = 80

// DomainError is a handler-reported failure: the handler ran but the event
// cannot be applied as sent.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string { return e.Code + ": " + e.Message }

// BusinessStore is the outbound port to the system of record.
type BusinessStore interface {
	CreateConversation(ctx context.Context, sessionID string, meta models.ConversationMeta, startedAt time.Time) (models.Conversation, bool, error)
	FindConversationBySession(ctx context.Context, sessionID string) (*models.Conversation, error)
	SetConversationTitle(ctx context.Context, conversationID, title string) (bool, error)
	AppendMessage(ctx context.Context, m models.NewMessage) (string, error)
	StartToolUse(ctx context.Context, s models.ToolUseStart) (string, error)
	CompleteToolUse(ctx context.Context, r models.ToolUseResult) (string, error)
	RecordToolUse(ctx context.Context, t models.ToolUse) (string, error)
	MarkConversationInterrupted(ctx context.Context, conversationID string) error
	CompleteConversation(ctx context.Context, conversationID string, endedAt time.Time, reason string) (models.ConversationStats, error)
}

// HandlerFunc applies one event type.
type HandlerFunc func(ctx context.Context, ev models.HookEvent) (models.Outcome, error)

// Dispatcher maps event types to handlers. It never retries.
type Dispatcher struct {
	store    BusinessStore
	log      *slog.Logger
	handlers map[models.EventType]HandlerFunc
}

// New registers the handler of every event type.
func New(st BusinessStore, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{store: st, log: log}
	d.handlers = map[models.EventType]HandlerFunc{
		models.EventSessionStart:     d.sessionStart,
		models.EventUserPromptSubmit: d.userPrompt,
		models.EventPreToolUse:       d.preToolUse,
		models.EventPostToolUse:      d.postToolUse,
		models.EventStop:             d.stop,
		models.EventSessionEnd:       d.sessionEnd,
	}
	return d
}

// Dispatch runs the handler for ev.Event and returns the produced references.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	h, ok := d.handlers[ev.Event]
	if !ok {
		return models.Outcome{}, &DomainError{Code: CodeUnsupportedEvent, Message: fmt.Sprintf("no handler for %q", ev.Event)}
	}
	return h(ctx, ev)
}

func (d *Dispatcher) sessionStart(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	at, err := occurredAt(ev)
	if err != nil {
		return models.Outcome{}, err
	}
	conv, created, err := d.store.CreateConversation(ctx, ev.SessionID, models.ConversationMeta{
		Cwd:            ev.Cwd,
		Source:         ev.Source,
		Model:          ev.Model,
		TranscriptPath: ev.TranscriptPath,
	}, at)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("create conversation: %w", err)
	}
	if !created {
		d.log.Debug("conversation already existed", "session_id", ev.SessionID, "conversation_id", conv.ID)
	}
	return models.Outcome{ConversationID: models.Ref(conv.ID)}, nil
}

func (d *Dispatcher) userPrompt(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	conv, err := d.conversation(ctx, ev)
	if err != nil {
		return models.Outcome{}, err
	}
	at, err := occurredAt(ev)
	if err != nil {
		return models.Outcome{}, err
	}
	msgID, err := d.store.AppendMessage(ctx, models.NewMessage{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        ev.Prompt,
		NaturalKey:     naturalkey.Message("user", ev.Prompt),
		Source:         models.SourceHook,
		CreatedAt:      at,
	})
	if err != nil {
		return models.Outcome{}, fmt.Errorf("append message: %w", err)
	}
	out := models.Outcome{ConversationID: models.Ref(conv.ID), MessageID: models.Ref(msgID)}

	if conv.Title == nil {
		if title := DeriveTitle(ev.Prompt); title != "" {
			// The message is already committed; a title failure only costs the title.
			if _, err := d.store.SetConversationTitle(ctx, conv.ID, title); err != nil {
				d.log.Warn("set conversation title failed", "conversation_id", conv.ID, "error", err)
			}
		}
	}
	return out, nil
}

func (d *Dispatcher) preToolUse(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	conv, err := d.conversation(ctx, ev)
	if err != nil {
		return models.Outcome{}, err
	}
	at, err := occurredAt(ev)
	if err != nil {
		return models.Outcome{}, err
	}
	id, err := d.store.StartToolUse(ctx, models.ToolUseStart{
		ConversationID: conv.ID,
		InvocationID:   naturalkey.ToolUse(ev.ToolUseID),
		ToolName:       ev.ToolName,
		Params:         ev.ToolInput,
		StartedAt:      at,
	})
	if err != nil {
		return models.Outcome{}, fmt.Errorf("start tool use: %w", err)
	}
	return models.Outcome{ConversationID: models.Ref(conv.ID), ToolUseID: models.Ref(id)}, nil
}

func (d *Dispatcher) postToolUse(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	conv, err := d.conversation(ctx, ev)
	if err != nil {
		return models.Outcome{}, err
	}
	at, err := occurredAt(ev)
	if err != nil {
		return models.Outcome{}, err
	}
	var durationMs int64
	if ev.DurationMs != nil {
		durationMs = *ev.DurationMs
	}
	result := ev.ToolResponse
	invocation := naturalkey.ToolUse(ev.ToolUseID)

	id, err := d.store.CompleteToolUse(ctx, models.ToolUseResult{
		ConversationID: conv.ID,
		InvocationID:   invocation,
		Result:         result,
		CompletedAt:    at,
		DurationMs:     durationMs,
		Success:        ev.ToolSucceeded(),
	})
	if errors.Is(err, store.ErrNotFound) {
		// No PreToolUse was recorded for this invocation; keep the result anyway.
		d.log.Warn("post tool use without matching pre tool use",
			"session_id", ev.SessionID, "tool_use_id", invocation, "tool", ev.ToolName)
		id, err = d.store.RecordToolUse(ctx, models.ToolUse{
			ConversationID: conv.ID,
			InvocationID:   invocation,
			ToolName:       ev.ToolName,
			Params:         ev.ToolInput,
			Result:         result,
			DurationMs:     durationMs,
			Success:        ev.ToolSucceeded(),
			Source:         models.SourceHook,
			RecordedAt:     at,
		})
	}
	if err != nil {
		return models.Outcome{}, fmt.Errorf("record tool result: %w", err)
	}
	return models.Outcome{ConversationID: models.Ref(conv.ID), ToolUseID: models.Ref(id)}, nil
}

func (d *Dispatcher) stop(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	conv, err := d.conversation(ctx, ev)
	if err != nil {
		return models.Outcome{}, err
	}
	if err := d.store.MarkConversationInterrupted(ctx, conv.ID); err != nil {
		return models.Outcome{}, fmt.Errorf("mark interrupted: %w", err)
	}
	return models.Outcome{ConversationID: models.Ref(conv.ID)}, nil
}

func (d *Dispatcher) sessionEnd(ctx context.Context, ev models.HookEvent) (models.Outcome, error) {
	conv, err := d.conversation(ctx, ev)
	if err != nil {
		return models.Outcome{}, err
	}
	at, err := occurredAt(ev)
	if err != nil {
		return models.Outcome{}, err
	}
	stats, err := d.store.CompleteConversation(ctx, conv.ID, at, ev.Reason)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("complete conversation: %w", err)
	}
	d.log.Info("conversation completed",
		"session_id", ev.SessionID,
		"conversation_id", conv.ID,
		"messages", stats.MessageCount,
		"tool_uses", stats.ToolUseCount,
		"failed_tool_uses", stats.FailedToolUseCount,
		"tool_ms", stats.TotalToolDurationMs,
	)
	return models.Outcome{ConversationID: models.Ref(conv.ID)}, nil
}

func (d *Dispatcher) conversation(ctx context.Context, ev models.HookEvent) (*models.Conversation, error) {
	conv, err := d.store.FindConversationBySession(ctx, ev.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &DomainError{
			Code:    CodeSessionNotFound,
			Message: fmt.Sprintf("no conversation for session %q; SessionStart was not received", ev.SessionID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func occurredAt(ev models.HookEvent) (time.Time, error) {
	at, err := ev.OccurredAt()
	if err != nil {
		return time.Time{}, &DomainError{Code: CodeBadTimestamp, Message: err.Error()}
	}
	return at, nil
}

// DeriveTitle turns the first prompt into a conversation title: its first
// non-empty line, whitespace collapsed, cut to maxTitleLen runes.
func DeriveTitle(prompt string) string {
	var line string
	for _, l := range strings.Split(prompt, "\n") {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			line = l
			break
		}
	}
	runes := []rune(line)
	if len(runes) > maxTitleLen {
		return strings.TrimSpace(string(runes[:maxTitleLen-3])) + "..."
	}
	return line
}
