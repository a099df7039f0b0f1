// Package reconcile backfills business records a session's hook events missed,
// using the session transcript as the source.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

// Store is the business-store surface the backfill needs.
type Store interface {
	MessageKeys(ctx context.Context, conversationID string) ([]string, error)
	ToolUseKeys(ctx context.Context, conversationID string) ([]string, error)
	AppendMessage(ctx context.Context, m models.NewMessage) (string, error)
	RecordToolUse(ctx context.Context, t models.ToolUse) (string, error)
	RefreshConversationStats(ctx context.Context, conversationID string) (models.ConversationStats, error)
}

// Parser reconstructs a session. It must tolerate repeated calls.
type Parser interface {
	Parse(ctx context.Context, sessionID string) (models.Transcript, error)
}

// Scheduler defers a reconciliation to a later worker pass.
type Scheduler interface {
	ScheduleReconcile(ctx context.Context, sessionID string) error
}

// Trigger runs the transcript diff for a finished session.
type Trigger struct {
	store     Store
	parser    Parser
	scheduler Scheduler
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// New returns a trigger. scheduler may be nil, in which case timed-out runs are
// only logged.
func New(st Store, parser Parser, scheduler Scheduler, timeout time.Duration, log *slog.Logger) *Trigger {
	return &Trigger{
		store:     st,
		parser:    parser,
		scheduler: scheduler,
		timeout:   timeout,
		log:       log,
		now:       time.Now,
	}
}

// Run backfills the conversation of sessionID. It never returns an error; the
// result carries what happened. The caller's cancellation does not abort it,
// only the trigger's own timeout does.
func (t *Trigger) Run(ctx context.Context, sessionID, conversationID string) models.Reconciliation {
	ctx = context.WithoutCancel(ctx)
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	res, err := t.Backfill(runCtx, sessionID, conversationID)
	if err == nil {
		t.log.Info("reconciliation finished",
			"session_id", sessionID,
			"messages_added", res.MessagesAdded,
			"tool_uses_added", res.ToolUsesAdded)
		return res
	}

	res.Error = err.Error()
	if errors.Is(err, context.DeadlineExceeded) && t.scheduler != nil {
		schedCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if serr := t.scheduler.ScheduleReconcile(schedCtx, sessionID); serr != nil {
			t.log.Error("schedule reconciliation failed", "session_id", sessionID, "error", serr)
		} else {
			res.Scheduled = true
		}
	}
	t.log.Warn("reconciliation incomplete",
		"session_id", sessionID,
		"scheduled", res.Scheduled,
		"messages_added", res.MessagesAdded,
		"tool_uses_added", res.ToolUsesAdded,
		"error", err)
	return res
}

// Backfill parses the transcript and inserts every turn and tool use whose
// natural key is not yet stored. Counts reflect inserts made before any error.
func (t *Trigger) Backfill(ctx context.Context, sessionID, conversationID string) (models.Reconciliation, error) {
	var res models.Reconciliation

	tr, err := t.parser.Parse(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("parse transcript: %w", err)
	}

	msgKeys, err := t.store.MessageKeys(ctx, conversationID)
	if err != nil {
		return res, fmt.Errorf("load message keys: %w", err)
	}
	missing := MissingTurns(msgKeys, tr.Turns)
	for _, turn := range missing {
		created := turn.Timestamp
		if created.IsZero() {
			created = t.now().UTC()
		}
		if _, err := t.store.AppendMessage(ctx, models.NewMessage{
			ConversationID: conversationID,
			Role:           turn.Role,
			Content:        turn.Content,
			NaturalKey:     turn.Key,
			Source:         models.SourceTranscript,
			CreatedAt:      created,
		}); err != nil {
			return res, fmt.Errorf("append message: %w", err)
		}
		res.MessagesAdded++
	}

	toolKeys, err := t.store.ToolUseKeys(ctx, conversationID)
	if err != nil {
		return res, fmt.Errorf("load tool use keys: %w", err)
	}
	have := make(map[string]struct{}, len(toolKeys))
	for _, k := range toolKeys {
		have[k] = struct{}{}
	}
	for _, tu := range tr.ToolUses {
		if _, ok := have[tu.Key]; ok || tu.Key == "" {
			continue
		}
		if _, err := t.store.RecordToolUse(ctx, models.ToolUse{
			ConversationID: conversationID,
			InvocationID:   tu.Key,
			ToolName:       tu.ToolName,
			Params:         tu.Params,
			Result:         tu.Result,
			Success:        tu.Success,
			Source:         models.SourceTranscript,
			RecordedAt:     t.now().UTC(),
		}); err != nil {
			return res, fmt.Errorf("record tool use: %w", err)
		}
		have[tu.Key] = struct{}{}
		res.ToolUsesAdded++
	}

	if res.MessagesAdded > 0 || res.ToolUsesAdded > 0 {
		if _, err := t.store.RefreshConversationStats(ctx, conversationID); err != nil {
			return res, fmt.Errorf("refresh stats: %w", err)
		}
	}
	return res, nil
}

// MissingTurns returns the turns not covered by stored keys. Keys are counted,
// so a prompt sent twice needs two stored copies to be fully covered.
func MissingTurns(stored []string, turns []models.Turn) []models.Turn {
	counts := make(map[string]int, len(stored))
	for _, k := range stored {
		counts[k]++
	}
	var out []models.Turn
	for _, turn := range turns {
		if counts[turn.Key] > 0 {
			counts[turn.Key]--
			continue
		}
		out = append(out, turn)
	}
	return out
}
