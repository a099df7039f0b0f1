package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

const conversationColumns = `id::text, session_id, title, status, started_at, ended_at`

// CreateConversation inserts the conversation for sessionID, or returns the
// existing one. created reports whether this call inserted it.
func (p *PostgresStore) CreateConversation(
	ctx context.Context,
	sessionID string,
	meta models.ConversationMeta,
	startedAt time.Time,
) (models.Conversation, bool, error) {

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.Conversation{}, false, err
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO conversations(id, session_id, status, metadata, started_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING `+conversationColumns,
		uuid.NewString(), sessionID, models.ConversationActive, metaJSON, startedAt)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, false, classify(err)
	}

	existing, err := p.FindConversationBySession(ctx, sessionID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return *existing, false, nil
}

// FindConversationBySession returns ErrNotFound when the session has no conversation.
func (p *PostgresStore) FindConversationBySession(ctx context.Context, sessionID string) (*models.Conversation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE session_id=$1`, sessionID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, classify(err)
	}
	return &conv, nil
}

// SetConversationTitle sets the title only if none is set yet.
func (p *PostgresStore) SetConversationTitle(ctx context.Context, conversationID, title string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE conversations SET title=$2, updated_at=NOW()
		WHERE id=$1 AND title IS NULL
	`, conversationID, title)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendMessage inserts one message and returns its id.
func (p *PostgresStore) AppendMessage(ctx context.Context, m models.NewMessage) (string, error) {
	id := uuid.NewString()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages(id, conversation_id, role, content, natural_key, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, m.ConversationID, m.Role, m.Content, m.NaturalKey, m.Source, m.CreatedAt)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// StartToolUse records a PreToolUse. A repeated start for the same invocation
// returns the existing id.
func (p *PostgresStore) StartToolUse(ctx context.Context, s models.ToolUseStart) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO tool_uses(id, conversation_id, invocation_id, tool_name, params, started_at, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (conversation_id, invocation_id)
		DO UPDATE SET started_at = COALESCE(tool_uses.started_at, EXCLUDED.started_at)
		RETURNING id::text
	`, uuid.NewString(), s.ConversationID, s.InvocationID, s.ToolName, jsonArg(s.Params), s.StartedAt,
		models.SourceHook).Scan(&id)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// CompleteToolUse attaches the result to the tool use started under the same
// invocation id. Returns ErrNotFound when no start was recorded.
func (p *PostgresStore) CompleteToolUse(ctx context.Context, r models.ToolUseResult) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx, `
		UPDATE tool_uses
		SET result=$3, completed_at=$4, success=$5,
		    duration_ms = CASE
		        WHEN started_at IS NOT NULL THEN GREATEST(0, (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint)
		        ELSE $6 END
		WHERE conversation_id=$1 AND invocation_id=$2
		RETURNING id::text
	`, r.ConversationID, r.InvocationID, jsonArg(r.Result), r.CompletedAt, r.Success, r.DurationMs).Scan(&id)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// RecordToolUse writes a complete tool use. An existing record for the same
// invocation is kept and its id returned.
func (p *PostgresStore) RecordToolUse(ctx context.Context, t models.ToolUse) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO tool_uses(id, conversation_id, invocation_id, tool_name, params, result,
		                      completed_at, duration_ms, success, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (conversation_id, invocation_id)
		DO UPDATE SET invocation_id = EXCLUDED.invocation_id
		RETURNING id::text
	`, uuid.NewString(), t.ConversationID, t.InvocationID, t.ToolName, jsonArg(t.Params), jsonArg(t.Result),
		t.RecordedAt, t.DurationMs, t.Success, t.Source).Scan(&id)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// MarkConversationInterrupted flags an active conversation as interrupted.
// Completed conversations are left as they are.
func (p *PostgresStore) MarkConversationInterrupted(ctx context.Context, conversationID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status <> $3
	`, conversationID, models.ConversationInterrupted, models.ConversationCompleted)
	return classify(err)
}

// CompleteConversation marks the conversation complete and stores its aggregates.
func (p *PostgresStore) CompleteConversation(ctx context.Context, conversationID string, endedAt time.Time, reason string) (models.ConversationStats, error) {
	_, err := p.pool.Exec(ctx, `
		UPDATE conversations SET status=$2, ended_at=$3, end_reason=NULLIF($4, ''), updated_at=NOW()
		WHERE id=$1
	`, conversationID, models.ConversationCompleted, endedAt, reason)
	if err != nil {
		return models.ConversationStats{}, classify(err)
	}
	return p.RefreshConversationStats(ctx, conversationID)
}

// RefreshConversationStats recomputes and stores the conversation aggregates.
func (p *PostgresStore) RefreshConversationStats(ctx context.Context, conversationID string) (models.ConversationStats, error) {
	var s models.ConversationStats
	err := p.pool.QueryRow(ctx, `
		UPDATE conversations c SET
		    message_count = (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
		    tool_use_count = (SELECT COUNT(*) FROM tool_uses t WHERE t.conversation_id = c.id),
		    failed_tool_use_count = (SELECT COUNT(*) FROM tool_uses t WHERE t.conversation_id = c.id AND t.success = FALSE),
		    total_tool_duration_ms = (SELECT COALESCE(SUM(duration_ms), 0) FROM tool_uses t WHERE t.conversation_id = c.id),
		    updated_at = NOW()
		WHERE c.id = $1
		RETURNING message_count, tool_use_count, failed_tool_use_count, total_tool_duration_ms
	`, conversationID).Scan(&s.MessageCount, &s.ToolUseCount, &s.FailedToolUseCount, &s.TotalToolDurationMs)
	if err != nil {
		return models.ConversationStats{}, classify(err)
	}
	return s, nil
}

// MessageKeys returns the natural key of every stored message, duplicates included.
func (p *PostgresStore) MessageKeys(ctx context.Context, conversationID string) ([]string, error) {
	return p.keys(ctx, `SELECT natural_key FROM messages WHERE conversation_id=$1`, conversationID)
}

// ToolUseKeys returns the invocation id of every stored tool use.
func (p *PostgresStore) ToolUseKeys(ctx context.Context, conversationID string) ([]string, error) {
	return p.keys(ctx, `SELECT invocation_id FROM tool_uses WHERE conversation_id=$1`, conversationID)
}

func (p *PostgresStore) keys(ctx context.Context, query, conversationID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, classify(err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.SessionID, &c.Title, &c.Status, &c.StartedAt, &c.EndedAt)
	return c, err
}

// jsonArg passes raw JSON through as jsonb, mapping empty input to NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
