package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

const ingestionColumns = `
	id::text, request_id, request_id_generated, event_type, session_id,
	received_at, processed_at, status, error_code, error_message,
	request_metadata, payload,
	conversation_id::text, message_id::text, tool_use_id::text, duration_ms`

// CreateIngestionEvent inserts ev in PENDING state.
//
// The UNIQUE constraint on request_id is the request-level idempotency guard;
// a conflict returns ErrDuplicateRequest and leaves the existing row untouched.
func (p *PostgresStore) CreateIngestionEvent(ctx context.Context, ev *models.IngestionEvent) error {
	if ev.ID == "" || ev.RequestID == "" {
		return errors.New("id/requestID required")
	}
	if ev.Status != models.StatusPending {
		return fmt.Errorf("%w: create in %s", ErrIllegalTransition, ev.Status)
	}

	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	// RETURNING 1 only when inserted; duplicates return no rows.
	var one int
	err = p.pool.QueryRow(ctx, `
		INSERT INTO ingestion_events(
			id, request_id, request_id_generated, event_type, session_id,
			received_at, status, request_metadata, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING 1
	`, ev.ID, ev.RequestID, ev.RequestIDGenerated, eventTypeArg(ev.EventType), ev.SessionID,
		ev.ReceivedAt, ev.Status, metaJSON, []byte(payload)).Scan(&one)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateRequest
	}
	return classify(err)
}

// FinalizeIngestionEvent writes the terminal state of ev.
//
// Transitions are validated here and again in SQL: the UPDATE only matches rows
// still in a non-terminal state, so a terminal record can never regress.
func (p *PostgresStore) FinalizeIngestionEvent(ctx context.Context, ev *models.IngestionEvent) error {
	if !ev.Status.Terminal() || ev.ProcessedAt == nil {
		return fmt.Errorf("%w: finalize in %s", ErrIllegalTransition, ev.Status)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE ingestion_events
		SET status=$2, processed_at=$3, error_code=$4, error_message=$5,
		    conversation_id=$6, message_id=$7, tool_use_id=$8, duration_ms=$9,
		    event_type=COALESCE($10, event_type), session_id=COALESCE($11, session_id)
		WHERE id=$1 AND status = ANY($12)
	`, ev.ID, ev.Status, *ev.ProcessedAt, ev.ErrorCode, ev.ErrorMessage,
		ev.Outcome.ConversationID, ev.Outcome.MessageID, ev.Outcome.ToolUseID, ev.DurationMs,
		eventTypeArg(ev.EventType), ev.SessionID, statusStrings(models.NonTerminalStatuses))
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := p.pool.QueryRow(ctx, `SELECT status FROM ingestion_events WHERE id=$1`, ev.ID).Scan(&current)
		if err != nil {
			return classify(err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, ev.Status)
	}
	return nil
}

// GetIngestionEventByRequestID returns the attempt recorded under requestID.
func (p *PostgresStore) GetIngestionEventByRequestID(ctx context.Context, requestID string) (*models.IngestionEvent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+ingestionColumns+` FROM ingestion_events WHERE request_id=$1`, requestID)
	ev, err := scanIngestionEvent(row)
	if err != nil {
		return nil, classify(err)
	}
	return ev, nil
}

// ListIngestionEventsBySession returns the attempts of a session, oldest first.
func (p *PostgresStore) ListIngestionEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.IngestionEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+ingestionColumns+`
		FROM ingestion_events
		WHERE session_id=$1
		ORDER BY received_at, id
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.IngestionEvent
	for rows.Next() {
		ev, err := scanIngestionEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// IngestionStats aggregates outcomes by event type and time bucket for the
// half-open window [from,to). bucket is a date_trunc unit: minute, hour or day.
func (p *PostgresStore) IngestionStats(ctx context.Context, from, to time.Time, bucket string) ([]models.StatsRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT COALESCE(event_type, 'UNKNOWN'),
		       date_trunc($3::text, received_at) AS bucket,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status='SUCCESS'),
		       COUNT(*) FILTER (WHERE status='DUPLICATE'),
		       COUNT(*) FILTER (WHERE status='INVALID'),
		       COUNT(*) FILTER (WHERE status='FAILED'),
		       COUNT(*) FILTER (WHERE status='ERROR'),
		       COUNT(*) FILTER (WHERE status='PENDING_RETRY')
		FROM ingestion_events
		WHERE received_at >= $1
		  AND received_at <  $2
		GROUP BY 1, 2
		ORDER BY 2, 1
	`, from, to, bucket)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.StatsRow
	for rows.Next() {
		var r models.StatsRow
		if err := rows.Scan(&r.EventType, &r.Bucket, &r.Total, &r.Success, &r.Duplicate,
			&r.Invalid, &r.Failed, &r.Errored, &r.PendingRetry); err != nil {
			return nil, err
		}
		r.Bucket = r.Bucket.UTC()
		r.ComputeRates()
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanIngestionEvent(row pgx.Row) (*models.IngestionEvent, error) {
	var (
		ev        models.IngestionEvent
		eventType *string
		status    string
		metaJSON  []byte
		payload   []byte
	)
	err := row.Scan(
		&ev.ID, &ev.RequestID, &ev.RequestIDGenerated, &eventType, &ev.SessionID,
		&ev.ReceivedAt, &ev.ProcessedAt, &status, &ev.ErrorCode, &ev.ErrorMessage,
		&metaJSON, &payload,
		&ev.Outcome.ConversationID, &ev.Outcome.MessageID, &ev.Outcome.ToolUseID, &ev.DurationMs,
	)
	if err != nil {
		return nil, err
	}
	if eventType != nil {
		et := models.EventType(*eventType)
		ev.EventType = &et
	}
	ev.Status = models.Status(status)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	if ev.ProcessedAt != nil {
		t := ev.ProcessedAt.UTC()
		ev.ProcessedAt = &t
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode request metadata: %w", err)
		}
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func eventTypeArg(t *models.EventType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
