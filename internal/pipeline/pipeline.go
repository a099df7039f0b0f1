// Package pipeline runs one hook event from raw request to terminal audit
// status: extract metadata, parse, request-level dedupe, validate,
// session-level dedupe, dispatch, record, reconcile.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/PratikDhanave/hook-ingestion-service/internal/dedupe"
	"github.com/PratikDhanave/hook-ingestion-service/internal/metadata"
	"github.com/PratikDhanave/hook-ingestion-service/internal/metrics"
	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/schema"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
)

const generatedIDWarning = "requestId was generated by the server; send X-Request-Id or requestId so retries are idempotent"

// AuditStore persists ingestion attempts.
type AuditStore interface {
	CreateIngestionEvent(ctx context.Context, ev *models.IngestionEvent) error
	FinalizeIngestionEvent(ctx context.Context, ev *models.IngestionEvent) error
	GetIngestionEventByRequestID(ctx context.Context, requestID string) (*models.IngestionEvent, error)
}

// Detector runs the idempotency checks of a stage.
type Detector interface {
	Run(ctx context.Context, stage dedupe.Stage, c dedupe.Candidate) (*dedupe.Match, error)
}

// Validator checks a payload against the event schema.
type Validator interface {
	Validate(body []byte) ([]models.FieldError, error)
}

// Dispatcher applies a validated event to the business store.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev models.HookEvent) (models.Outcome, error)
}

// Reconciler backfills a finished session.
type Reconciler interface {
	Run(ctx context.Context, sessionID, conversationID string) models.Reconciliation
}

// RetryQueue parks PENDING_RETRY events.
type RetryQueue interface {
	EnqueueRetry(ctx context.Context, eventID string) error
}

// Deps wires a Pipeline. Reconciler, Retries and Metrics are optional.
type Deps struct {
	Audit      AuditStore
	Detector   Detector
	Validator  Validator
	Dispatcher Dispatcher
	Reconciler Reconciler
	Retries    RetryQueue
	Metrics    *metrics.Metrics
	Log        *slog.Logger
	IDs        metadata.IDGenerator
	Now        func() time.Time
}

// Pipeline is safe for concurrent use; it keeps no per-request state.
type Pipeline struct {
	Deps
}

// New fills defaults for IDs, Now and Log.
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.IDs == nil {
		d.IDs = metadata.NewIDGenerator(d.Now)
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Pipeline{Deps: d}
}

// Request is one inbound call.
type Request struct {
	Header http.Header
	Body   []byte
}

// Ingest processes req and always returns a response body and HTTP status;
// it never panics.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (resp models.HookResponse, status int) {
	start := p.Now()
	var (
		meta models.RequestMetadata
		ev   *models.IngestionEvent
	)
	log := p.Log
	eventLabel := ""
	defer func() {
		if r := recover(); r != nil {
			log.Error("ingest panic", "panic", fmt.Sprint(r))
			resp = models.HookResponse{
				Status:    models.StatusError,
				RequestID: meta.RequestID,
				Error:     &models.ResponseError{Code: CodeInternal, Message: "internal error while processing event"},
			}
			status = http.StatusInternalServerError
			p.abandon(ctx, log, ev)
		}
		if meta.RequestIDGenerated {
			resp.RequestIDGenerated = true
			if resp.Warning == "" {
				resp.Warning = generatedIDWarning
			}
		}
		p.Metrics.ObserveEvent(eventLabel, string(resp.Status), p.Now().Sub(start))
	}()

	// jsonb rejects invalid UTF-8, so such bodies take the parse-error path.
	body := req.Body
	wellFormed := utf8.Valid(body) && json.Valid(body)
	if wellFormed {
		clean, err := stripNUL(body)
		if err != nil {
			wellFormed = false
		} else {
			body = clean
		}
	}
	var idSource []byte
	if wellFormed {
		idSource = body
	}

	meta = metadata.Extract(req.Header, idSource, p.IDs)
	log = log.With("request_id", meta.RequestID)

	peek := peekEvent(body)
	if peek.Event.Valid() {
		eventLabel = string(peek.Event)
		log = log.With("event", peek.Event)
	}
	if peek.SessionID != "" {
		log = log.With("session_id", peek.SessionID)
	}

	// Request-level duplicates are answered from the prior record.
	if wellFormed && !meta.RequestIDGenerated {
		m, err := p.Detector.Run(ctx, dedupe.BeforeValidation, dedupe.Candidate{RequestID: meta.RequestID})
		if err != nil {
			log.Error("request duplicate check failed", "error", err)
			return p.failWithoutRecord(meta, &Error{Kind: KindInfrastructure, Code: CodeInternal, Message: "duplicate check unavailable", Err: err})
		}
		if m != nil {
			log.Info("duplicate request", "check", m.Check)
			return duplicateResponse(meta, m), http.StatusOK
		}
	}

	rec := &models.IngestionEvent{
		ID:                 uuid.NewString(),
		RequestID:          meta.RequestID,
		RequestIDGenerated: meta.RequestIDGenerated,
		ReceivedAt:         start.UTC(),
		Status:             models.StatusPending,
		Metadata:           meta,
		Payload:            payloadOf(body, wellFormed),
	}
	if peek.Event.Valid() {
		et := peek.Event
		rec.EventType = &et
	}
	rec.SessionID = models.Ref(peek.SessionID)

	if err := p.Audit.CreateIngestionEvent(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// Lost a race with a concurrent attempt carrying the same request id.
			prior, lerr := p.Audit.GetIngestionEventByRequestID(ctx, meta.RequestID)
			if lerr == nil {
				log.Info("duplicate request on insert")
				return duplicateResponse(meta, &dedupe.Match{Check: "request", Code: dedupe.CodeDuplicateRequest, Outcome: prior.Outcome, Original: prior}), http.StatusOK
			}
			err = errors.Join(err, lerr)
		}
		log.Error("create ingestion event failed", "error", err)
		return p.failWithoutRecord(meta, &Error{Kind: KindInfrastructure, Code: CodeInternal, Message: "audit store unavailable", Err: err})
	}
	ev = rec

	if !wellFormed {
		return p.finish(ctx, log, ev, &Error{Kind: KindParse, Code: CodeParseError, Message: "request body is not well-formed JSON"})
	}

	fields, err := p.Validator.Validate(body)
	if errors.Is(err, schema.ErrMalformed) {
		return p.finish(ctx, log, ev, &Error{Kind: KindParse, Code: CodeParseError, Message: err.Error()})
	}
	if err != nil {
		_ = ev.Transition(models.StatusProcessing, p.Now())
		return p.finish(ctx, log, ev, &Error{Kind: KindInfrastructure, Code: CodeInternal, Message: "schema validation failed", Err: err})
	}
	if len(fields) > 0 {
		return p.finish(ctx, log, ev, &Error{Kind: KindValidation, Code: CodeValidation, Message: schema.Summary(fields), Fields: fields})
	}

	var hook models.HookEvent
	if err := json.Unmarshal(body, &hook); err != nil {
		return p.finish(ctx, log, ev, &Error{Kind: KindValidation, Code: CodeValidation, Message: err.Error()})
	}
	// The date-time format admits forms time.Parse rejects (lowercase t/z, leap seconds).
	if _, err := hook.OccurredAt(); err != nil {
		fields := []models.FieldError{{Path: "/timestamp", Reason: "must be an RFC 3339 timestamp with a 00-59 seconds field"}}
		return p.finish(ctx, log, ev, &Error{Kind: KindValidation, Code: CodeValidation, Message: schema.Summary(fields), Fields: fields})
	}

	m, err := p.Detector.Run(ctx, dedupe.AfterValidation, dedupe.Candidate{RequestID: meta.RequestID, Event: &hook})
	if err != nil {
		_ = ev.Transition(models.StatusProcessing, p.Now())
		return p.finish(ctx, log, ev, &Error{Kind: KindInfrastructure, Code: CodeInternal, Message: "duplicate check unavailable", Err: err})
	}
	if m != nil {
		ev.Outcome = m.Outcome
		log.Info("duplicate session event", "check", m.Check)
		return p.finish(ctx, log, ev, &Error{Kind: KindDuplicate, Code: m.Code, Message: "event already applied for this session"})
	}

	if err := ev.Transition(models.StatusProcessing, p.Now()); err != nil {
		return p.finish(ctx, log, ev, &Error{Kind: KindInfrastructure, Code: CodeInternal, Message: err.Error(), Err: err})
	}

	outcome, err := p.dispatch(ctx, hook)
	if err != nil {
		perr := classifyDispatch(err)
		resp, status := p.finish(ctx, log, ev, perr)
		if perr.Kind == KindTransient && p.Retries != nil {
			if qerr := p.Retries.EnqueueRetry(ctx, ev.ID); qerr != nil {
				log.Error("enqueue retry failed", "ingestion_id", ev.ID, "error", qerr)
			}
		}
		return resp, status
	}
	if !outcome.SatisfiesEventType(hook.Event) {
		return p.finish(ctx, log, ev, &Error{Kind: KindInfrastructure, Code: CodeOutcomeMissing, Message: "handler returned no record reference"})
	}

	ev.Outcome = outcome
	resp, status = p.finish(ctx, log, ev, nil)

	if hook.Event == models.EventSessionEnd && p.Reconciler != nil && outcome.ConversationID != nil {
		rec := p.Reconciler.Run(ctx, hook.SessionID, *outcome.ConversationID)
		resp.Reconciliation = &rec
		p.Metrics.ObserveReconciliation(reconcileResult(rec))
	}
	return resp, status
}

// dispatch converts a handler panic into an infrastructure error.
func (p *Pipeline) dispatch(ctx context.Context, hook models.HookEvent) (out models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.Dispatcher.Dispatch(ctx, hook)
}

// finish moves ev to its terminal status, writes it and builds the response.
// A failed audit write is logged and does not change the response.
func (p *Pipeline) finish(ctx context.Context, log *slog.Logger, ev *models.IngestionEvent, perr *Error) (models.HookResponse, int) {
	target := models.StatusSuccess
	if perr != nil {
		target = perr.Status()
		ev.Fail(perr.Code, perr.Message)
	}
	if err := ev.Transition(target, p.Now()); err != nil {
		log.Error("illegal transition", "from", ev.Status, "to", target, "error", err)
	}

	if err := p.Audit.FinalizeIngestionEvent(ctx, ev); err != nil {
		log.Error("finalize ingestion event failed", "ingestion_id", ev.ID, "status", ev.Status, "error", err)
	}

	resp := models.HookResponse{Status: ev.Status, RequestID: ev.RequestID}
	if !ev.Outcome.Empty() {
		o := ev.Outcome
		resp.Outcome = &o
	}
	switch {
	case perr == nil:
		log.Info("event processed", "status", ev.Status, "duration_ms", deref(ev.DurationMs))
	case perr.Kind == KindDuplicate:
	case perr.Kind == KindParse || perr.Kind == KindValidation || perr.Kind == KindDomain:
		resp.Error = perr.ResponseError()
		log.Warn("event rejected", "status", ev.Status, "code", perr.Code, "reason", perr.Message)
	default:
		resp.Error = perr.ResponseError()
		log.Error("event failed", "status", ev.Status, "code", perr.Code, "error", perr)
	}
	return resp, HTTPStatus(ev.Status)
}

// abandon finalizes a record left open by a recovered panic.
func (p *Pipeline) abandon(ctx context.Context, log *slog.Logger, ev *models.IngestionEvent) {
	if ev == nil || ev.Status.Terminal() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("finalize after panic failed", "ingestion_id", ev.ID, "panic", fmt.Sprint(r))
		}
	}()
	if ev.Status == models.StatusPending {
		_ = ev.Transition(models.StatusProcessing, p.Now())
	}
	ev.Fail(CodeInternal, "internal error while processing event")
	if err := ev.Transition(models.StatusError, p.Now()); err != nil {
		log.Error("illegal transition", "from", ev.Status, "to", models.StatusError, "error", err)
		return
	}
	if err := p.Audit.FinalizeIngestionEvent(ctx, ev); err != nil {
		log.Error("finalize ingestion event failed", "ingestion_id", ev.ID, "status", ev.Status, "error", err)
	}
}

// failWithoutRecord answers when no audit record could be written.
func (p *Pipeline) failWithoutRecord(meta models.RequestMetadata, perr *Error) (models.HookResponse, int) {
	return models.HookResponse{
		Status:    perr.Status(),
		RequestID: meta.RequestID,
		Error:     perr.ResponseError(),
	}, perr.HTTPStatus()
}

func duplicateResponse(meta models.RequestMetadata, m *dedupe.Match) models.HookResponse {
	resp := models.HookResponse{Status: models.StatusDuplicate, RequestID: meta.RequestID}
	if !m.Outcome.Empty() {
		o := m.Outcome
		resp.Outcome = &o
	}
	if m.Original != nil {
		resp.Original = m.Original.Original()
	}
	return resp
}

// eventPeek reads the routing fields of a payload that may not validate.
type eventPeek struct {
	Event     models.EventType `json:"event"`
	SessionID string           `json:"sessionId"`
}

func peekEvent(body []byte) eventPeek {
	var pk eventPeek
	if err := json.Unmarshal(body, &pk); err != nil {
		return eventPeek{}
	}
	return pk
}

// maxRawPayload bounds the raw text kept for an unparseable body.
const maxRawPayload = 4096

func payloadOf(body []byte, wellFormed bool) json.RawMessage {
	if wellFormed {
		return json.RawMessage(body)
	}
	if len(body) > maxRawPayload {
		body = body[:maxRawPayload]
	}
	// jsonb rejects NUL characters.
	raw := strings.ReplaceAll(string(body), "\x00", "")
	b, _ := json.Marshal(map[string]any{"parseError": true, "raw": raw})
	return b
}

// stripNUL re-encodes body without NUL characters, which jsonb cannot store.
// Bodies without a \u0000 escape are returned unchanged.
func stripNUL(body []byte) ([]byte, error) {
	if !bytes.Contains(body, []byte(`\u0000`)) {
		return body, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(dropNUL(v))
}

func dropNUL(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\x00", "")
	case []any:
		for i := range t {
			t[i] = dropNUL(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ReplaceAll(k, "\x00", "")] = dropNUL(val)
		}
		return out
	default:
		return v
	}
}

func reconcileResult(r models.Reconciliation) string {
	switch {
	case r.Error == "":
		return "ok"
	case r.Scheduled:
		return "scheduled"
	default:
		return "failed"
	}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
