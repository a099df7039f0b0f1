// Package storetest provides an in-memory implementation of the store ports
// with the same uniqueness and transition rules as the Postgres store.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
)

type conversation struct {
	models.Conversation
	Meta   models.ConversationMeta
	Reason string
	Stats  models.ConversationStats
}

type message struct {
	ID string
	models.NewMessage
}

type toolUse struct {
	ID          string
	StartedAt   *time.Time
	CompletedAt *time.Time
	models.ToolUse
}

// Memory is safe for concurrent use.
type Memory struct {
	mu            sync.Mutex
	events        map[string]*models.IngestionEvent // by id
	byRequest     map[string]string                 // request id -> id
	conversations map[string]*conversation          // by session id
	messages      []message
	toolUses      []*toolUse

	// FailNext, when set, is returned (and cleared) by the next call of the
	// named method.
	FailNext map[string]error
	// BeforeCall runs at the start of every method with its name.
	BeforeCall func(method string)
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		events:        map[string]*models.IngestionEvent{},
		byRequest:     map[string]string{},
		conversations: map[string]*conversation{},
		FailNext:      map[string]error{},
	}
}

// Fail makes the next call of method return err.
func (m *Memory) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNext[method] = err
}

// call runs BeforeCall and locks m. On an injected failure it unlocks and
// returns the error; otherwise the caller owns the lock.
func (m *Memory) call(method string) error {
	if m.BeforeCall != nil {
		m.BeforeCall(method)
	}
	m.mu.Lock()
	if err, ok := m.FailNext[method]; ok {
		delete(m.FailNext, method)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) CreateIngestionEvent(_ context.Context, ev *models.IngestionEvent) error {
	if err := m.call("CreateIngestionEvent"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if ev.Status != models.StatusPending {
		return fmt.Errorf("%w: create in %s", store.ErrIllegalTransition, ev.Status)
	}
	if err := checkJSONB(ev.Payload); err != nil {
		return err
	}
	if _, exists := m.byRequest[ev.RequestID]; exists {
		return store.ErrDuplicateRequest
	}
	cp := *ev
	m.events[ev.ID] = &cp
	m.byRequest[ev.RequestID] = ev.ID
	return nil
}

func (m *Memory) FinalizeIngestionEvent(_ context.Context, ev *models.IngestionEvent) error {
	if err := m.call("FinalizeIngestionEvent"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if !ev.Status.Terminal() || ev.ProcessedAt == nil {
		return fmt.Errorf("%w: finalize in %s", store.ErrIllegalTransition, ev.Status)
	}
	cur, ok := m.events[ev.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, cur.Status, ev.Status)
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

// ErrJSONB is returned for payloads a jsonb column would reject.
var ErrJSONB = errors.New("payload not storable as jsonb")

// checkJSONB applies the jsonb input rules: valid JSON, valid UTF-8 and no
// NUL characters in strings or keys.
func checkJSONB(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !utf8.Valid(raw) {
		return fmt.Errorf("%w: invalid byte sequence for encoding UTF8", ErrJSONB)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrJSONB, err)
	}
	if hasNUL(v) {
		return fmt.Errorf("%w: unsupported Unicode escape sequence", ErrJSONB)
	}
	return nil
}

func hasNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case []any:
		for _, e := range t {
			if hasNUL(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.ContainsRune(k, 0) || hasNUL(e) {
				return true
			}
		}
	}
	return false
}

func (m *Memory) GetIngestionEventByRequestID(_ context.Context, requestID string) (*models.IngestionEvent, error) {
	if err := m.call("GetIngestionEventByRequestID"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	id, ok := m.byRequest[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.events[id]
	return &cp, nil
}

func (m *Memory) ListIngestionEventsBySession(_ context.Context, sessionID string, limit int) ([]models.IngestionEvent, error) {
	if err := m.call("ListIngestionEventsBySession"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []models.IngestionEvent
	for _, ev := range m.events {
		if ev.SessionID != nil && *ev.SessionID == sessionID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) IngestionStats(_ context.Context, from, to time.Time, bucket string) ([]models.StatsRow, error) {
	if err := m.call("IngestionStats"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	unit := map[string]time.Duration{"minute": time.Minute, "hour": time.Hour, "day": 24 * time.Hour}[bucket]
	if unit == 0 {
		unit = time.Hour
	}
	type key struct {
		et string
		b  time.Time
	}
	rows := map[key]*models.StatsRow{}
	for _, ev := range m.events {
		if ev.ReceivedAt.Before(from) || !ev.ReceivedAt.Before(to) {
			continue
		}
		et := "UNKNOWN"
		if ev.EventType != nil {
			et = string(*ev.EventType)
		}
		k := key{et, ev.ReceivedAt.UTC().Truncate(unit)}
		r, ok := rows[k]
		if !ok {
			r = &models.StatsRow{EventType: et, Bucket: k.b}
			rows[k] = r
		}
		r.Total++
		switch ev.Status {
		case models.StatusSuccess:
			r.Success++
		case models.StatusDuplicate:
			r.Duplicate++
		case models.StatusInvalid:
			r.Invalid++
		case models.StatusFailed:
			r.Failed++
		case models.StatusError:
			r.Errored++
		case models.StatusPendingRetry:
			r.PendingRetry++
		}
	}
	out := make([]models.StatsRow, 0, len(rows))
	for _, r := range rows {
		r.ComputeRates()
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].EventType < out[j].EventType
	})
	return out, nil
}

func (m *Memory) CreateConversation(_ context.Context, sessionID string, meta models.ConversationMeta, startedAt time.Time) (models.Conversation, bool, error) {
	if err := m.call("CreateConversation"); err != nil {
		return models.Conversation{}, false, err
	}
	defer m.mu.Unlock()
	if c, ok := m.conversations[sessionID]; ok {
		return c.Conversation, false, nil
	}
	c := &conversation{
		Conversation: models.Conversation{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Status:    models.ConversationActive,
			StartedAt: startedAt,
		},
		Meta: meta,
	}
	m.conversations[sessionID] = c
	return c.Conversation, true, nil
}

func (m *Memory) FindConversationBySession(_ context.Context, sessionID string) (*models.Conversation, error) {
	if err := m.call("FindConversationBySession"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	c, ok := m.conversations[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := c.Conversation
	return &cp, nil
}

func (m *Memory) conversationByID(id string) *conversation {
	for _, c := range m.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *Memory) SetConversationTitle(_ context.Context, conversationID, title string) (bool, error) {
	if err := m.call("SetConversationTitle"); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	c := m.conversationByID(conversationID)
	if c == nil || c.Title != nil {
		return false, nil
	}
	c.Title = &title
	return true, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg models.NewMessage) (string, error) {
	if err := m.call("AppendMessage"); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	if m.conversationByID(msg.ConversationID) == nil {
		return "", fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}
	id := uuid.NewString()
	m.messages = append(m.messages, message{ID: id, NewMessage: msg})
	return id, nil
}

func (m *Memory) findToolUse(conversationID, invocationID string) *toolUse {
	for _, t := range m.toolUses {
		if t.ConversationID == conversationID && t.InvocationID == invocationID {
			return t
		}
	}
	return nil
}

func (m *Memory) StartToolUse(_ context.Context, s models.ToolUseStart) (string, error) {
	if err := m.call("StartToolUse"); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	if t := m.findToolUse(s.ConversationID, s.InvocationID); t != nil {
		if t.StartedAt == nil {
			at := s.StartedAt
			t.StartedAt = &at
		}
		return t.ID, nil
	}
	at := s.StartedAt
	t := &toolUse{
		ID:        uuid.NewString(),
		StartedAt: &at,
		ToolUse: models.ToolUse{
			ConversationID: s.ConversationID,
			InvocationID:   s.InvocationID,
			ToolName:       s.ToolName,
			Params:         s.Params,
			Source:         models.SourceHook,
		},
	}
	m.toolUses = append(m.toolUses, t)
	return t.ID, nil
}

func (m *Memory) CompleteToolUse(_ context.Context, r models.ToolUseResult) (string, error) {
	if err := m.call("CompleteToolUse"); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	t := m.findToolUse(r.ConversationID, r.InvocationID)
	if t == nil {
		return "", store.ErrNotFound
	}
	at := r.CompletedAt
	t.CompletedAt = &at
	t.Result = r.Result
	t.Success = r.Success
	if t.StartedAt != nil {
		t.DurationMs = max(0, r.CompletedAt.Sub(*t.StartedAt).Milliseconds())
	} else {
		t.DurationMs = r.DurationMs
	}
	return t.ID, nil
}

func (m *Memory) RecordToolUse(_ context.Context, tu models.ToolUse) (string, error) {
	if err := m.call("RecordToolUse"); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	if t := m.findToolUse(tu.ConversationID, tu.InvocationID); t != nil {
		return t.ID, nil
	}
	at := tu.RecordedAt
	t := &toolUse{ID: uuid.NewString(), CompletedAt: &at, ToolUse: tu}
	m.toolUses = append(m.toolUses, t)
	return t.ID, nil
}

func (m *Memory) MarkConversationInterrupted(_ context.Context, conversationID string) error {
	if err := m.call("MarkConversationInterrupted"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	c := m.conversationByID(conversationID)
	if c != nil && c.Status != models.ConversationCompleted {
		c.Status = models.ConversationInterrupted
	}
	return nil
}

func (m *Memory) CompleteConversation(_ context.Context, conversationID string, endedAt time.Time, reason string) (models.ConversationStats, error) {
	if err := m.call("CompleteConversation"); err != nil {
		return models.ConversationStats{}, err
	}
	defer m.mu.Unlock()
	c := m.conversationByID(conversationID)
	if c == nil {
		return models.ConversationStats{}, store.ErrNotFound
	}
	c.Status = models.ConversationCompleted
	c.EndedAt = &endedAt
	c.Reason = reason
	c.Stats = m.statsLocked(conversationID)
	return c.Stats, nil
}

func (m *Memory) RefreshConversationStats(_ context.Context, conversationID string) (models.ConversationStats, error) {
	if err := m.call("RefreshConversationStats"); err != nil {
		return models.ConversationStats{}, err
	}
	defer m.mu.Unlock()
	c := m.conversationByID(conversationID)
	if c == nil {
		return models.ConversationStats{}, store.ErrNotFound
	}
	c.Stats = m.statsLocked(conversationID)
	return c.Stats, nil
}

func (m *Memory) statsLocked(conversationID string) models.ConversationStats {
	var s models.ConversationStats
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			s.MessageCount++
		}
	}
	for _, t := range m.toolUses {
		if t.ConversationID != conversationID {
			continue
		}
		s.ToolUseCount++
		if t.CompletedAt != nil && !t.Success {
			s.FailedToolUseCount++
		}
		s.TotalToolDurationMs += t.DurationMs
	}
	return s
}

func (m *Memory) MessageKeys(_ context.Context, conversationID string) ([]string, error) {
	if err := m.call("MessageKeys"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var keys []string
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			keys = append(keys, msg.NaturalKey)
		}
	}
	return keys, nil
}

func (m *Memory) ToolUseKeys(_ context.Context, conversationID string) ([]string, error) {
	if err := m.call("ToolUseKeys"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var keys []string
	for _, t := range m.toolUses {
		if t.ConversationID == conversationID {
			keys = append(keys, t.InvocationID)
		}
	}
	return keys, nil
}

// Inspection helpers for assertions.

// Event returns a copy of the stored ingestion event for requestID.
func (m *Memory) Event(requestID string) (models.IngestionEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRequest[requestID]
	if !ok {
		return models.IngestionEvent{}, false
	}
	return *m.events[id], true
}

// EventCount returns the number of stored ingestion events.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// ConversationCount returns the number of conversations.
func (m *Memory) ConversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

// Conversation returns the conversation of sessionID with its status and stats.
func (m *Memory) Conversation(sessionID string) (models.Conversation, models.ConversationStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[sessionID]
	if !ok {
		return models.Conversation{}, models.ConversationStats{}, false
	}
	return c.Conversation, c.Stats, true
}

// Messages returns the messages of a conversation in insertion order.
func (m *Memory) Messages(conversationID string) []models.NewMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NewMessage
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg.NewMessage)
		}
	}
	return out
}

// ToolUses returns the tool uses of a conversation in insertion order.
func (m *Memory) ToolUses(conversationID string) []models.ToolUse {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ToolUse
	for _, t := range m.toolUses {
		if t.ConversationID == conversationID {
			out = append(out, t.ToolUse)
		}
	}
	return out
}
