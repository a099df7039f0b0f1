package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the processing state of an IngestionEvent.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusError        Status = "ERROR"
	StatusInvalid      Status = "INVALID"
	StatusDuplicate    Status = "DUPLICATE"
	StatusPendingRetry Status = "PENDING_RETRY"
)

// transitions is the full state machine. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusInvalid, StatusDuplicate},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusError, StatusPendingRetry},
}

// Terminal reports whether no transition out of s exists.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError, StatusInvalid, StatusDuplicate, StatusPendingRetry:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses are the states a stored record may still leave.
var NonTerminalStatuses = []Status{StatusPending, StatusProcessing}

// RequestMetadata is the redacted descriptor of the inbound HTTP request.
type RequestMetadata struct {
	IPAddress          *string           `json:"ipAddress"`
	UserAgent          string            `json:"userAgent,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	RequestID          string            `json:"requestId"`
	RequestIDGenerated bool              `json:"requestIdGenerated"`
	RequestIDSource    string            `json:"requestIdSource"`
	AuthPresent        bool              `json:"authPresent"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// IngestionEvent is the audit record of one ingestion attempt.
type IngestionEvent struct {
	ID                 string          `json:"id"`
	RequestID          string          `json:"requestId"`
	RequestIDGenerated bool            `json:"requestIdGenerated"`
	EventType          *EventType      `json:"eventType,omitempty"`
	SessionID          *string         `json:"sessionId,omitempty"`
	ReceivedAt         time.Time       `json:"receivedAt"`
	ProcessedAt        *time.Time      `json:"processedAt,omitempty"`
	Status             Status          `json:"status"`
	ErrorCode          *string         `json:"errorCode,omitempty"`
	ErrorMessage       *string         `json:"errorMessage,omitempty"`
	Metadata           RequestMetadata `json:"metadata"`
	Payload            json.RawMessage `json:"payload"`
	Outcome            Outcome         `json:"outcome"`
	DurationMs         *int64          `json:"durationMs,omitempty"`
}

// Transition moves e to status to, stamping ProcessedAt when to is terminal.
// It returns an error and leaves e untouched for edges outside the state machine.
func (e *IngestionEvent) Transition(to Status, at time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s", e.Status, to)
	}
	e.Status = to
	if to.Terminal() {
		at = at.UTC()
		e.ProcessedAt = &at
		ms := at.Sub(e.ReceivedAt).Milliseconds()
		e.DurationMs = &ms
	}
	return nil
}

// Fail records the error code and message on e.
func (e *IngestionEvent) Fail(code, message string) {
	e.ErrorCode = &code
	e.ErrorMessage = &message
}

// Original projects e into the duplicate-response echo.
func (e IngestionEvent) Original() *OriginalRecord {
	return &OriginalRecord{
		ID:          e.ID,
		Status:      e.Status,
		ReceivedAt:  e.ReceivedAt,
		ProcessedAt: e.ProcessedAt,
	}
}

// StatsRow is one bucket of the aggregate success/error report.
type StatsRow struct {
	EventType    string    `json:"eventType"`
	Bucket       time.Time `json:"bucket"`
	Total        int64     `json:"total"`
	Success      int64     `json:"success"`
	Duplicate    int64     `json:"duplicate"`
	Invalid      int64     `json:"invalid"`
	Failed       int64     `json:"failed"`
	Errored      int64     `json:"error"`
	PendingRetry int64     `json:"pendingRetry"`
	SuccessRate  float64   `json:"successRate"`
	ErrorRate    float64   `json:"errorRate"`
}

// ComputeRates fills SuccessRate and ErrorRate from the counters.
// Duplicates count as successes; FAILED and ERROR count as errors.
func (r *StatsRow) ComputeRates() {
	if r.Total == 0 {
		return
	}
	r.SuccessRate = float64(r.Success+r.Duplicate) / float64(r.Total)
	r.ErrorRate = float64(r.Failed+r.Errored) / float64(r.Total)
}
