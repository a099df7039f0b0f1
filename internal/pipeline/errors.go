package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/PratikDhanave/hook-ingestion-service/internal/dispatch"
	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
)

// Kind is the error taxonomy of an ingestion attempt.
type Kind int

const (
	KindParse Kind = iota + 1
	KindValidation
	KindDuplicate
	KindDomain
	KindInfrastructure
	KindTransient
)

// Response error codes.
const (
	CodeParseError     = "PARSE_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
	CodeTransient      = "TRANSIENT_ERROR"
	CodeBodyTooLarge   = "BODY_TOO_LARGE"
	CodeOutcomeMissing = "OUTCOME_MISSING"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  []models.FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the terminal audit status of the kind.
func (e *Error) Status() models.Status {
	switch e.Kind {
	case KindParse, KindValidation:
		return models.StatusInvalid
	case KindDuplicate:
		return models.StatusDuplicate
	case KindDomain:
		return models.StatusFailed
	case KindTransient:
		return models.StatusPendingRetry
	default:
		return models.StatusError
	}
}

// HTTPStatus is the response status of the kind.
func (e *Error) HTTPStatus() int {
	return HTTPStatus(e.Status())
}

// HTTPStatus maps a terminal audit status to the response status.
func HTTPStatus(s models.Status) int {
	switch s {
	case models.StatusSuccess, models.StatusDuplicate:
		return http.StatusOK
	case models.StatusInvalid:
		return http.StatusBadRequest
	case models.StatusPendingRetry:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// ResponseError projects e into the response body.
func (e *Error) ResponseError() *models.ResponseError {
	return &models.ResponseError{Code: e.Code, Message: e.Message, Fields: e.Fields}
}

// classifyDispatch maps a dispatcher error onto the taxonomy.
func classifyDispatch(err error) *Error {
	var derr *dispatch.DomainError
	switch {
	case errors.As(err, &derr):
		return &Error{Kind: KindDomain, Code: derr.Code, Message: derr.Message, Err: err}
	case errors.Is(err, store.ErrTransient):
		return &Error{Kind: KindTransient, Code: CodeTransient, Message: "temporary storage failure; retry later", Err: err}
	default:
		return &Error{Kind: KindInfrastructure, Code: CodeInternal, Message: "internal error while processing event", Err: err}
	}
}
