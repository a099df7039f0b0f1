// Package dedupe implements idempotency as an ordered sequence of independent
// checks. Each check is a predicate plus a lookup; the first hit wins and
// short-circuits the pipeline into the DUPLICATE state.
package dedupe

import (
	"context"
	"errors"
	"fmt"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
)

// Stage selects when a check runs relative to schema validation.
type Stage int

const (
	// BeforeValidation checks only need the request id.
	BeforeValidation Stage = iota
	// AfterValidation checks read the validated event.
	AfterValidation
)

// Match codes reported on a hit.
const (
	CodeDuplicateRequest = "DUPLICATE_REQUEST"
	CodeDuplicateSession = "DUPLICATE_SESSION"
)

// Candidate is what the checks inspect.
type Candidate struct {
	RequestID string
	// Event is nil before validation.
	Event *models.HookEvent
}

// Match is a terminal outcome to short-circuit with.
type Match struct {
	Check   string
	Code    string
	Outcome models.Outcome
	// Original is the matched audit record for request-level hits.
	Original *models.IngestionEvent
}

// Check is one predicate+lookup pair.
type Check struct {
	Name    string
	Stage   Stage
	Applies func(Candidate) bool
	// Lookup returns (nil, nil) on a miss.
	Lookup func(ctx context.Context, c Candidate) (*Match, error)
}

// RequestLookup finds prior attempts by request id.
type RequestLookup interface {
	GetIngestionEventByRequestID(ctx context.Context, requestID string) (*models.IngestionEvent, error)
}

// ConversationLookup finds the business record of a session.
type ConversationLookup interface {
	FindConversationBySession(ctx context.Context, sessionID string) (*models.Conversation, error)
}

// Detector runs checks in registration order.
type Detector struct {
	checks []Check
}

// New returns a detector with the given checks.
func New(checks ...Check) *Detector {
	return &Detector{checks: checks}
}

// NewDefault wires the request-level check followed by the session-level checks.
func NewDefault(requests RequestLookup, conversations ConversationLookup) *Detector {
	return New(
		RequestCheck(requests),
		SessionStartCheck(conversations),
		SessionEndCheck(conversations),
	)
}

// Run evaluates the checks of stage in order and returns the first hit.
func (d *Detector) Run(ctx context.Context, stage Stage, c Candidate) (*Match, error) {
	for _, chk := range d.checks {
		if chk.Stage != stage {
			continue
		}
		if chk.Applies != nil && !chk.Applies(c) {
			continue
		}
		m, err := chk.Lookup(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", chk.Name, err)
		}
		if m != nil {
			m.Check = chk.Name
			return m, nil
		}
	}
	return nil, nil
}

// RequestCheck matches any earlier attempt with the same request id, whatever
// its payload. The original outcome is returned verbatim.
func RequestCheck(requests RequestLookup) Check {
	return Check{
		Name:  "request",
		Stage: BeforeValidation,
		Applies: func(c Candidate) bool {
			return c.RequestID != ""
		},
		Lookup: func(ctx context.Context, c Candidate) (*Match, error) {
			prior, err := requests.GetIngestionEventByRequestID(ctx, c.RequestID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return &Match{Code: CodeDuplicateRequest, Outcome: prior.Outcome, Original: prior}, nil
		},
	}
}

// SessionStartCheck treats a second SessionStart for a session that already
// has a conversation as a duplicate, whatever its request id.
func SessionStartCheck(conversations ConversationLookup) Check {
	return Check{
		Name:    "session-start",
		Stage:   AfterValidation,
		Applies: eventIs(models.EventSessionStart),
		Lookup: func(ctx context.Context, c Candidate) (*Match, error) {
			conv, err := findConversation(ctx, conversations, c.Event.SessionID)
			if conv == nil || err != nil {
				return nil, err
			}
			return &Match{Code: CodeDuplicateSession, Outcome: models.Outcome{ConversationID: models.Ref(conv.ID)}}, nil
		},
	}
}

// SessionEndCheck treats SessionEnd for an already completed conversation as
// a duplicate so finalization and reconciliation run once.
func SessionEndCheck(conversations ConversationLookup) Check {
	return Check{
		Name:    "session-end",
		Stage:   AfterValidation,
		Applies: eventIs(models.EventSessionEnd),
		Lookup: func(ctx context.Context, c Candidate) (*Match, error) {
			conv, err := findConversation(ctx, conversations, c.Event.SessionID)
			if conv == nil || err != nil {
				return nil, err
			}
			if conv.Status != models.ConversationCompleted {
				return nil, nil
			}
			return &Match{Code: CodeDuplicateSession, Outcome: models.Outcome{ConversationID: models.Ref(conv.ID)}}, nil
		},
	}
}

func eventIs(t models.EventType) func(Candidate) bool {
	return func(c Candidate) bool {
		return c.Event != nil && c.Event.Event == t
	}
}

func findConversation(ctx context.Context, conversations ConversationLookup, sessionID string) (*models.Conversation, error) {
	conv, err := conversations.FindConversationBySession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}
