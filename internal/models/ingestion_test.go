package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusPending, StatusProcessing, StatusSuccess, StatusFailed,
	StatusError, StatusInvalid, StatusDuplicate, StatusPendingRetry,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusInvalid, true},
		{StatusPending, StatusDuplicate, true},
		{StatusPending, StatusSuccess, false},
		{StatusPending, StatusPendingRetry, false},
		{StatusProcessing, StatusSuccess, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusError, true},
		{StatusProcessing, StatusPendingRetry, true},
		{StatusProcessing, StatusInvalid, false},
		{StatusProcessing, StatusDuplicate, false},
		{StatusProcessing, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestTransitionStampsProcessedAtOnlyWhenTerminal(t *testing.T) {
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := &IngestionEvent{Status: StatusPending, ReceivedAt: received}

	require.NoError(t, ev.Transition(StatusProcessing, received.Add(10*time.Millisecond)))
	assert.Nil(t, ev.ProcessedAt)
	assert.Nil(t, ev.DurationMs)

	require.NoError(t, ev.Transition(StatusSuccess, received.Add(42*time.Millisecond)))
	require.NotNil(t, ev.ProcessedAt)
	require.NotNil(t, ev.DurationMs)
	assert.Equal(t, int64(42), *ev.DurationMs)

	err := ev.Transition(StatusError, received.Add(time.Second))
	assert.Error(t, err)
	assert.Equal(t, StatusSuccess, ev.Status)
	assert.Equal(t, int64(42), *ev.DurationMs)
}

func TestOutcomeSatisfiesEventType(t *testing.T) {
	conv := Ref("c1")
	msg := Ref("m1")
	tool := Ref("t1")

	assert.True(t, Outcome{ConversationID: conv}.SatisfiesEventType(EventSessionStart))
	assert.False(t, Outcome{}.SatisfiesEventType(EventSessionStart))
	assert.True(t, Outcome{ConversationID: conv, MessageID: msg}.SatisfiesEventType(EventUserPromptSubmit))
	assert.False(t, Outcome{ConversationID: conv}.SatisfiesEventType(EventUserPromptSubmit))
	assert.True(t, Outcome{ToolUseID: tool}.SatisfiesEventType(EventPostToolUse))
	assert.True(t, Outcome{ConversationID: conv}.SatisfiesEventType(EventSessionEnd))
}

func TestStatsRowComputeRates(t *testing.T) {
	row := StatsRow{Total: 10, Success: 6, Duplicate: 1, Failed: 1, Errored: 1, Invalid: 1}
	row.ComputeRates()
	assert.InDelta(t, 0.7, row.SuccessRate, 1e-9)
	assert.InDelta(t, 0.2, row.ErrorRate, 1e-9)

	empty := StatsRow{}
	empty.ComputeRates()
	assert.Zero(t, empty.SuccessRate)
}

func TestHookEventHelpers(t *testing.T) {
	ev := HookEvent{Timestamp: "2026-03-01T10:00:00+02:00"}
	at, err := ev.OccurredAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), at)

	assert.True(t, HookEvent{}.ToolSucceeded())
	assert.True(t, HookEvent{Status: "success"}.ToolSucceeded())
	assert.False(t, HookEvent{Status: "error"}.ToolSucceeded())
	assert.False(t, HookEvent{Status: "timeout"}.ToolSucceeded())
	assert.False(t, HookEvent{Status: "cancelled"}.ToolSucceeded())
	assert.False(t, HookEvent{Error: "boom"}.ToolSucceeded())

	assert.True(t, EventPostToolUse.Valid())
	assert.False(t, EventType("Notification").Valid())
	assert.Nil(t, Ref(""))
}
