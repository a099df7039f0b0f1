package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
	"github.com/PratikDhanave/hook-ingestion-service/internal/storetest"
)

func newDispatcher() (*Dispatcher, *storetest.Memory) {
	mem := storetest.NewMemory()
	return New(mem, slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func hook(event models.EventType, ts string) models.HookEvent {
	return models.HookEvent{Event: event, SessionID: "s1", Timestamp: ts}
}

func start(t *testing.T, d *Dispatcher) string {
	t.Helper()
	out, err := d.Dispatch(context.Background(), hook(models.EventSessionStart, "2026-01-01T10:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, out.ConversationID)
	return *out.ConversationID
}

func TestSessionStartIsIdempotentOnSession(t *testing.T) {
	d, mem := newDispatcher()
	first := start(t, d)
	second := start(t, d)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, mem.ConversationCount())
}

func TestNonStartEventsRequireConversation(t *testing.T) {
	d, mem := newDispatcher()
	for _, et := range []models.EventType{models.EventUserPromptSubmit, models.EventPreToolUse, models.EventPostToolUse, models.EventStop, models.EventSessionEnd} {
		ev := hook(et, "2026-01-01T10:00:00Z")
		ev.SessionID = "unknown-session"
		ev.Prompt, ev.ToolName, ev.ToolUseID = "hi", "Bash", "tu1"
		_, err := d.Dispatch(context.Background(), ev)
		var derr *DomainError
		require.True(t, errors.As(err, &derr), et)
		assert.Equal(t, CodeSessionNotFound, derr.Code)
	}
	assert.Equal(t, 0, mem.ConversationCount())
}

func TestUserPromptAppendsMessageAndTitlesOnce(t *testing.T) {
	d, mem := newDispatcher()
	convID := start(t, d)

	ev := hook(models.EventUserPromptSubmit, "2026-01-01T10:00:05Z")
	ev.Prompt = "\n  Refactor   the parser\nso it streams"
	out, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, out.MessageID)
	assert.Equal(t, convID, *out.ConversationID)

	ev.Prompt = "second prompt"
	_, err = d.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	conv, _, ok := mem.Conversation("s1")
	require.True(t, ok)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "Refactor the parser", *conv.Title)

	msgs := mem.Messages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, models.SourceHook, msgs[0].Source)
	assert.NotEmpty(t, msgs[0].NaturalKey)
}

func TestTitleFailureDoesNotFailPrompt(t *testing.T) {
	d, mem := newDispatcher()
	start(t, d)
	mem.Fail("SetConversationTitle", errors.New("db hiccup"))

	ev := hook(models.EventUserPromptSubmit, "2026-01-01T10:00:05Z")
	ev.Prompt = "hello"
	out, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.NotNil(t, out.MessageID)
}

func TestToolUseCorrelation(t *testing.T) {
	d, mem := newDispatcher()
	convID := start(t, d)

	pre := hook(models.EventPreToolUse, "2026-01-01T10:00:10Z")
	pre.ToolName, pre.ToolUseID = "Bash", "toolu_1"
	pre.ToolInput = json.RawMessage(`{"command":"ls"}`)
	preOut, err := d.Dispatch(context.Background(), pre)
	require.NoError(t, err)

	post := hook(models.EventPostToolUse, "2026-01-01T10:00:11.5Z")
	post.ToolName, post.ToolUseID = "Bash", "toolu_1"
	post.ToolResponse = json.RawMessage(`"a.txt"`)
	postOut, err := d.Dispatch(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, *preOut.ToolUseID, *postOut.ToolUseID)

	uses := mem.ToolUses(convID)
	require.Len(t, uses, 1)
	assert.Equal(t, int64(1500), uses[0].DurationMs)
	assert.True(t, uses[0].Success)
	assert.JSONEq(t, `{"command":"ls"}`, string(uses[0].Params))
	assert.JSONEq(t, `"a.txt"`, string(uses[0].Result))
}

func TestPostToolUseWithoutPreIsRecordedStandalone(t *testing.T) {
	d, mem := newDispatcher()
	convID := start(t, d)

	post := hook(models.EventPostToolUse, "2026-01-01T10:00:11Z")
	post.ToolName, post.ToolUseID = "Read", "toolu_9"
	post.Status = "error"
	dur := int64(250)
	post.DurationMs = &dur
	out, err := d.Dispatch(context.Background(), post)
	require.NoError(t, err)
	require.NotNil(t, out.ToolUseID)

	uses := mem.ToolUses(convID)
	require.Len(t, uses, 1)
	assert.Equal(t, int64(250), uses[0].DurationMs)
	assert.False(t, uses[0].Success)
	assert.Equal(t, "Read", uses[0].ToolName)
}

func TestStopAndSessionEnd(t *testing.T) {
	d, mem := newDispatcher()
	convID := start(t, d)

	_, err := d.Dispatch(context.Background(), hook(models.EventStop, "2026-01-01T10:01:00Z"))
	require.NoError(t, err)
	conv, _, _ := mem.Conversation("s1")
	assert.Equal(t, models.ConversationInterrupted, conv.Status)

	prompt := hook(models.EventUserPromptSubmit, "2026-01-01T10:01:30Z")
	prompt.Prompt = "continue"
	_, err = d.Dispatch(context.Background(), prompt)
	require.NoError(t, err)

	end := hook(models.EventSessionEnd, "2026-01-01T10:02:00Z")
	end.Reason = "exit"
	out, err := d.Dispatch(context.Background(), end)
	require.NoError(t, err)
	assert.Equal(t, convID, *out.ConversationID)

	conv, stats, _ := mem.Conversation("s1")
	assert.Equal(t, models.ConversationCompleted, conv.Status)
	require.NotNil(t, conv.EndedAt)
	assert.Equal(t, int64(1), stats.MessageCount)

	_, err = d.Dispatch(context.Background(), hook(models.EventStop, "2026-01-01T10:03:00Z"))
	require.NoError(t, err)
	conv, _, _ = mem.Conversation("s1")
	assert.Equal(t, models.ConversationCompleted, conv.Status, "stop after end keeps completed")
}

func TestStoreFailuresAreNotDomainErrors(t *testing.T) {
	d, mem := newDispatcher()
	start(t, d)
	mem.Fail("AppendMessage", store.ErrTransient)

	ev := hook(models.EventUserPromptSubmit, "2026-01-01T10:00:05Z")
	ev.Prompt = "hi"
	_, err := d.Dispatch(context.Background(), ev)
	require.Error(t, err)
	var derr *DomainError
	assert.False(t, errors.As(err, &derr))
	assert.ErrorIs(t, err, store.ErrTransient)
}

func TestUnsupportedEvent(t *testing.T) {
	d, _ := newDispatcher()
	_, err := d.Dispatch(context.Background(), hook("Notification", "2026-01-01T10:00:00Z"))
	var derr *DomainError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, CodeUnsupportedEvent, derr.Code)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "", DeriveTitle("   \n\t"))
	assert.Equal(t, "fix bug", DeriveTitle("fix\tbug\nmore"))
	long := strings.Repeat("ab ", 60)
	got := DeriveTitle(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(got)), maxTitleLen)
	assert.Equal(t, "héllo wörld", DeriveTitle("héllo   wörld"))
}
