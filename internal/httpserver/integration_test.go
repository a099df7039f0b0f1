//go:build integration

package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

////////////////////////////////////////////////////////////////////////////////
// INTEGRATION TEST SUITE
//
// These tests validate the service end-to-end:
//
//   Hook script → HTTP API → Pipeline → Postgres → Query API → Response
//
// The service must already be running (for example via docker compose).
// Run with: go test -tags integration ./internal/httpserver/
//
// Optional environment overrides:
//
//   BASE_URL      default http://localhost:8080
//   OPERATOR_KEY  default operator-key-123
//
////////////////////////////////////////////////////////////////////////////////

func baseURL() string {
	if v := os.Getenv("BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func operatorKey() string {
	if v := os.Getenv("OPERATOR_KEY"); v != "" {
		return v
	}
	return "operator-key-123"
}

// unique generates a unique string so tests never collide with previous runs.
func unique(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// waitReady polls /ready until DB + server are ready.
func waitReady(t *testing.T) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/ready")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}

	t.Fatalf("service not ready after 30s")
}

// httpGet performs a GET request with optional API key.
func httpGet(t *testing.T, apiKey string, path string) (int, []byte) {
	t.Helper()

	req, _ := http.NewRequest("GET", baseURL()+path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	require.NoError(t, err, "GET %s", path)
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

// postRaw posts body with an optional X-Request-Id.
func postRaw(t *testing.T, requestID string, body []byte) (int, models.HookResponse) {
	t.Helper()

	req, _ := http.NewRequest("POST", baseURL()+"/v1/hooks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out models.HookResponse
	b, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(b, &out), string(b))
	return resp.StatusCode, out
}

func postHook(t *testing.T, requestID string, payload map[string]any) (int, models.HookResponse) {
	t.Helper()
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(payload)
	return postRaw(t, requestID, b)
}

func TestHealth_ReturnsOK(t *testing.T) {
	s, _ := httpGet(t, "", "/health")
	assert.Equal(t, http.StatusOK, s)
}

func TestReady_ReturnsOK(t *testing.T) {
	waitReady(t)
	s, _ := httpGet(t, "", "/ready")
	assert.Equal(t, http.StatusOK, s)
}

// Generated id, then a session-level duplicate.
func TestSessionStart_GeneratedIDThenSessionDuplicate(t *testing.T) {
	waitReady(t)
	session := unique("sess")

	s, first := postHook(t, "", map[string]any{"event": "SessionStart", "sessionId": session})
	require.Equal(t, http.StatusOK, s)
	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.True(t, first.RequestIDGenerated)
	require.NotNil(t, first.Outcome)

	s, second := postHook(t, unique("req"), map[string]any{"event": "SessionStart", "sessionId": session})
	require.Equal(t, http.StatusOK, s)
	assert.Equal(t, models.StatusDuplicate, second.Status)
	assert.Equal(t, *first.Outcome.ConversationID, *second.Outcome.ConversationID)
}

// Malformed body.
func TestMalformedBody_IsInvalid(t *testing.T) {
	waitReady(t)
	s, resp := postRaw(t, unique("bad"), []byte(`{"event":`))
	assert.Equal(t, http.StatusBadRequest, s)
	assert.Equal(t, models.StatusInvalid, resp.Status)
	assert.Equal(t, "PARSE_ERROR", resp.Error.Code)
}

// Tool use on a session that was never started.
func TestUnknownSession_IsFailed(t *testing.T) {
	waitReady(t)
	s, resp := postHook(t, unique("d"), map[string]any{
		"event": "PostToolUse", "sessionId": unique("unknown"), "toolName": "Bash", "toolUseId": "t1",
	})
	assert.Equal(t, http.StatusInternalServerError, s)
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, "SESSION_NOT_FOUND", resp.Error.Code)
}

// Same request id twice yields the same outcome and one record.
func TestIdempotency_SameRequestID(t *testing.T) {
	waitReady(t)
	session := unique("idem")
	postHook(t, unique("start"), map[string]any{"event": "SessionStart", "sessionId": session})

	reqID := unique("prompt")
	prompt := map[string]any{"event": "UserPromptSubmit", "sessionId": session, "prompt": "hello"}
	_, first := postHook(t, reqID, prompt)
	_, second := postHook(t, reqID, prompt)
	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.Equal(t, models.StatusDuplicate, second.Status)
	assert.Equal(t, first.Outcome, second.Outcome)

	s, b := httpGet(t, operatorKey(), "/v1/ingestion-events/"+url.PathEscape(reqID))
	require.Equal(t, http.StatusOK, s)
	var ev models.IngestionEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	assert.Equal(t, models.StatusSuccess, ev.Status)

	s, b = httpGet(t, operatorKey(), "/v1/sessions/"+url.PathEscape(session)+"/ingestion-events")
	require.Equal(t, http.StatusOK, s)
	var list struct {
		Events []models.IngestionEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(b, &list))
	assert.Len(t, list.Events, 2)
}

func TestQueries_UnauthorizedWithoutAPIKey(t *testing.T) {
	waitReady(t)
	s, _ := httpGet(t, "", "/v1/stats?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z")
	assert.Equal(t, http.StatusUnauthorized, s)
}

func TestStats_CountsRecentEvents(t *testing.T) {
	waitReady(t)
	session := unique("stats")
	postHook(t, unique("s"), map[string]any{"event": "SessionStart", "sessionId": session})

	now := time.Now().UTC()
	q := url.Values{}
	q.Set("from", now.Add(-time.Hour).Format(time.RFC3339))
	q.Set("to", now.Add(time.Hour).Format(time.RFC3339))
	q.Set("bucket", "day")
	s, b := httpGet(t, operatorKey(), "/v1/stats?"+q.Encode())
	require.Equal(t, http.StatusOK, s)

	var body struct {
		Rows []models.StatsRow `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(b, &body))
	var total int64
	for _, r := range body.Rows {
		if r.EventType == "SessionStart" {
			total += r.Total
		}
	}
	assert.GreaterOrEqual(t, total, int64(1))
}
