package storetest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

func TestCreateIngestionEventRejectsNonJSONBPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload json.RawMessage
		wantErr bool
	}{
		{"plain", json.RawMessage(`{"cwd":"/tmp"}`), false},
		{"empty", nil, false},
		{"escaped backslash", json.RawMessage(`{"cwd":"\\u0000"}`), false},
		{"nul in value", json.RawMessage(`{"cwd":"a\u0000b"}`), true},
		{"nul in key", json.RawMessage(`{"a\u0000":1}`), true},
		{"nul in array", json.RawMessage(`{"xs":["ok","\u0000"]}`), true},
		{"invalid utf8", json.RawMessage("{\"cwd\":\"\xff\"}"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			ev := &models.IngestionEvent{ID: "id-" + tt.name, RequestID: "req-" + tt.name, Status: models.StatusPending, Payload: tt.payload}
			err := m.CreateIngestionEvent(context.Background(), ev)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrJSONB)
				assert.Equal(t, 0, m.EventCount())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, m.EventCount())
		})
	}
}
