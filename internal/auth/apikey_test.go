package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyMiddleware(map[string]string{"secret-1": "ops"}))
	r.GET("/who", func(c *gin.Context) {
		c.String(http.StatusOK, Operator(c))
	})
	return r
}

func TestAPIKeyMiddleware(t *testing.T) {
	r := newRouter()
	tests := []struct {
		name     string
		key      string
		wantCode int
		wantBody string
	}{
		{"valid key", "secret-1", http.StatusOK, "ops"},
		{"valid key with padding", "  secret-1 ", http.StatusOK, "ops"},
		{"wrong key", "secret-2", http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"missing key", "", http.StatusUnauthorized, `{"error":"unauthorized"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestOperatorWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, "", Operator(c))
}
