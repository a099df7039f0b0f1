package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/pipeline"
)

// Ingester runs one hook event through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.Request) (models.HookResponse, int)
}

// RegisterHookRoutes registers the ingestion endpoint.
//
// POST /v1/hooks (alias POST /events)
// - Open: instrumentation scripts send no credentials
// - Always answers with a structured body, whatever happened
// - Idempotent: X-Request-Id / X-Correlation-Id / Idempotency-Key / requestId
func RegisterHookRoutes(r gin.IRoutes, ing Ingester, maxBodyBytes int64) {
	h := func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, models.HookResponse{
					Status: models.StatusInvalid,
					Error: &models.ResponseError{
						Code:    pipeline.CodeBodyTooLarge,
						Message: "request body exceeds the configured limit",
					},
				})
				return
			}
			c.JSON(http.StatusBadRequest, models.HookResponse{
				Status: models.StatusInvalid,
				Error:  &models.ResponseError{Code: pipeline.CodeParseError, Message: "could not read request body"},
			})
			return
		}

		resp, status := ing.Ingest(c.Request.Context(), pipeline.Request{
			Header: c.Request.Header,
			Body:   body,
		})
		if resp.RequestID != "" {
			c.Header("X-Request-Id", resp.RequestID)
		}
		c.JSON(status, resp)
	}
	r.POST("/v1/hooks", h)
	r.POST("/events", h)
}
