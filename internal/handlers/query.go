package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// QueryStore is the read side of the audit table.
type QueryStore interface {
	GetIngestionEventByRequestID(ctx context.Context, requestID string) (*models.IngestionEvent, error)
	ListIngestionEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.IngestionEvent, error)
	IngestionStats(ctx context.Context, from, to time.Time, bucket string) ([]models.StatsRow, error)
}

// RegisterQueryRoutes registers the operational query endpoints.
//
// GET /v1/ingestion-events/:requestId
// GET /v1/sessions/:sessionId/ingestion-events?limit=...
// GET /v1/stats?from=...&to=...&bucket=minute|hour|day
// - Requires X-API-Key (operator context)
func RegisterQueryRoutes(r gin.IRoutes, st QueryStore) {
	r.GET("/v1/ingestion-events/:requestId", func(c *gin.Context) {
		ev, err := st.GetIngestionEventByRequestID(c.Request.Context(), c.Param("requestId"))
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ingestion event not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, ev)
	})

	r.GET("/v1/sessions/:sessionId/ingestion-events", func(c *gin.Context) {
		limit := defaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxListLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
				return
			}
			limit = n
		}
		events, err := st.ListIngestionEventsBySession(c.Request.Context(), c.Param("sessionId"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		if events == nil {
			events = []models.IngestionEvent{}
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": c.Param("sessionId"),
			"events":     events,
		})
	})

	r.GET("/v1/stats", func(c *gin.Context) {
		fromStr := c.Query("from")
		toStr := c.Query("to")
		bucket := c.DefaultQuery("bucket", "hour")

		// Required query params per contract.
		if fromStr == "" || toStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from, to are required"})
			return
		}
		from, err := parseRFC3339(fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		to, err := parseRFC3339(toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		// Validate window to avoid confusing results.
		if !from.Before(to) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be < to"})
			return
		}
		switch bucket {
		case "minute", "hour", "day":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "bucket must be minute, hour or day"})
			return
		}

		rows, err := st.IngestionStats(c.Request.Context(), from, to, bucket)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		if rows == nil {
			rows = []models.StatsRow{}
		}
		c.JSON(http.StatusOK, gin.H{
			"from":   from,
			"to":     to,
			"bucket": bucket,
			"rows":   rows,
		})
	})
}

// parseRFC3339 parses an RFC3339 timestamp and normalizes it to UTC.
func parseRFC3339(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
