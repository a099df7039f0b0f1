// Package metadata derives the redacted request descriptor stored with every
// ingestion attempt. Redaction happens here, before anything is persisted or logged.
package metadata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

// Redacted replaces every credential-bearing header value.
const Redacted = "[REDACTED]"

// Request id sources, in resolution order.
const (
	SourceRequestHeader     = "x-request-id"
	SourceCorrelationHeader = "x-correlation-id"
	SourceIdempotencyHeader = "idempotency-key"
	SourcePayload           = "payload"
	SourceGenerated         = "generated"
)

var requestIDHeaders = []struct {
	name   string
	source string
}{
	{"X-Request-Id", SourceRequestHeader},
	{"X-Correlation-Id", SourceCorrelationHeader},
	{"Idempotency-Key", SourceIdempotencyHeader},
}

var ipHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// sensitiveHeaders are kept only as a redacted placeholder.
var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "X-API-Key"}

// keptHeaders are copied verbatim into the descriptor.
var keptHeaders = []string{"Accept", "Content-Length", "X-Forwarded-Proto", "X-Hook-Source", "X-Hook-Version"}

// maxHeaderValue bounds copied header values.
const maxHeaderValue = 256

// IDGenerator produces fallback request ids.
type IDGenerator func() string

// NewIDGenerator returns a generator of req_<unixMillis>_<randomToken> ids.
func NewIDGenerator(now func() time.Time) IDGenerator {
	return func() string {
		token := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		return fmt.Sprintf("req_%d_%s", now().UnixMilli(), token)
	}
}

// Extract builds the request descriptor from headers and the raw body.
// The body is only inspected for its requestId field; parse failures are ignored.
func Extract(h http.Header, body []byte, gen IDGenerator) models.RequestMetadata {
	md := models.RequestMetadata{
		IPAddress:   clientIP(h),
		UserAgent:   truncate(h.Get("User-Agent")),
		ContentType: truncate(h.Get("Content-Type")),
	}

	md.RequestID, md.RequestIDSource = resolveRequestID(h, body)
	if md.RequestID == "" {
		md.RequestID = gen()
		md.RequestIDSource = SourceGenerated
		md.RequestIDGenerated = true
	}

	headers := map[string]string{}
	for _, name := range keptHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			headers[name] = truncate(v)
		}
	}
	for _, name := range sensitiveHeaders {
		if h.Get(name) == "" {
			continue
		}
		headers[name] = Redacted
		if name == "Authorization" || name == "Proxy-Authorization" {
			md.AuthPresent = true
		}
	}
	if len(headers) > 0 {
		md.Headers = headers
	}
	return md
}

func resolveRequestID(h http.Header, body []byte) (string, string) {
	for _, hdr := range requestIDHeaders {
		if v := strings.TrimSpace(h.Get(hdr.name)); v != "" {
			return truncate(v), hdr.source
		}
	}
	var peek struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || len(peek.RequestID) == 0 {
		return "", ""
	}
	var id string
	if err := json.Unmarshal(peek.RequestID, &id); err != nil {
		return "", ""
	}
	if id = strings.TrimSpace(id); id == "" {
		return "", ""
	}
	return truncate(id), SourcePayload
}

func clientIP(h http.Header) *string {
	for _, name := range ipHeaders {
		v := h.Get(name)
		if name == "X-Forwarded-For" {
			v, _, _ = strings.Cut(v, ",")
		}
		if v = strings.TrimSpace(v); v != "" {
			v = truncate(v)
			return &v
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > maxHeaderValue {
		return s[:maxHeaderValue]
	}
	return s
}
