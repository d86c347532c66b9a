package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request ID string.
	RequestIDKey = "request_id"
)

// maxRequestIDLength bounds caller-supplied IDs before they reach logs and the audit table.
const maxRequestIDLength = 128

// RequestIDMiddleware reuses an inbound X-Request-ID or generates a UUID v4, stores
// it under RequestIDKey and echoes it on the response so callers can correlate
// their request with the access log and audit entries.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
