package handlers

import (
	"net/http"

	"github.com/google/uuid"
)

// GetOrGenerateRequestID retrieves X-Request-ID from header or generates a new one.
// Format: "req-{uuid}" if generated.
func GetOrGenerateRequestID(r *http.Request) string {
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	return "req-" + uuid.New().String()
}
