// Package api holds the response helpers and report contracts shared by the
// HTTP surfaces.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "workshop-backend/internal/errors"
)

// Success writes data as JSON with statusCode.
func Success(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes the error envelope for err with its mapped status.
func Error(w http.ResponseWriter, err error) {
	ErrorWithElapsed(w, err, 0)
}

// ErrorWithElapsed is Error for callers that timed the failed request.
func ErrorWithElapsed(w http.ResponseWriter, err error, elapsed time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(apperrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(apperrors.NewEnvelope(err, elapsed, time.Now()))
}
