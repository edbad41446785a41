package errors

import (
	"errors"
	"net/http"
	"time"
)

// Envelope is the uniform body rendered for every failed request.
type Envelope struct {
	Error     bool    `json:"error"`
	Message   string  `json:"message"`
	Code      string  `json:"code"`
	Timestamp string  `json:"timestamp"`
	ElapsedMs float64 `json:"elapsedMs"`
}

// NewEnvelope renders err for a client. Internal failures are reported with a
// generic message so causes never leak into responses.
func NewEnvelope(err error, elapsed time.Duration, now time.Time) Envelope {
	env := Envelope{
		Error:     true,
		Message:   "Internal server error",
		Code:      "INTERNAL_ERROR",
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		ElapsedMs: float64(elapsed.Microseconds()) / 1000,
	}

	var unified *UnifiedError
	if errors.As(err, &unified) {
		env.Code = unified.Code
		switch unified.Type {
		case ErrorTypeValidation, ErrorTypeNotFound:
			env.Message = unified.Message
		case ErrorTypeTransientIO, ErrorTypeCacheUnavailable:
			env.Message = "Service temporarily unavailable"
		}
	}
	return env
}

// HTTPStatus maps an error to the status code its envelope is served with.
func HTTPStatus(err error) int {
	var unified *UnifiedError
	if !errors.As(err, &unified) {
		if Classify(err) == ErrorTypeTransientIO {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}

	switch unified.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeTransientIO, ErrorTypeCacheUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
