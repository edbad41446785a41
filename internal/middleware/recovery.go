package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "workshop-backend/internal/errors"
	"workshop-backend/pkg/api"
)

// Recovery turns a panic into a 500 error envelope. If the handler already
// started the response there is nothing left to send.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := GetRequestIDFromRequest(r)
				logger.Error("Handler panicked",
					zap.String("request_id", requestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))

				if w.Header().Get("Content-Type") == "" {
					api.Error(w, apperrors.Internal("PANIC", fmt.Sprintf("panic: %v", rec)).
						WithRequestID(requestID).
						Build())
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
