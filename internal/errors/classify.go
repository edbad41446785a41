package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
)

// throttlingCodes are AWS API error codes that signal a retryable condition.
var throttlingCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"Throttling":                             {},
	"RequestLimitExceeded":                   {},
	"TransactionConflictException":           {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
}

// Classify decides whether an error is worth retrying. UnifiedErrors keep
// their own type. For everything else, deadlines, network timeouts, refused
// or reset connections, unexpected EOFs, AWS throttling and redis pool
// exhaustion are transient; anything unrecognised is permanent.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	var unified *UnifiedError
	if errors.As(err, &unified) {
		return unified.Type
	}

	switch {
	case errors.Is(err, context.Canceled):
		// The caller gave up; retrying on its behalf is pointless.
		return ErrorTypePermanentIO
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return ErrorTypeTransientIO
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTransientIO
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeTransientIO
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := throttlingCodes[apiErr.ErrorCode()]; ok {
			return ErrorTypeTransientIO
		}
		return ErrorTypePermanentIO
	}

	// go-redis v8 keeps its pool timeout error internal; it is matched by text.
	if strings.Contains(err.Error(), "connection pool timeout") {
		return ErrorTypeTransientIO
	}

	return ErrorTypePermanentIO
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var unified *UnifiedError
	if errors.As(err, &unified) {
		return unified.Retryable || unified.Type == ErrorTypeTransientIO
	}
	return Classify(err) == ErrorTypeTransientIO
}
