// Package handlers exposes the operational HTTP surface: health, performance
// reports, cache administration and Prometheus metrics.
package handlers

import (
	"fmt"
	"strconv"
	"time"

	apperrors "workshop-backend/internal/errors"
	"workshop-backend/internal/service/response"
)

const (
	defaultWindow = time.Hour
	maxWindow     = 24 * time.Hour
	defaultTop    = 10
	maxTop        = 100
)

// windowParam reads ?window= as a Go duration, 1h when absent.
func windowParam(req *response.Request) (time.Duration, error) {
	raw := req.Query.Get("window")
	if raw == "" {
		return defaultWindow, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 || d > maxWindow {
		return 0, apperrors.Validation("INVALID_WINDOW",
			fmt.Sprintf("window must be a duration between 0 and %s", maxWindow)).
			WithResource(req.Endpoint).
			Build()
	}
	return d, nil
}

func topParam(req *response.Request) (int, error) {
	raw := req.Query.Get("top")
	if raw == "" {
		return defaultTop, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxTop {
		return 0, apperrors.Validation("INVALID_TOP",
			fmt.Sprintf("top must be an integer between 1 and %d", maxTop)).
			WithResource(req.Endpoint).
			Build()
	}
	return n, nil
}
