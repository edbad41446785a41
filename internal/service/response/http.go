package response

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	apperrors "workshop-backend/internal/errors"
)

type callerKey struct{}

// WithCaller stores the caller identity that scopes cached responses.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller set by WithCaller, or "".
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// HTTPHandler adapts handler to net/http. endpoint names the route in stats,
// TTL policy and Cache-Control selection.
func (o *Optimizer) HTTPHandler(endpoint string, handler HandlerFunc, opts ...HandleOption) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &Request{
			Method:   r.Method,
			Path:     r.URL.Path,
			Endpoint: endpoint,
			Query:    r.URL.Query(),
			Caller:   CallerFromContext(r.Context()),
		}

		if r.Body != nil {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, o.cfg.MaxBodyBytes))
			if err != nil {
				o.WriteResponse(w, r, o.readFailure(req, err))
				return
			}
			req.Body = body
		}

		o.WriteResponse(w, r, o.Handle(r.Context(), req, handler, opts...))
	}
}

func (o *Optimizer) readFailure(req *Request, err error) *Response {
	start := o.now()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = apperrors.Validation("BODY_TOO_LARGE", "Request body is too large").
			WithResource(req.Method + " " + req.Path).
			WithCause(err).
			Build()
	} else {
		err = apperrors.Validation("BODY_UNREADABLE", "Request body could not be read").
			WithCause(err).
			Build()
	}
	resp := o.failure(err, start)
	if req.Endpoint == "" {
		req.Endpoint = req.Method + " " + req.Path
	}
	o.decorate(req, resp)
	return resp
}

// WriteResponse writes resp, gzip-compressing bodies flagged for compression
// when the client accepts it.
func (o *Optimizer) WriteResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	compress := resp.Header.Get("X-Compression") == "gzip" && acceptsGzip(r)
	if !compress {
		w.Header().Del("X-Compression")
		w.WriteHeader(resp.Status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(resp.Body)
		}
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}

	gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		o.logger.Error("Failed to create gzip writer", zap.Error(err))
		return
	}
	if _, err := gz.Write(resp.Body); err != nil {
		o.logger.Debug("Failed to write compressed response", zap.Error(err))
	}
	if err := gz.Close(); err != nil {
		o.logger.Debug("Failed to flush compressed response", zap.Error(err))
	}
}

// acceptsGzip honours "gzip;q=0" as a refusal.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), "gzip") {
			continue
		}
		k, v, _ := strings.Cut(strings.TrimSpace(params), "=")
		if strings.TrimSpace(k) == "q" {
			if q, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && q == 0 {
				return false
			}
		}
		return true
	}
	return false
}
