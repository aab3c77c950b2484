// Package http serves the planner over a JSON HTTP API.
package http

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
)

type traceKey struct{}

// trace identifies one request and the wider operation it belongs to.
type trace struct {
	requestID     string
	correlationID string
}

func traceFrom(ctx context.Context) trace {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t
}

// GetRequestID returns the request id assigned by Trace.
func GetRequestID(ctx context.Context) string { return traceFrom(ctx).requestID }

// GetCorrelationID returns the correlation id assigned by Trace.
func GetCorrelationID(ctx context.Context) string { return traceFrom(ctx).correlationID }

// Trace honours incoming X-Request-ID and X-Correlation-ID headers, minting
// a request id when absent. The correlation id defaults to the request id.
// Both are echoed on the response.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := trace{
			requestID:     r.Header.Get(headerRequestID),
			correlationID: r.Header.Get(headerCorrelationID),
		}
		if t.requestID == "" {
			t.requestID = uuid.NewString()
		}
		if t.correlationID == "" {
			t.correlationID = t.requestID
		}
		w.Header().Set(headerRequestID, t.requestID)
		w.Header().Set(headerCorrelationID, t.correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, t)))
	})
}

// Recover answers a panicking handler with a JSON 500 and logs the stack.
func Recover(logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				logger.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered")
				writeError(w, http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: GetRequestID(r.Context()),
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// countingWriter remembers the status and body size a handler produced.
type countingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (c *countingWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *countingWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	n, err := c.ResponseWriter.Write(b)
	c.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (c *countingWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// AccessLog writes one line per request: 5xx at error, 4xx at warn,
// everything else at debug.
func AccessLog(logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			cw := &countingWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)

			status := cw.status
			if status == 0 {
				status = http.StatusOK
			}
			level := zerolog.DebugLevel
			if status >= 500 {
				level = zerolog.ErrorLevel
			} else if status >= 400 {
				level = zerolog.WarnLevel
			}

			t := traceFrom(r.Context())
			event := logger.WithLevel(level).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int64("bytes", cw.written).
				Dur("duration", time.Since(start)).
				Str("request_id", t.requestID).
				Str("correlation_id", t.correlationID)
			if r.Pattern != "" {
				event = event.Str("route", r.Pattern)
			}
			event.Msg("HTTP request")
		})
	}
}

// Chain composes middlewares; the first is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// DefaultMiddleware is tracing, access logging and panic recovery, with
// extra running innermost.
func DefaultMiddleware(logger zerolog.Logger, extra ...func(http.Handler) http.Handler) Middleware {
	mws := []Middleware{Trace, AccessLog(logger), Recover(logger)}
	for _, mw := range extra {
		mws = append(mws, mw)
	}
	return Chain(mws...)
}
