package lifetime

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go/micro"
)

// Middleware wraps a lease service endpoint handler to add cross-cutting
// functionality. It should call next to continue the chain, or answer the
// request itself to short-circuit.
type Middleware func(endpoint string, next micro.HandlerFunc) micro.HandlerFunc

// MiddlewareChain composes multiple middlewares into a single handler wrapper.
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewMiddlewareChain creates a new middleware chain.
func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{
		middlewares: middlewares,
	}
}

// Use adds middleware(s) to the chain.
func (mc *MiddlewareChain) Use(middlewares ...Middleware) {
	mc.middlewares = append(mc.middlewares, middlewares...)
}

// Wrap wraps a handler with all middlewares in the chain.
// Middlewares are executed in the order they were added.
func (mc *MiddlewareChain) Wrap(endpoint string, handler micro.HandlerFunc) micro.HandlerFunc {
	wrapped := handler
	for i := len(mc.middlewares) - 1; i >= 0; i-- {
		wrapped = mc.middlewares[i](endpoint, wrapped)
	}
	return wrapped
}

// Len returns the number of middlewares in the chain.
func (mc *MiddlewareChain) Len() int {
	return len(mc.middlewares)
}

// statusRequest records the error code a handler answered with.
type statusRequest struct {
	micro.Request
	code string
}

func (r *statusRequest) Error(code, description string, data []byte, opts ...micro.RespondOpt) error {
	r.code = code
	return r.Request.Error(code, description, data, opts...)
}

// RecoveryMiddleware catches handler panics and answers with a 500.
// This should typically be the first middleware in the chain.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(endpoint string, next micro.HandlerFunc) micro.HandlerFunc {
		return func(req micro.Request) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in endpoint handler",
						"endpoint", endpoint,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					_ = req.Error("500", fmt.Sprintf("internal error: %v", r), nil)
				}
			}()
			next(req)
		}
	}
}

// LoggingMiddleware logs every request at debug level, and requests slower
// than slowThreshold at warn level. A zero threshold disables the warning.
func LoggingMiddleware(logger *slog.Logger, slowThreshold time.Duration) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(endpoint string, next micro.HandlerFunc) micro.HandlerFunc {
		return func(req micro.Request) {
			start := time.Now()
			sr := &statusRequest{Request: req}

			next(sr)

			duration := time.Since(start)
			status := "OK"
			if sr.code != "" {
				status = sr.code
			}
			attrs := []any{
				"endpoint", endpoint,
				"status", status,
				"duration", duration,
				"request_size", len(req.Data()),
			}
			if slowThreshold > 0 && duration > slowThreshold {
				logger.Warn("slow lease service request", attrs...)
				return
			}
			logger.Debug("lease service request", attrs...)
		}
	}
}
