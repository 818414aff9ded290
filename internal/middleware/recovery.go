package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware.
type RecoveryConfig struct {
	// PrintStack prints the stack trace when a panic occurs.
	PrintStack bool
	// Logger receives the panic value and stack. Required.
	Logger *zap.Logger
}

// Recovery creates a panic recovery middleware that converts any panic in
// next into a GatewayInternal JSON error response instead of crashing the
// listener goroutine.
func Recovery(log *zap.Logger) Middleware {
	return RecoveryWithConfig(RecoveryConfig{PrintStack: true, Logger: log})
}

// RecoveryWithConfig creates a recovery middleware with custom config.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					var stack []byte
					if cfg.PrintStack {
						stack = debug.Stack()
					}
					if cfg.Logger != nil {
						cfg.Logger.Error("panic recovered",
							zap.Any("panic", err),
							zap.ByteString("stack", stack),
							zap.String("path", r.URL.Path),
						)
					}
					gwerrors.New(gwerrors.GatewayInternal, fmt.Sprintf("panic: %v", err)).WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
