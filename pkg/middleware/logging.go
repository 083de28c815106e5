package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestLogger logs one line per request. Server errors are logged at WARN
// so they surface without debug logging; everything else is DEBUG.
// A nil logger disables it.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			level := zapcore.DebugLevel
			if wrapped.statusCode >= http.StatusInternalServerError {
				level = zapcore.WarnLevel
			}
			if ce := logger.Check(level, "HTTP request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("route", r.Pattern),
					zap.String("path", r.URL.Path),
					zap.Int("status", wrapped.statusCode),
					zap.Int("bytes", wrapped.bytes),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", RequestIDFromContext(r.Context())),
				)
			}
		})
	}
}

// responseWriter records the first status code and the body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	bytes         int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.statusCode = code
	rw.headerWritten = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
