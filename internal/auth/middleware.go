package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"mcp-agent-worker/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，用于校验令牌并记录审计日志。
// 认证关闭时只记录审计日志。
func (s *Service) Middleware(event string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := logger.Audit()
			ctx := r.Context()
			var subject *Subject
			if s.Mode() == ModeJWT {
				var err error
				subject, err = s.AuthenticateRequest(r.Header.Get("Authorization"))
				if err != nil {
					status := http.StatusUnauthorized
					if errors.Is(err, ErrNoSubject) {
						status = http.StatusForbidden
					}
					http.Error(w, http.StatusText(status), status)
					audit.Warn("access_denied",
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.Int("status", status),
						slog.String("error", err.Error()))
					return
				}
				ctx = WithSubject(ctx, subject)
				ctx = logger.WithAttrs(ctx, slog.String("subject", subject.UserID))
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(ctx))

			name := event
			if name == "" {
				name = r.URL.Path
			}
			attrs := []any{
				slog.String("event", name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if subject != nil {
				attrs = append(attrs, slog.String("user", subject.UserID))
			}
			audit.InfoContext(ctx, "api_request", attrs...)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
