package auth

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"AgentCompany/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Permissions 是访问该路由所需的全部权限。
	Permissions []string
	// AuditEvent 指定记录审计日志时使用的事件名称，为空时使用请求路径。
	AuditEvent string
	// QueryToken 允许通过 ?token= 传递令牌，供浏览器 websocket 使用。
	QueryToken bool
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				subject *Subject
				err     error
			)
			header := r.Header.Get("Authorization")
			if cfg.QueryToken && header == "" {
				subject, err = s.AuthenticateToken(r.Context(), r.URL.Query().Get("token"))
			} else {
				subject, err = s.AuthenticateRequest(r.Context(), header)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				s.auditLog().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}
			if err := subject.Authorize(cfg.Permissions...); err != nil {
				status := http.StatusForbidden
				http.Error(w, http.StatusText(status), status)
				s.auditLog().Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
					"subject", subject.Name,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			if r.Method == http.MethodGet {
				return
			}
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLog().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
			)
		})
	}
}

func (s *Service) auditLog() *slog.Logger {
	if s == nil || s.audit == nil {
		return logger.Audit()
	}
	return s.audit
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 暴露底层 ResponseWriter 供 http.ResponseController 使用。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack 允许 websocket 升级穿过审计包装。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
