package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Optional 为 true 时允许匿名请求通过，只在携带凭证时解析主体。
	Optional bool
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于解析调用方身份。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.resolve(r)
			if err != nil && !(cfg.Optional && xerrors.CodeOf(err) == xerrors.CodeUnauthenticated) {
				status := xerrors.HTTPStatusOf(err)
				writeError(w, status, err)
				s.auditLogger().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
				return
			}
			if subject == nil {
				next.ServeHTTP(w, r)
				return
			}

			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("caller", subject.Address.Hex()),
			)
		})
	}
}

// resolve 根据工作模式解析调用方：disabled 模式读取 X-Ledger-Caller，wallet 模式校验 Bearer 令牌。
func (s *Service) resolve(r *http.Request) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		raw := r.Header.Get(CallerHeader)
		if raw == "" {
			return nil, xerrors.New(xerrors.CodeUnauthenticated, "missing "+CallerHeader+" header")
		}
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		return &Subject{Address: addr}, nil
	}
	return s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
}

func (s *Service) auditLogger() *slog.Logger {
	if s == nil || s.audit == nil {
		return logger.Audit()
	}
	return s.audit
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	})
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
