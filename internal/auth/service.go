package auth

import (
	"context"
	"log/slog"
	"strings"

	"AgentCompany/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	disabled bool
	store    Store
	audit    *slog.Logger
}

// NewService 构造身份认证服务实例。未禁用时令牌来自 cfg.Tokens；store 不为空时
// 使用外部提供的令牌仓库。
func NewService(cfg Config, store Store) (*Service, error) {
	svc := &Service{
		disabled: cfg.Disabled,
		store:    store,
		audit:    logger.Audit(),
	}
	if svc.disabled || svc.store != nil {
		return svc, nil
	}
	mem, err := NewMemoryStore(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	svc.store = mem
	return svc, nil
}

// Disabled 报告认证是否被关闭。
func (s *Service) Disabled() bool {
	return s == nil || s.disabled
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
// 认证关闭时返回拥有全部权限的匿名主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s.Disabled() {
		return anonymous(), nil
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.AuthenticateToken(ctx, token)
}

// AuthenticateToken 校验裸令牌，供无法设置请求头的 websocket 客户端使用。
func (s *Service) AuthenticateToken(ctx context.Context, token string) (*Subject, error) {
	if s.Disabled() {
		return anonymous(), nil
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	subject, err := s.store.LookupDigest(ctx, Digest(token))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

func anonymous() *Subject {
	s := &Subject{Name: AnonymousSubject, Permissions: AllPermissions()}
	s.normalise()
	return s
}
