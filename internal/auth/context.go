package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// subjectKey 是上下文中存储 Subject 的键类型。
type subjectKey struct{}

// WithSubject 将经过身份验证的主体信息存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取经过身份验证的主体信息。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		return subject
	}
	return nil
}

// CallerFromContext 返回调用方地址，未认证时 ok 为 false。
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	subject := SubjectFromContext(ctx)
	if subject == nil {
		return common.Address{}, false
	}
	return subject.Address, true
}
