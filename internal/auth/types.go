package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
)

// 身份认证子系统使用的错误码。
const (
	CodeDisabled         xerrors.Code = "AUTH_DISABLED"
	CodeChallengeExpired xerrors.Code = "AUTH_CHALLENGE_EXPIRED"
	CodeInvalidSignature xerrors.Code = "AUTH_INVALID_SIGNATURE"
	CodeInvalidToken     xerrors.Code = "AUTH_INVALID_TOKEN"
)

func init() {
	xerrors.Register(CodeDisabled, xerrors.Attributes{
		Message:  "authentication disabled",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeChallengeExpired, xerrors.Attributes{
		Message:  "challenge missing or expired",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusUnauthorized,
	})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:  "signature does not match address",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusUnauthorized,
	})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{
		Message:  "invalid token",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusUnauthorized,
	})
}

// 身份认证子系统返回的通用错误。
var (
	ErrDisabled         = xerrors.New(CodeDisabled, "authentication disabled")
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrChallengeExpired = xerrors.New(CodeChallengeExpired, "challenge missing or expired")
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "signature does not match address")
	ErrInvalidToken     = xerrors.New(CodeInvalidToken, "invalid token")
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	// ModeDisabled 仅用于开发环境，调用方身份取自 X-Ledger-Caller 请求头。
	ModeDisabled Mode = "disabled"
	// ModeWallet 通过钱包签名换取 JWT。
	ModeWallet Mode = "wallet"
)

// CallerHeader 是 disabled 模式下声明调用方地址的请求头。
const CallerHeader = "X-Ledger-Caller"

// Config 配置身份认证服务。
type Config struct {
	Mode         Mode          `json:"mode" yaml:"mode"`
	Secret       string        `json:"secret" yaml:"secret"`
	Issuer       string        `json:"issuer" yaml:"issuer"`
	Audience     string        `json:"audience" yaml:"audience"`
	Domain       string        `json:"domain" yaml:"domain"`
	TokenTTL     time.Duration `json:"token_ttl" yaml:"token_ttl"`
	ChallengeTTL time.Duration `json:"challenge_ttl" yaml:"challenge_ttl"`
}

// Subject 描述经过认证的调用方，会通过上下文传递给处理器。
type Subject struct {
	Address   common.Address
	ExpiresAt time.Time
}

// Challenge 是待签名的一次性登录挑战。
type Challenge struct {
	Address   common.Address `json:"address"`
	Nonce     string         `json:"nonce"`
	Message   string         `json:"message"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired 判断挑战在给定时间是否已过期。
func (c *Challenge) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.ExpiresAt)
}

// TokenRequest 描述令牌签发端点接受的载荷。
type TokenRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// Token 是签发给钱包的访问令牌。
type Token struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	Subject     *Subject `json:"-"`
}

// NonceStore 保存尚未使用的挑战。实现必须并发安全，Take 必须是一次性的。
type NonceStore interface {
	Put(ctx context.Context, challenge Challenge, ttl time.Duration) error
	// Take 取出并删除地址对应的挑战，不存在时返回 (nil, nil)。
	Take(ctx context.Context, address common.Address) (*Challenge, error)
}

// ParseAddress 校验并解析 0x 开头的十六进制地址。
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid address %q", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "address must not be zero")
	}
	return addr, nil
}
