package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/pkg/logger"
)

// 常量定义。
const (
	defaultDomain       = "agentledger"
	defaultTokenTTL     = time.Hour
	defaultChallengeTTL = 5 * time.Minute
	tokenTypeBearer     = "Bearer"
)

// Service 负责钱包挑战、令牌签发与请求认证。
type Service struct {
	mode         Mode
	nonces       NonceStore
	secret       []byte
	issuer       string
	audience     string
	domain       string
	tokenTTL     time.Duration
	challengeTTL time.Duration
	now          func() time.Time
	audit        *slog.Logger
}

// NewService 构造身份认证服务实例。nonces 为空时使用内存存储。
func NewService(cfg Config, nonces NonceStore) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		now:   time.Now,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeWallet:
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unsupported auth mode: %s", cfg.Mode)
	}

	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallet mode requires a jwt secret")
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore()
	}
	svc.nonces = nonces
	svc.secret = []byte(cfg.Secret)
	svc.issuer = cfg.Issuer
	svc.audience = cfg.Audience
	svc.domain = cfg.Domain
	if svc.domain == "" {
		svc.domain = defaultDomain
	}
	svc.tokenTTL = cfg.TokenTTL
	if svc.tokenTTL <= 0 {
		svc.tokenTTL = defaultTokenTTL
	}
	svc.challengeTTL = cfg.ChallengeTTL
	if svc.challengeTTL <= 0 {
		svc.challengeTTL = defaultChallengeTTL
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Challenge 为地址生成一次性登录挑战。
func (s *Service) Challenge(ctx context.Context, address string) (*Challenge, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(s.challengeTTL).UTC().Truncate(time.Second)
	nonce := uuid.NewString()
	challenge := Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   ChallengeMessage(s.domain, addr, nonce, expires),
		ExpiresAt: expires,
	}
	if err := s.nonces.Put(ctx, challenge, s.challengeTTL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "store challenge")
	}
	return &challenge, nil
}

// Exchange 校验挑战签名并签发访问令牌。挑战无论成功与否都只能使用一次。
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (*Token, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	addr, err := ParseAddress(req.Address)
	if err != nil {
		return nil, err
	}
	challenge, err := s.nonces.Take(ctx, addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load challenge")
	}
	if challenge == nil || challenge.Expired(s.now()) {
		s.deny("challenge_expired", addr, nil)
		return nil, ErrChallengeExpired
	}
	signer, err := RecoverAddress(challenge.Message, req.Signature)
	if err != nil || signer != addr {
		s.deny("invalid_signature", addr, err)
		return nil, ErrInvalidSignature
	}

	expires := s.now().Add(s.tokenTTL)
	signed, err := s.sign(addr, expires)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign access token")
	}
	s.audit.Info("wallet_login", slog.String("address", addr.Hex()))
	return &Token{
		AccessToken: signed,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(s.tokenTTL.Seconds()),
		Subject:     &Subject{Address: addr, ExpiresAt: expires},
	}, nil
}

// AuthenticateRequest 验证 Authorization 头并返回相应的主体信息。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.verify(token)
}

// claims 定义访问令牌的声明结构。
type claims struct {
	jwt.RegisteredClaims
}

func (s *Service) sign(addr common.Address, expires time.Time) (string, error) {
	now := s.now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   addr.Hex(),
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}}
	if s.audience != "" {
		c.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *Service) verify(token string) (*Subject, error) {
	var c claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}); err != nil {
		return nil, ErrInvalidToken
	}
	now := s.now()
	if c.ExpiresAt == nil || !c.VerifyExpiresAt(now, true) {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && !c.VerifyIssuer(s.issuer, true) {
		return nil, ErrInvalidToken
	}
	if s.audience != "" && !c.VerifyAudience(s.audience, true) {
		return nil, ErrInvalidToken
	}
	if !common.IsHexAddress(c.Subject) {
		return nil, ErrInvalidToken
	}
	return &Subject{Address: common.HexToAddress(c.Subject), ExpiresAt: c.ExpiresAt.Time}, nil
}

func (s *Service) deny(reason string, addr common.Address, err error) {
	attrs := []any{slog.String("reason", reason), slog.String("address", addr.Hex())}
	if err != nil && !errors.Is(err, context.Canceled) {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.audit.Warn("login_denied", attrs...)
}
