package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"AgentLedger/internal/auth"
	xerrors "AgentLedger/internal/errors"
)

const defaultPrefix = "agentledger:auth:challenge:"

// Config 配置 Redis 挑战存储。
type Config struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// NonceStore 把挑战保存为带 TTL 的键，Take 通过 GETDEL 保证只能兑换一次。
type NonceStore struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// NewNonceStore 建立连接并校验 Redis 可用。
func NewNonceStore(ctx context.Context, cfg Config) (*NonceStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "ping redis")
	}
	store := NewNonceStoreWithClient(client, cfg.Prefix)
	store.owned = true
	return store, nil
}

// NewNonceStoreWithClient 复用已有客户端，Close 不会关闭该客户端。
func NewNonceStoreWithClient(client goredis.UniversalClient, prefix string) *NonceStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &NonceStore{client: client, prefix: prefix}
}

// Put 写入挑战。
func (s *NonceStore) Put(ctx context.Context, challenge auth.Challenge, ttl time.Duration) error {
	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.key(challenge.Address), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store challenge")
	}
	return nil
}

// Take 原子地读取并删除挑战。
func (s *NonceStore) Take(ctx context.Context, address common.Address) (*auth.Challenge, error) {
	payload, err := s.client.GetDel(ctx, s.key(address)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "take challenge")
	}
	var challenge auth.Challenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode challenge")
	}
	return &challenge, nil
}

// Close 关闭由 NewNonceStore 创建的连接。
func (s *NonceStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *NonceStore) key(address common.Address) string {
	return s.prefix + strings.ToLower(address.Hex())
}

var _ auth.NonceStore = (*NonceStore)(nil)
