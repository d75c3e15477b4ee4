package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
	"AgentLedger/pkg/logger"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string        `json:"address" yaml:"address"`
	Password  string        `json:"password" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	Queue     string        `json:"queue" yaml:"queue"`
	BlockWait time.Duration `json:"block_wait" yaml:"block_wait"`
	// MaxAttempts 为单条事件的最大处理次数，超过后写入死信列表。
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// RedisBus 使用 Redis list 实现事件总线：LPUSH 发布，BRPOP 消费。
type RedisBus struct {
	client      *redis.Client
	queue       string
	deadLetter  string
	wait        time.Duration
	maxAttempts int
	attempts    map[string]int
}

// NewRedisBus 创建 Redis 总线实例。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisBusWithClient(client, cfg), nil
}

// NewRedisBusWithClient 基于已有客户端构建总线。
func NewRedisBusWithClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	queue := cfg.Queue
	if queue == "" {
		queue = "agentledger:events"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RedisBus{
		client:      client,
		queue:       queue,
		deadLetter:  queue + ":dead",
		wait:        wait,
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
}

// Publish 将事件写入 Redis list。
func (b *RedisBus) Publish(ctx context.Context, event ledger.Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取事件。为保持同一资产事件的顺序，
// Redis 总线固定使用单个消费协程，workerCount 仅用于兼容接口。
func (b *RedisBus) Consume(ctx context.Context, _ int, handler Handler) error {
	log := logger.Named("events.redis")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
		}
		if len(values) != 2 {
			continue
		}
		payload := values[1]
		event, err := Decode([]byte(payload))
		if err != nil {
			log.Warn("丢弃无法解析的事件", slog.String("error", err.Error()))
			b.client.LPush(ctx, b.deadLetter, payload)
			continue
		}
		if handlerErr := handler(ctx, event); handlerErr != nil {
			b.retry(ctx, log, event, payload, handlerErr)
			continue
		}
		delete(b.attempts, event.ID)
	}
}

func (b *RedisBus) retry(ctx context.Context, log *slog.Logger, event ledger.Event, payload string, cause error) {
	b.attempts[event.ID]++
	if b.attempts[event.ID] >= b.maxAttempts {
		delete(b.attempts, event.ID)
		log.Error("事件处理多次失败，转入死信列表",
			slog.String("event_id", event.ID),
			slog.String("error", cause.Error()),
		)
		b.client.LPush(ctx, b.deadLetter, payload)
		return
	}
	// 放回队尾以便下一次 BRPOP 立即重试，保持顺序。
	if err := b.client.RPush(ctx, b.queue, payload).Err(); err != nil {
		log.Error("事件重新投递失败", slog.String("event_id", event.ID), slog.String("error", err.Error()))
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
