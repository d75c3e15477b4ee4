package events

import (
	"context"
	"strings"

	xerrors "AgentLedger/internal/errors"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Config 选择事件总线实现。
type Config struct {
	Driver     string         `json:"driver" yaml:"driver"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Workers    int            `json:"workers" yaml:"workers"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// Open 按配置创建事件总线。
func Open(ctx context.Context, cfg Config) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryBus(cfg.BufferSize), nil
	case DriverRedis:
		return NewRedisBus(ctx, cfg.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQBus(cfg.RabbitMQ)
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的事件总线驱动: %s", cfg.Driver)
	}
}
