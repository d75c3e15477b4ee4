package events

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
	"AgentLedger/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 总线的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// RabbitMQBus 使用 RabbitMQ 队列实现事件总线。
type RabbitMQBus struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
	mu      sync.Mutex
}

// NewRabbitMQBus 创建 RabbitMQ 总线实例并声明队列。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentledger.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQBus{conn: conn, ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Publish 将事件以 JSON 形式投递到 RabbitMQ，MessageId 为事件 ID。
func (b *RabbitMQBus) Publish(ctx context.Context, event ledger.Event) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 总线未初始化")
	}
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.ch.PublishWithContext(ctx, "", b.queue, false, false, publishing(event, payload, b.durable))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

func publishing(event ledger.Event, payload []byte, durable bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID,
		Type:        string(event.Kind),
		Timestamp:   event.OccurredAt,
		Body:        payload,
	}
	if durable {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

// Consume 使用手动确认模式消费。处理失败的消息重新入队一次，再次失败则丢弃。
func (b *RabbitMQBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 总线未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := b.ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	log := logger.Named("events.rabbitmq")

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					b.deliver(ctx, log, msg, handler)
				}
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (b *RabbitMQBus) deliver(ctx context.Context, log *slog.Logger, msg amqp.Delivery, handler Handler) {
	event, err := Decode(msg.Body)
	if err != nil {
		log.Warn("丢弃无法解析的事件", slog.String("message_id", msg.MessageId), slog.String("error", err.Error()))
		_ = msg.Nack(false, false)
		return
	}
	if err := handler(ctx, event); err != nil {
		requeue := !msg.Redelivered
		log.Warn("事件处理失败",
			slog.String("event_id", event.ID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		_ = msg.Nack(false, requeue)
		return
	}
	_ = msg.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bus = (*RabbitMQBus)(nil)
