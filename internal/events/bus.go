package events

import (
	"context"
	"encoding/json"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

// Handler 处理一条账本事件。
type Handler func(ctx context.Context, event ledger.Event) error

// Publisher 负责向总线投递事件。
type Publisher interface {
	Publish(ctx context.Context, event ledger.Event) error
	Close() error
}

// Consumer 负责从总线消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}

// Encode 将事件编码为总线上传输的 JSON。
func Encode(event ledger.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码账本事件失败", xerrors.WithRetryable(false))
	}
	return payload, nil
}

// Decode 解析总线上的事件。
func Decode(payload []byte) (ledger.Event, error) {
	var event ledger.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return ledger.Event{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析账本事件失败", xerrors.WithRetryable(false))
	}
	if event.ID == "" || event.Kind == "" {
		return ledger.Event{}, xerrors.New(xerrors.CodeQueueFailure, "账本事件缺少 id 或 kind", xerrors.WithRetryable(false))
	}
	return event, nil
}
