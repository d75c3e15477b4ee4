package events

import (
	"context"
	"sync"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

// MemoryBus 使用 channel 模拟事件总线，适用于单进程部署与测试。
type MemoryBus struct {
	ch     chan ledger.Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBus{ch: make(chan ledger.Event, size)}
}

// Publish 将事件放入缓冲区。缓冲区已满时立即返回错误而不是阻塞账本。
func (b *MemoryBus) Publish(ctx context.Context, event ledger.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件总线已关闭", xerrors.WithRetryable(false))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- event:
		return nil
	default:
		return xerrors.Newf(xerrors.CodeQueueFailure, "事件总线已满，丢弃事件 %s", event.ID)
	}
}

// Consume 启动指定数量的工作协程消费事件，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Len 返回尚未被消费的事件数量。
func (b *MemoryBus) Len() int {
	return len(b.ch)
}

// Close 关闭内存总线，已缓冲的事件仍会被消费完。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
