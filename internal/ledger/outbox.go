package ledger

import (
	"context"
	"log/slog"
	"sync"
)

// outbox 缓存已提交的事件，直到账本锁全部释放。事件按序列号入队，
// 同一时刻只有一个协程负责投递，因此 Notifier 收到的事件序列号严格递增，
// Notifier 回调账本也不会打乱顺序。
type outbox struct {
	mu       sync.Mutex
	pending  []Event
	draining bool
}

func (l *Ledger) enqueue(events ...Event) {
	l.outbox.mu.Lock()
	l.outbox.pending = append(l.outbox.pending, events...)
	l.outbox.mu.Unlock()
}

// flush 投递待处理事件。已有协程在投递时直接返回，由它接手新事件。
func (l *Ledger) flush(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		l.outbox.mu.Lock()
		if l.outbox.draining || len(l.outbox.pending) == 0 {
			l.outbox.mu.Unlock()
			return
		}
		batch := l.outbox.pending
		l.outbox.pending = nil
		l.outbox.draining = true
		l.outbox.mu.Unlock()

		for _, ev := range batch {
			l.deliver(ctx, ev)
		}

		l.outbox.mu.Lock()
		l.outbox.draining = false
		l.outbox.mu.Unlock()
	}
}

func (l *Ledger) deliver(ctx context.Context, ev Event) {
	if l.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("事件通知器发生 panic",
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()
	if err := l.notifier.Notify(ctx, ev); err != nil {
		l.log.Warn("事件通知失败",
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("sequence", ev.Sequence),
			slog.String("error", err.Error()),
		)
	}
}
