package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"AgentLedger/internal/ledger"
	"AgentLedger/pkg/logger"
)

// Fanout 把一条已提交事件分发给多个下游，实现 ledger.Notifier。
// 某个下游失败不会影响其他下游，所有错误合并后返回。
type Fanout struct {
	mu      sync.RWMutex
	targets []namedTarget
	log     *slog.Logger
}

type namedTarget struct {
	name     string
	notifier ledger.Notifier
}

// NewFanout 创建空的 Fanout。
func NewFanout() *Fanout {
	return &Fanout{log: logger.Named("events.fanout")}
}

// Add 注册一个下游。
func (f *Fanout) Add(name string, n ledger.Notifier) {
	if n == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, namedTarget{name: name, notifier: n})
}

// AddPublisher 把总线发布端注册为下游。
func (f *Fanout) AddPublisher(name string, p Publisher) {
	if p == nil {
		return
	}
	f.Add(name, ledger.NotifierFunc(p.Publish))
}

// Notify 实现 ledger.Notifier。
func (f *Fanout) Notify(ctx context.Context, event ledger.Event) error {
	f.mu.RLock()
	targets := append([]namedTarget(nil), f.targets...)
	f.mu.RUnlock()

	var errs []error
	for _, target := range targets {
		if err := target.notifier.Notify(ctx, event); err != nil {
			f.log.Warn("事件下游投递失败",
				slog.String("target", target.name),
				slog.String("event_id", event.ID),
				slog.String("kind", string(event.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ ledger.Notifier = (*Fanout)(nil)
