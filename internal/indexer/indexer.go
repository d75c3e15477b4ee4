package indexer

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"sync"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/events"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability/alerting"
	"AgentLedger/pkg/logger"
)

// CodeInvalidEvent 表示总线上收到了无法索引的事件。
const CodeInvalidEvent xerrors.Code = "INDEXER_INVALID_EVENT"

func init() {
	xerrors.Register(CodeInvalidEvent, xerrors.Attributes{
		Message:  "invalid ledger event",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
		Status:   http.StatusUnprocessableEntity,
	})
}

// Recorder 接收索引结果，用于指标上报。
type Recorder interface {
	ObserveIndexed(outcome string)
}

// Stats 汇总索引器看到的市场活动。
type Stats struct {
	Processed    uint64 `json:"processed"`
	Duplicates   uint64 `json:"duplicates"`
	Rejected     uint64 `json:"rejected"`
	LastSequence uint64 `json:"last_sequence"`
	Assets       int    `json:"assets"`
	Listings     uint64 `json:"listings"`
	Purchases    uint64 `json:"purchases"`
	VolumeWei    string `json:"volume_wei"`
}

// Indexer 维护资产流转历史。
type Indexer struct {
	consumer events.Consumer
	workers  int
	alerter  alerting.Dispatcher
	recorder Recorder
	log      *slog.Logger

	mu      sync.RWMutex
	seen    map[string]struct{}
	history map[ledger.AssetID][]ledger.Event
	recent  []ledger.Event
	keep    int
	stats   Stats
	volume  *big.Int
}

// Option 定义可选配置。
type Option func(*Indexer)

// WithWorkers 设置消费协程数量。
func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(ix *Indexer) {
		ix.alerter = d
	}
}

// WithRecorder 配置指标上报。
func WithRecorder(r Recorder) Option {
	return func(ix *Indexer) {
		ix.recorder = r
	}
}

// WithRecentLimit 设置最近活动列表的长度。
func WithRecentLimit(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.keep = n
		}
	}
}

// New 构造 Indexer。consumer 为空时只能通过 Handle 直接喂入事件。
func New(consumer events.Consumer, opts ...Option) *Indexer {
	ix := &Indexer{
		consumer: consumer,
		workers:  1,
		log:      logger.Named("indexer"),
		seen:     make(map[string]struct{}),
		history:  make(map[ledger.AssetID][]ledger.Event),
		keep:     100,
		volume:   new(big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ix)
		}
	}
	return ix
}

// Start 启动消费循环，直到 ctx 结束。
func (ix *Indexer) Start(ctx context.Context) error {
	if ix.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	ix.log.Info("索引器启动", slog.Int("workers", ix.workers))
	return ix.consumer.Consume(ctx, ix.workers, ix.Handle)
}

// Handle 索引一条事件。重复事件直接忽略。
func (ix *Indexer) Handle(ctx context.Context, event ledger.Event) error {
	if err := validate(event); err != nil {
		ix.mu.Lock()
		ix.stats.Rejected++
		ix.mu.Unlock()
		ix.record("rejected")
		ix.log.Warn("拒绝索引事件", slog.String("event_id", event.ID), slog.String("error", err.Error()))
		ix.emitAlert(ctx, event, err)
		return err
	}

	ix.mu.Lock()
	if _, dup := ix.seen[event.ID]; dup {
		ix.stats.Duplicates++
		ix.mu.Unlock()
		ix.record("duplicate")
		return nil
	}
	ix.seen[event.ID] = struct{}{}
	ix.apply(event)
	ix.mu.Unlock()

	ix.record("applied")
	ix.log.Debug("事件已索引",
		slog.String("event_id", event.ID),
		slog.String("kind", string(event.Kind)),
		slog.Uint64("sequence", event.Sequence),
	)
	return nil
}

// Notify 实现 ledger.Notifier，便于单进程部署时不经总线直接索引。
func (ix *Indexer) Notify(ctx context.Context, event ledger.Event) error {
	return ix.Handle(ctx, event)
}

func (ix *Indexer) apply(event ledger.Event) {
	ix.stats.Processed++
	if event.Sequence > ix.stats.LastSequence {
		ix.stats.LastSequence = event.Sequence
	}
	switch event.Kind {
	case ledger.EventListed:
		ix.stats.Listings++
	case ledger.EventPurchased:
		ix.stats.Purchases++
		if event.Price != nil {
			ix.volume.Add(ix.volume, event.Price)
		}
	}

	if event.HasAsset() {
		list := ix.history[event.AssetID]
		idx := sort.Search(len(list), func(i int) bool { return list[i].Sequence > event.Sequence })
		list = append(list, ledger.Event{})
		copy(list[idx+1:], list[idx:])
		list[idx] = event
		ix.history[event.AssetID] = list
	}

	ix.recent = append(ix.recent, event)
	sort.SliceStable(ix.recent, func(i, j int) bool { return ix.recent[i].Sequence > ix.recent[j].Sequence })
	if len(ix.recent) > ix.keep {
		ix.recent = ix.recent[:ix.keep]
	}
}

// History 返回资产的全部事件，按序号升序。
func (ix *Indexer) History(_ context.Context, id ledger.AssetID) ([]ledger.Event, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]ledger.Event(nil), ix.history[id]...), nil
}

// Recent 返回最近的 limit 条事件，按序号降序。
func (ix *Indexer) Recent(limit int) []ledger.Event {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if limit <= 0 || limit > len(ix.recent) {
		limit = len(ix.recent)
	}
	return append([]ledger.Event(nil), ix.recent[:limit]...)
}

// Stats 返回统计快照。
func (ix *Indexer) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	stats := ix.stats
	stats.Assets = len(ix.history)
	stats.VolumeWei = ix.volume.String()
	return stats
}

func (ix *Indexer) record(outcome string) {
	if ix.recorder != nil {
		ix.recorder.ObserveIndexed(outcome)
	}
}

func (ix *Indexer) emitAlert(ctx context.Context, event ledger.Event, cause error) {
	if ix.alerter == nil {
		return
	}
	alert := alerting.FromError("indexer", cause)
	alert.EventID = event.ID
	alert.AssetID = event.AssetID.String()
	if err := ix.alerter.Notify(ctx, alert); err != nil {
		ix.log.Error("告警通知失败", slog.String("event_id", event.ID), slog.String("error", err.Error()))
	}
}

func validate(event ledger.Event) error {
	if event.ID == "" {
		return xerrors.New(CodeInvalidEvent, "事件缺少 id")
	}
	if event.Sequence == 0 {
		return xerrors.Newf(CodeInvalidEvent, "事件 %s 缺少序号", event.ID)
	}
	switch event.Kind {
	case ledger.EventMinted, ledger.EventListed, ledger.EventPriceChanged, ledger.EventDelisted,
		ledger.EventTransferred, ledger.EventWithdrawn:
	case ledger.EventPurchased:
		if event.Buyer == nil || event.PreviousOwner == nil {
			return xerrors.Newf(CodeInvalidEvent, "成交事件 %s 缺少买卖双方", event.ID)
		}
	default:
		return xerrors.Newf(CodeInvalidEvent, "未知事件类型 %q", event.Kind)
	}
	return nil
}

var _ ledger.Notifier = (*Indexer)(nil)
