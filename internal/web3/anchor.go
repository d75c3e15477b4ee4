package web3

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/observability/alerting"
	"AgentLedger/internal/proofs"
	"AgentLedger/pkg/logger"
)

// CodeAnchorFailure 表示检查点提交上链失败。
const CodeAnchorFailure xerrors.Code = "ANCHOR_FAILURE"

func init() {
	xerrors.Register(CodeAnchorFailure, xerrors.Attributes{
		Message:   "检查点锚定失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// DefaultInterval 是未配置时的锚定间隔。
const DefaultInterval = 10 * time.Minute

// HeadSource 提供待锚定的检查点。
type HeadSource interface {
	Head() proofs.Checkpoint
}

// Recorder 接收锚定结果，用于指标统计。
type Recorder interface {
	ObserveAnchor(outcome string, seq uint64)
}

// Anchorer 按固定间隔提交新的检查点。
type Anchorer struct {
	source    HeadSource
	submitter Submitter
	interval  time.Duration
	alerter   alerting.Dispatcher
	recorder  Recorder
	log       *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *Record
}

// Option 定义可选的 Anchorer 配置。
type Option func(*Anchorer)

// WithInterval 设置检查链头的间隔。
func WithInterval(d time.Duration) Option {
	return func(a *Anchorer) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithAlertDispatcher 把提交失败发送给告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Anchorer) { a.alerter = d }
}

// WithRecorder 设置指标记录器。
func WithRecorder(r Recorder) Option {
	return func(a *Anchorer) { a.recorder = r }
}

// NewAnchorer 构造 Anchorer。
func NewAnchorer(source HeadSource, submitter Submitter, opts ...Option) *Anchorer {
	a := &Anchorer{
		source:    source,
		submitter: submitter,
		interval:  DefaultInterval,
		log:       logger.Named("anchor"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start 运行锚定循环直到 ctx 结束，退出前再尝试锚定一次。
func (a *Anchorer) Start(ctx context.Context) error {
	if a.submitter == nil || a.source == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "anchorer requires a head source and a submitter")
	}
	a.log.Info("检查点锚定已启动",
		slog.String("chain", a.submitter.Name()),
		slog.Duration("interval", a.interval),
	)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			_, _ = a.AnchorNow(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			_, _ = a.AnchorNow(ctx)
		}
	}
}

// AnchorNow 提交当前链头。链头为空或已锚定时跳过，返回上一次记录（可能为 nil）。
func (a *Anchorer) AnchorNow(ctx context.Context) (*Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	head := a.source.Head()
	if head.IsZero() || (a.last != nil && a.last.Checkpoint.Count >= head.Count) {
		a.observe("skipped", head.Sequence)
		return a.last, nil
	}

	hash, err := a.submitter.Submit(ctx, EncodeCheckpoint(head))
	if err != nil {
		err = xerrors.Wrap(CodeAnchorFailure, err, "",
			xerrors.WithMetadata("chain", a.submitter.Name()),
			xerrors.WithMetadata("sequence", strconv.FormatUint(head.Sequence, 10)),
		)
		a.observe("failed", head.Sequence)
		a.log.Error("checkpoint anchoring failed", slog.Uint64("sequence", head.Sequence), slog.Any("error", err))
		if a.alerter != nil {
			if alertErr := a.alerter.Notify(ctx, alerting.FromError("anchor", err)); alertErr != nil {
				a.log.Warn("告警发送失败", slog.Any("error", alertErr))
			}
		}
		return nil, err
	}

	a.last = &Record{
		Checkpoint:  head,
		Chain:       a.submitter.Name(),
		TxHash:      hash,
		SubmittedAt: a.now().UTC(),
	}
	a.observe("submitted", head.Sequence)
	logger.Audit().Info("检查点已上链",
		slog.String("chain", a.last.Chain),
		slog.String("tx_hash", hash.Hex()),
		slog.Uint64("sequence", head.Sequence),
		slog.String("root", head.Root.Hex()),
	)
	return a.last, nil
}

// Last 返回最近一次成功的锚定记录。
func (a *Anchorer) Last() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Record{}, false
	}
	return *a.last, true
}

// Snapshot 返回锚定所在链的状态。
func (a *Anchorer) Snapshot(ctx context.Context) (ChainSnapshot, error) {
	return a.submitter.FetchChainSnapshot(ctx)
}

func (a *Anchorer) observe(outcome string, seq uint64) {
	if a.recorder != nil {
		a.recorder.ObserveAnchor(outcome, seq)
	}
}
