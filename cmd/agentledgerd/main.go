package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AgentLedger/internal/api"
	"AgentLedger/internal/auth"
	"AgentLedger/internal/config"
	"AgentLedger/internal/events"
	"AgentLedger/internal/indexer"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability/alerting"
	"AgentLedger/internal/observability/metrics"
	"AgentLedger/internal/proofs"
	redisstore "AgentLedger/internal/storage/redis"
	"AgentLedger/internal/storage/sqlstore"
	"AgentLedger/internal/web3"
	"AgentLedger/internal/web3/ethereum"
	"AgentLedger/pkg/logger"
)

// main 是 AgentLedger 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentledgerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("agentledgerd")

	issuer, err := cfg.IssuerAddress()
	if err != nil {
		return err
	}
	m := metrics.New()
	chain := proofs.NewChain()

	// 持久化后端。
	var (
		store   ledger.Store
		history api.HistorySource
	)
	switch cfg.Storage.Driver {
	case "memory":
		store = ledger.NewMemoryStore()
		appLog.Warn("使用内存存储，进程退出后账本数据将丢失")
	default:
		sqlStore, err := sqlstore.Open(ctx, cfg.SQLStore())
		if err != nil {
			return err
		}
		store = sqlStore
		history = sqlStore
		// 从事件表重建哈希链，保证检查点覆盖全部历史。
		if err := sqlStore.Replay(ctx, func(ev ledger.Event) error {
			chain.Append(ev)
			return nil
		}); err != nil {
			_ = sqlStore.Close()
			return err
		}
		appLog.Info("事件哈希链已重建", slog.Uint64("events", chain.Head().Count))
	}

	// 事件总线与索引器。
	bus, err := events.Open(ctx, cfg.EventBus())
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			appLog.Warn("关闭事件总线失败", slog.String("error", err.Error()))
		}
	}()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)

	ix := indexer.New(bus,
		indexer.WithWorkers(cfg.Indexer.Workers),
		indexer.WithAlertDispatcher(alerts),
		indexer.WithRecorder(m),
		indexer.WithRecentLimit(cfg.Indexer.RecentLimit),
	)
	hub := api.NewHub(m)

	fanout := events.NewFanout()
	fanout.AddPublisher("bus", bus)
	fanout.Add("metrics", m)
	fanout.Add("stream", hub)
	fanout.Add("proofs", chain)

	l, err := ledger.New(ctx, issuer,
		ledger.WithStore(store),
		ledger.WithNotifier(fanout),
		ledger.WithObserver(m),
		ledger.WithPolicy(cfg.LedgerPolicy()),
	)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			appLog.Warn("关闭账本存储失败", slog.String("error", err.Error()))
		}
	}()

	// 身份认证。
	var nonces auth.NonceStore
	if cfg.Auth.NonceStore == "redis" {
		rs, err := redisstore.NewNonceStore(ctx, redisstore.Config{
			Address:  cfg.Auth.Redis.Address,
			Password: cfg.Auth.Redis.Password,
			DB:       cfg.Auth.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		nonces = rs
	}
	authSvc, err := auth.NewService(cfg.AuthService(), nonces)
	if err != nil {
		return err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		appLog.Warn("身份认证已关闭，调用方身份取自 " + auth.CallerHeader + " 请求头，仅限开发环境使用")
	}

	// 索引器在 API 停止后继续消费，直到追上账本或超时。
	ixCtx, stopIndexer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopIndexer()
	go func() {
		if err := ix.Start(ixCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("索引器退出", slog.String("error", err.Error()))
		}
	}()
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := m.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("指标服务退出", slog.String("error", err.Error()))
			}
		}()
	}

	opts := []api.Option{
		api.WithAuth(authSvc),
		api.WithMetrics(m),
		api.WithIndexer(ix),
		api.WithHub(hub),
		api.WithProofs(chain),
	}

	// 链上锚定。
	anchorDone := make(chan struct{})
	if cfg.Anchor.Enabled {
		client, err := ethereum.NewClient(ctx, cfg.AnchorClient())
		if err != nil {
			return err
		}
		defer client.Close()
		anchorer := web3.NewAnchorer(chain, client,
			web3.WithInterval(cfg.AnchorInterval()),
			web3.WithAlertDispatcher(alerts),
			web3.WithRecorder(m),
		)
		opts = append(opts, api.WithAnchorer(anchorer))
		go func() {
			defer close(anchorDone)
			if err := anchorer.Start(ctx); err != nil {
				appLog.Error("锚定服务退出", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(anchorDone)
	}
	if history != nil {
		opts = append(opts, api.WithHistory(history))
	}
	server := api.NewServer(cfg.Server.Address, l, opts...)

	appLog.Info("AgentLedger 启动",
		slog.String("issuer", issuer.Hex()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("auth", cfg.Auth.Mode),
		slog.Bool("anchor", cfg.Anchor.Enabled),
	)
	err = server.Start(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	drain, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	waitForIndexer(drain, ix, l.LastSequence())
	stopIndexer()
	select {
	case <-anchorDone:
	case <-drain.Done():
		appLog.Warn("等待最终锚定超时")
	}
	appLog.Info("AgentLedger 已停止")
	return err
}

// waitForIndexer 在退出前等待索引器追上最后一次成功提交的事件，超时即放弃。
func waitForIndexer(ctx context.Context, ix *indexer.Indexer, target uint64) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for ix.Stats().LastSequence < target {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
