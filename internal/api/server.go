package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentLedger/internal/auth"
	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/indexer"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability/metrics"
	"AgentLedger/internal/proofs"
	"AgentLedger/internal/web3"
	"AgentLedger/pkg/logger"
)

// HistorySource 提供资产的完整事件历史。
type HistorySource interface {
	History(ctx context.Context, id ledger.AssetID) ([]ledger.Event, error)
}

// Server 负责暴露账本的 REST 接口。
type Server struct {
	addr     string
	ledger   *ledger.Ledger
	auth     *auth.Service
	metrics  *metrics.Metrics
	history  HistorySource
	indexer  *indexer.Indexer
	hub      *Hub
	chain    *proofs.Chain
	anchorer *web3.Anchorer
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 设置身份认证服务，未设置时使用 disabled 模式。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 启用请求指标并挂载 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHistory 设置资产历史来源，例如 SQL 事件表。
func WithHistory(h HistorySource) Option {
	return func(s *Server) { s.history = h }
}

// WithIndexer 设置索引器，用于统计信息；未设置历史来源时同时作为历史来源。
func WithIndexer(ix *indexer.Indexer) Option {
	return func(s *Server) { s.indexer = ix }
}

// WithHub 挂载 WebSocket 事件流。
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithProofs 暴露事件哈希链的最新检查点。
func WithProofs(chain *proofs.Chain) Option {
	return func(s *Server) { s.chain = chain }
}

// WithAnchorer 在检查点接口中附带最近一次链上锚定记录。
func WithAnchorer(a *web3.Anchorer) Option {
	return func(s *Server) { s.anchorer = a }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{addr: addr, ledger: l, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.auth == nil {
		s.auth, _ = auth.NewService(auth.Config{Mode: auth.ModeDisabled}, nil)
	}
	if s.history == nil && s.indexer != nil {
		s.history = s.indexer
	}
	return s
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := s.auth.Middleware(auth.MiddlewareConfig{})

	s.route(mux, "GET /healthz", "healthz", http.HandlerFunc(s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.route(mux, "POST /api/v1/auth/challenge", "auth_challenge", http.HandlerFunc(s.handleChallenge))
	s.route(mux, "POST /api/v1/auth/token", "auth_token", http.HandlerFunc(s.handleToken))

	s.route(mux, "GET /api/v1/assets", "list_assets", http.HandlerFunc(s.handleListAssets))
	s.route(mux, "POST /api/v1/assets", "mint", authed(http.HandlerFunc(s.handleMint)))
	s.route(mux, "GET /api/v1/assets/{id}", "get_asset", http.HandlerFunc(s.handleGetAsset))
	s.route(mux, "POST /api/v1/assets/{id}/transfer", "transfer", authed(http.HandlerFunc(s.handleTransfer)))
	s.route(mux, "POST /api/v1/assets/{id}/listing", "list", authed(http.HandlerFunc(s.handleList)))
	s.route(mux, "PUT /api/v1/assets/{id}/listing", "update_price", authed(http.HandlerFunc(s.handleUpdatePrice)))
	s.route(mux, "DELETE /api/v1/assets/{id}/listing", "delist", authed(http.HandlerFunc(s.handleDelist)))
	s.route(mux, "POST /api/v1/assets/{id}/purchase", "purchase", authed(http.HandlerFunc(s.handlePurchase)))
	s.route(mux, "GET /api/v1/assets/{id}/history", "history", http.HandlerFunc(s.handleHistory))

	s.route(mux, "GET /api/v1/listings", "listings", http.HandlerFunc(s.handleListings))
	s.route(mux, "GET /api/v1/stats", "stats", http.HandlerFunc(s.handleStats))
	s.route(mux, "GET /api/v1/accounts/{address}/balance", "balance", http.HandlerFunc(s.handleBalance))
	s.route(mux, "POST /api/v1/accounts/withdraw", "withdraw", authed(http.HandlerFunc(s.handleWithdraw)))

	if s.chain != nil {
		s.route(mux, "GET /api/v1/checkpoint", "checkpoint", http.HandlerFunc(s.handleCheckpoint))
	}

	if s.hub != nil {
		mux.Handle("GET /api/v1/events/stream", s.hub)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr), slog.String("auth_mode", string(s.auth.Mode())))

	select {
	case <-ctx.Done():
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册路由并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	if s.metrics == nil {
		mux.Handle(pattern, h)
		return
	}
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}))
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeQueueFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码映射 HTTP 状态，并以 {code,message} 格式返回。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
		if cause := e.Unwrap(); cause != nil && status < http.StatusInternalServerError {
			message += ": " + cause.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.String("code", string(xerrors.CodeOf(err))), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Code: string(xerrors.CodeOf(err)), Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
