package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
	"AgentLedger/pkg/logger"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
)

// SubscriberGauge 记录当前订阅连接数。
type SubscriberGauge interface {
	StreamSubscribers(delta int)
}

// Hub 把提交后的账本事件推送给 WebSocket 订阅者。
// 发送缓冲已满的慢订阅者会被断开，Notify 永不阻塞。
type Hub struct {
	upgrader websocket.Upgrader
	gauge    SubscriberGauge
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	asset  *ledger.AssetID
	once   sync.Once
	closed chan struct{}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.closed) })
}

// NewHub 创建事件推送中心。gauge 可以为空。
func NewHub(gauge SubscriberGauge) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		gauge:   gauge,
		log:     logger.Named("stream"),
		clients: make(map[*subscriber]struct{}),
	}
}

// Notify 实现 ledger.Notifier。
func (h *Hub) Notify(_ context.Context, event ledger.Event) error {
	payload, err := json.Marshal(newEventView(event))
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.asset != nil && (!event.HasAsset() || *c.asset != event.AssetID) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.log.Warn("订阅者发送缓冲已满，断开连接", slog.Uint64("sequence", event.Sequence))
			c.stop()
		}
	}
	return nil
}

// Len 返回当前订阅者数量。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 断开所有订阅者并拒绝新连接。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
}

// ServeHTTP 升级连接并持续推送事件，?asset=<id> 只订阅单个资产。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter *ledger.AssetID
	if raw := r.URL.Query().Get("asset"); raw != "" {
		id, err := ledger.ParseAssetID(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter = &id
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		writeError(w, xerrors.New(xerrors.CodeQueueFailure, "event stream closed"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket 升级失败", slog.String("error", err.Error()))
		return
	}
	c := &subscriber{
		conn:   conn,
		send:   make(chan []byte, streamBuffer),
		asset:  filter,
		closed: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go h.readLoop(c)
	h.writeLoop(r.Context(), c)
}

func (h *Hub) register(c *subscriber) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.StreamSubscribers(1)
	}
	h.log.Debug("订阅者已连接", slog.String("remote", c.conn.RemoteAddr().String()), slog.Int("subscribers", h.Len()))
}

func (h *Hub) unregister(c *subscriber) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
	_ = c.conn.Close()
	if h.gauge != nil {
		h.gauge.StreamSubscribers(-1)
	}
}

// readLoop 只处理控制帧，客户端关闭或超时后结束订阅。
func (h *Hub) readLoop(c *subscriber) {
	defer c.stop()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *subscriber) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ ledger.Notifier = (*Hub)(nil)
