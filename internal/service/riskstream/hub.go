package riskstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	market string // empty subscribes to every market
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Hub pushes every risk update to connected WebSocket subscribers. Slow
// subscribers are disconnected rather than allowed to block a cycle.
type Hub struct {
	mu           sync.RWMutex
	subs         map[*subscriber]struct{}
	buffer       int
	pingInterval time.Duration
	writeTimeout time.Duration
	log          *logger.Logger
	closed       bool
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

func NewHub(log *logger.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	h := &Hub{
		subs:         make(map[*subscriber]struct{}),
		buffer:       16,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		log:          log.With(logger.String("component", "risk_stream")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish fans out one risk update.
func (h *Hub) Publish(out models.RiskOutput) {
	h.mu.RLock()
	if len(h.subs) == 0 || h.closed {
		h.mu.RUnlock()
		return
	}
	b, err := json.Marshal(out)
	if err != nil {
		h.mu.RUnlock()
		h.log.Warn("risk update encode failed", logger.Error(err))
		return
	}
	var slow []*subscriber
	for s := range h.subs {
		if s.market != "" && s.market != out.Partition.Market {
			continue
		}
		select {
		case s.send <- b:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.log.Warn("slow risk subscriber dropped", logger.String("remote", s.conn.RemoteAddr().String()))
		h.remove(s)
	}
}

// Serve upgrades the request and streams updates until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, market string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s := &subscriber{conn: conn, send: make(chan []byte, h.buffer), market: market}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return conn.Close()
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Info("risk subscriber connected",
		logger.String("remote", conn.RemoteAddr().String()),
		logger.String("market", market))

	done := make(chan struct{})
	go h.writeLoop(s, done)

	// read loop only detects the close; client frames are ignored
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(s)
	<-done
	return nil
}

func (h *Hub) writeLoop(s *subscriber, done chan<- struct{}) {
	defer close(done)
	defer s.conn.Close()
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

// Board decorates a risk board so every stored update is also streamed.
func (h *Hub) Board(inner domrepo.RiskBoard) domrepo.RiskBoard {
	return &streamingBoard{RiskBoard: inner, hub: h}
}

type streamingBoard struct {
	domrepo.RiskBoard
	hub *Hub
}

func (b *streamingBoard) Put(ctx context.Context, out models.RiskOutput) error {
	err := b.RiskBoard.Put(ctx, out)
	b.hub.Publish(out)
	return err
}
