package server

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tilearena/world"
)

// ClientConn WebSocket 观战者：只接收画面，不参与游戏
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, 8),
	}
}

// Enqueue 将要发送的画面压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		// 观战端跟不上时丢帧，不阻塞广播
	}
}

// Close 关闭底层连接，可重复调用；由 once 保证 send 只关闭一次
func (c *ClientConn) Close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (c *ClientConn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump 观战端不发送指令；读循环只用于感知断开与处理控制帧
func (c *ClientConn) readPump(h *Hub) {
	defer h.remove(c)
	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub 观战者集合，按 Tick 节奏广播变化了的画面
type Hub struct {
	world   *world.World
	metrics *Metrics

	mu      sync.Mutex
	clients map[*ClientConn]struct{}
}

func NewHub(w *world.World, m *Metrics) *Hub {
	return &Hub{world: w, metrics: m, clients: make(map[*ClientConn]struct{})}
}

func (h *Hub) add(c *ClientConn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddSpectators(1)
}

func (h *Hub) remove(c *ClientConn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.Close()
		h.metrics.AddSpectators(-1)
	}
}

// Len 当前观战者数
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run 每个间隔渲染一次，画面变化时广播
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var frame, last []byte
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.clients = make(map[*ClientConn]struct{})
			h.mu.Unlock()
			return
		case <-ticker.C:
		}
		if h.Len() == 0 {
			continue
		}
		frame = h.world.Frame(frame)
		if bytes.Equal(frame, last) {
			continue
		}
		last = append(last[:0], frame...)
		h.Broadcast(textFrame(frame, h.world.Width(), h.world.Height()))
	}
}

// Broadcast 将一帧发送给所有观战者
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Enqueue(msg)
	}
}

// textFrame 行之间以 '\n' 分隔
func textFrame(frame []byte, width, height int) []byte {
	out := make([]byte, 0, (width+1)*height)
	for y := 0; y < height; y++ {
		out = append(out, world.Row(frame, width, y)...)
		out = append(out, '\n')
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// 只读观战，允许所有来源
		return true
	},
}

// HandleWS WebSocket 观战接入：/ws
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("upgrade error: %v", err)
		return
	}
	client := NewClientConn(ws)
	// 接入后立即发送当前画面
	frame := s.world.Frame(nil)
	client.Enqueue(textFrame(frame, s.world.Width(), s.world.Height()))
	s.spectators.add(client)

	go client.writePump()
	go client.readPump(s.spectators)
}
