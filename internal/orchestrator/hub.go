package orchestrator

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sandbox-admin/internal/shared/model"
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HubMessage WebSocket 推送消息
type HubMessage struct {
	Type      string      `json:"type"` // analysis, ping
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub 分析状态 WebSocket 推送
//
// 连接建立时先推送当前分析，之后每次状态变更广播一次。
type Hub struct {
	orch    *Orchestrator
	metrics *Metrics

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewHub 创建推送中心并注册为 Orchestrator 的监听者
func NewHub(o *Orchestrator, metrics *Metrics) *Hub {
	h := &Hub{
		orch:    o,
		metrics: metrics,
		clients: make(map[*websocket.Conn]chan []byte),
	}
	o.AddListener(h.Broadcast)
	return h
}

// HandleWebSocket 处理 WebSocket 连接
//
// 路由: GET /ws/analysis
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[AnalysisWS] Upgrade error: %v", err)
		return
	}

	initial, err := encode(HubMessage{Type: "analysis", Data: h.orch.Current(), Timestamp: time.Now()})
	if err != nil {
		log.Printf("[AnalysisWS] Marshal error: %v", err)
	}

	// 首条消息在登记前入队：登记后 send 可能被 remove/Close 随时关闭
	send := make(chan []byte, 16)
	if initial != nil {
		send <- initial
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	total := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSConnectionOpened()
	log.Printf("[AnalysisWS] Client connected, total: %d", total)

	go h.writePump(conn, send)
	go h.readPump(conn)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(send)
	}
	remaining := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.metrics.WSConnectionClosed()
		log.Printf("[AnalysisWS] Client disconnected, remaining: %d", remaining)
	}
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		h.remove(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[AnalysisWS] Read error: %v", err)
			}
			return
		}
	}
}

// writePump 每个连接独占一个写协程，慢客户端不阻塞广播
func (h *Hub) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case data, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[AnalysisWS] Write error: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast 推送一次分析状态；缓冲已满的客户端丢弃本条消息
func (h *Hub) Broadcast(r *model.AnalysisResult) {
	data, err := encode(HubMessage{Type: "analysis", Data: r, Timestamp: time.Now()})
	if err != nil {
		log.Printf("[AnalysisWS] Marshal error: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, send := range h.clients {
		select {
		case send <- data:
		default:
		}
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.remove(conn)
	}
}

func encode(msg HubMessage) ([]byte, error) {
	return json.Marshal(msg)
}
