package transport

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNoLiveConnection 目标不再对应任何在线连接（按投递失败处理，不是异常）
var ErrNoLiveConnection = errors.New("target has no live connection")

const sendBufferSize = 64

// Handler 入站事件处理回调，由协调器在构造期注入
type Handler func(connID string, ev *InboundEvent)

// DisconnectFunc 连接断开回调
type DisconnectFunc func(connID, roomID, playerID string)

// Conn 单个 websocket 连接
type Conn struct {
	ID       string
	PlayerID string
	RoomID   string

	sock      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.sock.Close()
	})
}

// Hub websocket 连接集线器
// 维护连接与房间的对应关系，是可靠投递层的推送出口
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	upgrader     websocket.Upgrader
	handler      Handler
	onDisconnect DisconnectFunc
	logger       *zap.Logger
}

// NewHub 创建集线器
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// SetHandler 注入入站事件处理回调（构造期调用一次）
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// SetDisconnectFunc 注入断开回调（构造期调用一次）
func (h *Hub) SetDisconnectFunc(fn DisconnectFunc) { h.onDisconnect = fn }

// ServeWS websocket 升级入口
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Conn{
		ID:   uuid.NewString(),
		sock: sock,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	h.logger.Debug("websocket connected", zap.String("conn_id", conn.ID))

	go h.writePump(conn)
	h.readPump(conn)
}

func (h *Hub) writePump(conn *Conn) {
	for data := range conn.send {
		if err := conn.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed",
				zap.String("conn_id", conn.ID), zap.Error(err))
			return
		}
	}
}

func (h *Hub) readPump(conn *Conn) {
	defer h.unregister(conn)
	for {
		_, payload, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		ev, err := DecodeInbound(payload)
		if err != nil {
			h.logger.Warn("dropping malformed inbound event",
				zap.String("conn_id", conn.ID), zap.Error(err))
			continue
		}
		if h.handler != nil {
			h.handler(conn.ID, ev)
		}
	}
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn.ID)
	if conn.RoomID != "" {
		if members, ok := h.rooms[conn.RoomID]; ok {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(h.rooms, conn.RoomID)
			}
		}
	}
	roomID, playerID := conn.RoomID, conn.PlayerID
	h.mu.Unlock()

	conn.close()
	h.logger.Debug("websocket disconnected",
		zap.String("conn_id", conn.ID), zap.String("player_id", playerID))

	if h.onDisconnect != nil && roomID != "" {
		h.onDisconnect(conn.ID, roomID, playerID)
	}
}

// Associate 将连接绑定到房间和玩家（join 成功后由协调器调用）
func (h *Hub) Associate(connID, roomID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	// 重新绑定前先从旧房间摘除
	if conn.RoomID != "" && conn.RoomID != roomID {
		if members, ok := h.rooms[conn.RoomID]; ok {
			delete(members, connID)
		}
	}
	conn.RoomID = roomID
	conn.PlayerID = playerID
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Conn)
	}
	h.rooms[roomID][connID] = conn
}

// ConnView 连接的只读视图
type ConnView struct {
	ID       string
	RoomID   string
	PlayerID string
}

// Lookup 查询连接当前的绑定关系
func (h *Hub) Lookup(connID string) (ConnView, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	if !ok {
		return ConnView{}, false
	}
	return ConnView{ID: conn.ID, RoomID: conn.RoomID, PlayerID: conn.PlayerID}, true
}

// Push 向目标推送一帧
// 目标可以是房间 ID（广播给房间内所有连接）或单个连接 ID
// 没有任何在线连接可达时返回 ErrNoLiveConnection
func (h *Hub) Push(target string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if members, ok := h.rooms[target]; ok && len(members) > 0 {
		delivered := 0
		for _, conn := range members {
			if h.enqueue(conn, payload) {
				delivered++
			}
		}
		if delivered == 0 {
			return ErrNoLiveConnection
		}
		return nil
	}

	if conn, ok := h.conns[target]; ok {
		if h.enqueue(conn, payload) {
			return nil
		}
		return ErrNoLiveConnection
	}

	return ErrNoLiveConnection
}

// enqueue 非阻塞入队；发送缓冲已满视为连接不可用
func (h *Hub) enqueue(conn *Conn, payload []byte) bool {
	select {
	case conn.send <- payload:
		return true
	default:
		h.logger.Warn("send buffer full, treating connection as dead",
			zap.String("conn_id", conn.ID))
		return false
	}
}
