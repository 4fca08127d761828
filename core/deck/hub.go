package deck

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"LoopDeck/cache"
	"LoopDeck/logger"
	"LoopDeck/model"

	"github.com/gorilla/websocket"
)

// MessageType 消息类型
type MessageType string

const (
	// 系统消息
	MsgTypeJoin     MessageType = "join"      // 加入混音台
	MsgTypeLeave    MessageType = "leave"     // 离开混音台
	MsgTypeError    MessageType = "error"     // 错误消息
	MsgTypePing     MessageType = "ping"      // 心跳
	MsgTypePong     MessageType = "pong"      // 心跳响应
	MsgTypeSync     MessageType = "sync"      // 状态同步
	MsgTypeUserList MessageType = "user_list" // 在线用户列表

	// 客户端 -> 服务端：引擎输入
	MsgTypeControl     MessageType = "control"      // 音量/透明度滑块变化
	MsgTypeKeyframe    MessageType = "keyframe"     // 关键帧 set/delete/jump
	MsgTypeTransport   MessageType = "transport"    // 录制/播放启停
	MsgTypeTrack       MessageType = "track"        // 轨道装载/卸载/标志位
	MsgTypePlayerEvent MessageType = "player_event" // 浏览器播放器回报 ready/seeked/playing/error

	// 服务端 -> 客户端：回放输出与引擎反馈
	MsgTypeApply     MessageType = "apply"     // 回放写出的控制值
	MsgTypeSeek      MessageType = "seek"      // 跳转媒体
	MsgTypeHighlight MessageType = "highlight" // 关键帧按钮高亮反馈
	MsgTypePlayerCmd MessageType = "player"    // 播放器命令 play/pause/mute 等
	MsgTypeHijack    MessageType = "hijack"    // 控制被实时接管
	MsgTypeWarning   MessageType = "warning"   // 非致命警告（播放器连续失败等）
	MsgTypeTick      MessageType = "tick"      // 走带进度
	MsgTypeSession   MessageType = "session"   // 会话定稿
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	DeckID    string          `json:"deckId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ControlMsgData 滑块输入数据
type ControlMsgData struct {
	Slot    int    `json:"slot"`
	Control string `json:"control"` // volume, opacity
	Value   int    `json:"value"`
}

// KeyframeMsgData 关键帧操作数据
type KeyframeMsgData struct {
	Slot   int      `json:"slot"`
	Index  int      `json:"index"`
	Action string   `json:"action"` // set, delete, jump
	Time   *float64 `json:"time,omitempty"`
}

// TransportMsgData 走带操作数据
type TransportMsgData struct {
	Action string `json:"action"` // record_start, record_stop, play_start, play_stop
}

// TrackMsgData 轨道操作数据
type TrackMsgData struct {
	Action      string `json:"action"` // add, remove, flags
	Slot        int    `json:"slot"`
	SourceRef   string `json:"sourceRef,omitempty"`
	Locked      bool   `json:"locked,omitempty"`
	CrossLinked bool   `json:"crossLinked,omitempty"`
	PairLinked  bool   `json:"pairLinked,omitempty"`
}

// PlayerEventMsgData 浏览器播放器回报数据
type PlayerEventMsgData struct {
	Slot  int    `json:"slot"`
	Event string `json:"event"` // ready, seeked, playing, error
	Error string `json:"error,omitempty"`
}

// ApplyMsgData 回放写出数据
type ApplyMsgData struct {
	Slot    int    `json:"slot"`
	Control string `json:"control"`
	Value   int    `json:"value"`
}

// SeekMsgData 跳转数据
type SeekMsgData struct {
	Slot    int     `json:"slot"`
	Seconds float64 `json:"seconds"`
}

// HighlightMsgData 关键帧高亮反馈数据
type HighlightMsgData struct {
	Slot   int    `json:"slot"`
	Index  int    `json:"index"`
	Action string `json:"action"`
}

// PlayerCmdMsgData 播放器命令数据
type PlayerCmdMsgData struct {
	Slot    int     `json:"slot"`
	Command string  `json:"command"` // play, pause, seek, setVolume, mute, unmute
	Value   int     `json:"value,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// HijackedKey 被接管的 (slot, control) 键
type HijackedKey struct {
	Slot    int    `json:"slot"`
	Control string `json:"control"`
}

// HijackMsgData 接管通知数据
type HijackMsgData struct {
	Keys      []HijackedKey `json:"keys"`
	ElapsedMs int64         `json:"elapsedMs"`
}

// WarningMsgData 非致命警告数据
type WarningMsgData struct {
	Slot    int    `json:"slot"`
	Message string `json:"message"`
}

// TickMsgData 走带进度数据
type TickMsgData struct {
	ElapsedMs    int64  `json:"elapsedMs"`
	Mode         string `json:"mode"`
	SessionCount int    `json:"sessionCount"`
}

// SessionMsgData 会话定稿数据
type SessionMsgData struct {
	Session  int   `json:"session"`
	Duration int64 `json:"duration"`
}

// DeckUserInfo 在线用户条目（user_list 消息）
type DeckUserInfo struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// SyncMsgData 全量状态同步数据，发给新建立的连接
type SyncMsgData struct {
	Deck        *model.Deck        `json:"deck"`
	Composition *model.Composition `json:"composition"`
	Mode        string             `json:"mode"`
	ElapsedMs   int64              `json:"elapsedMs"`
	Users       []DeckUserInfo     `json:"users"`
}

// Client WebSocket 客户端
type Client struct {
	Hub      *DeckHub
	Conn     *websocket.Conn
	Send     chan []byte
	DeckID   string
	UserID   int64
	Username string
	Role     string // owner, member
	mu       sync.RWMutex
}

// DeckHub 混音台 WebSocket 管理中心
type DeckHub struct {
	// 混音台 -> 客户端集合
	decks map[string]map[*Client]bool

	// 用户 -> 客户端（一个用户在一个混音台只能有一个连接）
	userClients map[string]*Client // key: deckID:userID

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu   sync.RWMutex
	done chan struct{}
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	DeckID    string
	Message   []byte
	ExcludeID int64 // 排除的用户ID（不向发送者回发）
}

// NewDeckHub 创建混音台 Hub
func NewDeckHub() *DeckHub {
	return &DeckHub{
		decks:       make(map[string]map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *DeckHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToDeck(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *DeckHub) Stop() {
	close(h.done)
}

// registerClient 注册客户端
func (h *DeckHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	deckID := client.DeckID
	userKey := h.userKey(deckID, client.UserID)

	// 同一用户重复连接时踢掉旧连接
	if oldClient, exists := h.userClients[userKey]; exists {
		h.removeClient(oldClient)
	}

	if h.decks[deckID] == nil {
		h.decks[deckID] = make(map[*Client]bool)
	}
	h.decks[deckID][client] = true
	h.userClients[userKey] = client

	// 更新 Redis 中的用户在线状态
	ctx := context.Background()
	deckCache := cache.NewDeckCache()
	if err := deckCache.UpdateUserPresence(ctx, deckID, client.UserID); err != nil {
		logger.Warn("failed to update user presence on register",
			logger.ErrorField(err),
			logger.String("deck", deckID),
			logger.Int64("user", client.UserID))
	}

	logger.Info("client registered",
		logger.String("deck", deckID),
		logger.Int64("user", client.UserID),
		logger.String("username", client.Username))
}

// unregisterClient 注销客户端
func (h *DeckHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeClient(client)
}

// removeClient 移除客户端（内部方法，需要持有锁）
func (h *DeckHub) removeClient(client *Client) {
	deckID := client.DeckID
	userKey := h.userKey(deckID, client.UserID)

	if _, ok := h.decks[deckID]; ok {
		if _, ok := h.decks[deckID][client]; ok {
			delete(h.decks[deckID], client)
			close(client.Send)

			if len(h.decks[deckID]) == 0 {
				delete(h.decks, deckID)
			}
		}
	}

	delete(h.userClients, userKey)

	// 移除 Redis 中的用户在线状态和成员记录
	ctx := context.Background()
	deckCache := cache.NewDeckCache()
	if err := deckCache.RemoveUserPresence(ctx, deckID, client.UserID); err != nil {
		logger.Warn("failed to remove user presence on unregister",
			logger.ErrorField(err),
			logger.String("deck", deckID),
			logger.Int64("user", client.UserID))
	}
	if err := deckCache.RemoveUserOnline(ctx, deckID, client.UserID); err != nil {
		logger.Warn("failed to remove online member on unregister",
			logger.ErrorField(err),
			logger.String("deck", deckID),
			logger.Int64("user", client.UserID))
	}

	logger.Info("client unregistered",
		logger.String("deck", deckID),
		logger.Int64("user", client.UserID))
}

// broadcastToDeck 向混音台广播消息
func (h *DeckHub) broadcastToDeck(msg *BroadcastMessage) {
	h.mu.RLock()
	clients, ok := h.decks[msg.DeckID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 复制客户端列表以避免长时间持有锁
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if msg.ExcludeID > 0 && client.UserID == msg.ExcludeID {
			continue
		}

		select {
		case client.Send <- msg.Message:
		default:
			// 发送缓冲区满，移除客户端
			h.unregister <- client
		}
	}
}

// cleanup 清理所有连接
func (h *DeckHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.decks {
		for client := range clients {
			close(client.Send)
		}
	}
	h.decks = make(map[string]map[*Client]bool)
	h.userClients = make(map[string]*Client)
}

// userKey 生成用户键
func (h *DeckHub) userKey(deckID string, userID int64) string {
	return fmt.Sprintf("%s:%d", deckID, userID)
}

// Register 注册客户端
func (h *DeckHub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *DeckHub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast 广播消息到混音台
func (h *DeckHub) Broadcast(deckID string, message []byte, excludeUserID int64) {
	h.broadcast <- &BroadcastMessage{
		DeckID:    deckID,
		Message:   message,
		ExcludeID: excludeUserID,
	}
}

// BroadcastWSMessage 广播 WSMessage
func (h *DeckHub) BroadcastWSMessage(deckID string, msg *WSMessage, excludeUserID int64) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(deckID, data, excludeUserID)
	return nil
}

// DeckUserList 返回混音台当前连接的用户快照
func (h *DeckHub) DeckUserList(deckID string) []DeckUserInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]DeckUserInfo, 0, len(h.decks[deckID]))
	for client := range h.decks[deckID] {
		users = append(users, DeckUserInfo{
			UserID:   client.UserID,
			Username: client.Username,
			Role:     client.GetRole(),
		})
	}
	return users
}

// SendToUser 发送消息给指定用户
func (h *DeckHub) SendToUser(deckID string, userID int64, msg *WSMessage) error {
	h.mu.RLock()
	client := h.userClients[h.userKey(deckID, userID)]
	h.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("user not found: %d", userID)
	}

	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for user: %d", userID)
	}
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096) // 4KB
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("deck", c.DeckID),
						logger.Int64("user", c.UserID))
				}
				return
			}

			var msg WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Warn("invalid message format",
					logger.ErrorField(err),
					logger.String("deck", c.DeckID))
				continue
			}

			// 处理心跳
			if msg.Type == MsgTypePing {
				deckCache := cache.NewDeckCache()
				if err := deckCache.UpdateUserPresence(ctx, c.DeckID, c.UserID); err != nil {
					logger.Warn("failed to update user presence",
						logger.ErrorField(err),
						logger.String("deck", c.DeckID),
						logger.Int64("user", c.UserID))
				}

				pong := &WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}
				if data, err := json.Marshal(pong); err == nil {
					select {
					case c.Send <- data:
					default:
					}
				}
				continue
			}

			handler(ctx, c, &msg)
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端
func (c *Client) SendMessage(msg *WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return nil // 缓冲区满，丢弃消息
	}
}

// GetRole 获取客户端角色（线程安全）
func (c *Client) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Role
}
