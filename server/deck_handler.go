package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"LoopDeck/cache"
	"LoopDeck/config"
	"LoopDeck/core/auth"
	"LoopDeck/core/deck"
	"LoopDeck/logger"
	"LoopDeck/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// DeckHandler 混音台 HTTP 处理器
type DeckHandler struct {
	manager  *deck.DeckManager
	hub      *deck.DeckHub
	cache    *cache.DeckCache
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewDeckHandler 创建混音台处理器
func NewDeckHandler(manager *deck.DeckManager, hub *deck.DeckHub, deckCache *cache.DeckCache, cfg *config.Config) *DeckHandler {
	return &DeckHandler{
		manager: manager,
		hub:     hub,
		cache:   deckCache,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ========== HTTP 处理器 ==========

// OpenDeckRequest 打开混音台请求
type OpenDeckRequest struct {
	Name          string `json:"name"`
	CompositionID string `json:"compositionId,omitempty"`
}

// OpenDeckHandler 打开混音台
func (h *DeckHandler) OpenDeckHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	username := GetUsernameFromContext(ctx)

	var req OpenDeckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = username + "的混音台"
	}

	d, err := h.manager.OpenDeck(ctx, userID, username, req.Name, req.CompositionID)
	if err != nil {
		logger.Error("打开混音台失败", logger.ErrorField(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

// ListDecksHandler 分页列出活跃混音台
func (h *DeckHandler) ListDecksHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	decks, err := h.manager.ListDecks(r.Context(), limit, offset)
	if err != nil {
		logger.Error("查询混音台列表失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, decks)
}

// DeckInfoResponse 混音台详情响应
type DeckInfoResponse struct {
	Deck        *model.Deck            `json:"deck"`
	State       *model.DeckState       `json:"state,omitempty"`
	OnlineUsers []model.DeckUserOnline `json:"onlineUsers"`
	OnlineCount int64                  `json:"onlineCount"`
}

// GetDeckHandler 获取混音台详情与实时状态
func (h *DeckHandler) GetDeckHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deckID := mux.Vars(r)["deck_id"]

	d, err := h.manager.GetDeck(ctx, deckID)
	if err != nil {
		logger.Error("查询混音台失败", logger.ErrorField(err), logger.String("deck", deckID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if d == nil {
		http.Error(w, "混音台不存在", http.StatusNotFound)
		return
	}

	state, err := h.cache.GetDeckState(ctx, deckID)
	if err != nil {
		logger.Warn("读取混音台状态失败", logger.ErrorField(err), logger.String("deck", deckID))
	}
	users, err := h.cache.GetUsersOnline(ctx, deckID)
	if err != nil {
		logger.Warn("读取在线用户失败", logger.ErrorField(err), logger.String("deck", deckID))
	}
	// 活跃人数以心跳为准
	count, err := h.cache.GetActiveOnlineCount(ctx, deckID)
	if err != nil {
		logger.Warn("读取在线人数失败", logger.ErrorField(err), logger.String("deck", deckID))
	}

	writeJSON(w, http.StatusOK, &DeckInfoResponse{Deck: d, State: state, OnlineUsers: users, OnlineCount: count})
}

// CloseDeckHandler 关闭混音台
func (h *DeckHandler) CloseDeckHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	deckID := mux.Vars(r)["deck_id"]
	if err := h.manager.CloseDeck(ctx, deckID, userID); err != nil {
		logger.Warn("关闭混音台失败", logger.ErrorField(err), logger.String("deck", deckID))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"closed": deckID})
}

// SaveDeckCompositionHandler 落库混音台当前作品
func (h *DeckHandler) SaveDeckCompositionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	deckID := mux.Vars(r)["deck_id"]
	comp, err := h.manager.SaveComposition(ctx, deckID, userID)
	if err != nil {
		logger.Warn("保存混音台作品失败", logger.ErrorField(err), logger.String("deck", deckID))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": comp.ID})
}

// TransportDeckHandler 走带控制的 HTTP 入口（record/play/stop）
func (h *DeckHandler) TransportDeckHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := GetUserIDFromContext(ctx); err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	deckID, op := vars["deck_id"], vars["op"]
	if err := h.manager.Transport(ctx, deckID, op); err != nil {
		logger.Warn("走带操作失败",
			logger.ErrorField(err),
			logger.String("deck", deckID),
			logger.String("op", op))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deck": deckID, "transport": op})
}

// ========== WebSocket 处理器 ==========

// WebSocketHandler 处理 WebSocket 连接
func (h *DeckHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	deckID := mux.Vars(r)["deck_id"]
	if deckID == "" {
		http.Error(w, "混音台ID不能为空", http.StatusBadRequest)
		return
	}

	// WebSocket 无法通过 header 传递 token，从查询参数取
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证信息", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(h.cfg, token)
	if err != nil {
		http.Error(w, "无效的Token", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	d, err := h.manager.GetDeck(ctx, deckID)
	if err != nil || d == nil {
		http.Error(w, "混音台不存在", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	role := "member"
	if claims.UserID == d.OwnerID {
		role = "owner"
	}
	client := &deck.Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		DeckID:   deckID,
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
	}

	h.hub.Register(client)

	// 记录在线成员并广播加入
	online := &model.DeckUserOnline{UserID: claims.UserID, Username: claims.Username, JoinedAt: time.Now().UnixMilli()}
	if err := h.cache.SetUserOnline(ctx, deckID, online); err != nil {
		logger.Warn("设置在线状态失败", logger.ErrorField(err))
	}
	joinData, _ := json.Marshal(online)
	h.hub.BroadcastWSMessage(deckID, &deck.WSMessage{
		Type:     deck.MsgTypeJoin,
		DeckID:   deckID,
		UserID:   claims.UserID,
		Username: claims.Username,
		Data:     joinData,
	}, claims.UserID)

	// 广播最新在线名单，并向新连接推送全量状态
	if userList, err := json.Marshal(h.hub.DeckUserList(deckID)); err == nil {
		h.hub.BroadcastWSMessage(deckID, &deck.WSMessage{
			Type:   deck.MsgTypeUserList,
			DeckID: deckID,
			Data:   userList,
		}, 0)
	}
	h.manager.SyncDeckToUser(deckID, claims.UserID)

	go client.WritePump()
	go client.ReadPump(context.Background(), h.manager.HandleMessage)

	logger.Info("WebSocket 连接建立",
		logger.String("deckId", deckID),
		logger.Int64("userId", claims.UserID),
		logger.String("username", claims.Username))
}

// RegisterDeckRoutes 注册混音台相关路由
func RegisterDeckRoutes(router *mux.Router, handler *DeckHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/decks", authMiddleware(handler.OpenDeckHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/decks", authMiddleware(handler.ListDecksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/decks/{deck_id}", authMiddleware(handler.GetDeckHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/decks/{deck_id}", authMiddleware(handler.CloseDeckHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/decks/{deck_id}/save", authMiddleware(handler.SaveDeckCompositionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/decks/{deck_id}/{op:record|play|stop}", authMiddleware(handler.TransportDeckHandler)).Methods(http.MethodPost)

	// WebSocket 路由
	router.HandleFunc("/ws/deck/{deck_id}", handler.WebSocketHandler)

	logger.Info("混音台API端点注册完成",
		logger.String("endpoints", "POST /api/decks, GET /api/decks, GET /api/decks/{id}, DELETE /api/decks/{id}, POST /api/decks/{id}/save, POST /api/decks/{id}/record|play|stop, WS /ws/deck/{id}"))
}
