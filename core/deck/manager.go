package deck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"LoopDeck/cache"
	"LoopDeck/core/media"
	"LoopDeck/core/timeline"
	"LoopDeck/logger"
	"LoopDeck/model"
	"LoopDeck/repository"

	"github.com/google/uuid"
)

// DeckManager 混音台业务管理器
type DeckManager struct {
	repo     repository.DeckRepository
	compRepo repository.CompositionRepository
	cache    *cache.DeckCache
	hub      *DeckHub

	mu       sync.RWMutex
	sessions map[string]*DeckSession // deckID -> 运行中的引擎
}

// NewDeckManager 创建混音台管理器
func NewDeckManager(repo repository.DeckRepository, compRepo repository.CompositionRepository, deckCache *cache.DeckCache, hub *DeckHub) *DeckManager {
	return &DeckManager{
		repo:     repo,
		compRepo: compRepo,
		cache:    deckCache,
		hub:      hub,
		sessions: make(map[string]*DeckSession),
	}
}

// DeckSession 一个混音台对应一个常驻引擎实例
type DeckSession struct {
	DeckID     string
	Deck       *model.Deck
	Controller *timeline.Controller

	hub   *DeckHub
	cache *cache.DeckCache
	slots [model.MaxSlots]*media.SlotController

	mu         sync.Mutex
	syncCancel context.CancelFunc
}

// ========== 混音台生命周期 ==========

// OpenDeck 打开混音台：加载作品并启动引擎
func (m *DeckManager) OpenDeck(ctx context.Context, ownerID int64, ownerName, name, compositionID string) (*model.Deck, error) {
	var comp *model.Composition
	if compositionID != "" {
		loaded, loadedOwner, err := m.compRepo.Load(compositionID)
		if err != nil {
			return nil, fmt.Errorf("加载作品失败: %w", err)
		}
		if loaded == nil {
			return nil, fmt.Errorf("作品不存在: %s", compositionID)
		}
		if loadedOwner != ownerID {
			return nil, fmt.Errorf("无权打开他人作品: %s", compositionID)
		}
		comp = loaded
	} else {
		comp = &model.Composition{
			ID:        uuid.NewString(),
			Name:      name,
			CreatedAt: time.Now().UnixMilli(),
			Duration:  model.SessionDurationMs,
		}
	}

	deck := &model.Deck{
		ID:            uuid.NewString(),
		Name:          name,
		OwnerID:       ownerID,
		CompositionID: comp.ID,
		Status:        model.DeckStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := m.repo.Create(ctx, deck); err != nil {
		return nil, fmt.Errorf("创建混音台失败: %w", err)
	}

	session := m.buildSession(deck, comp)

	m.mu.Lock()
	m.sessions[deck.ID] = session
	m.mu.Unlock()

	// 设置缓存
	owner := &model.DeckUserOnline{UserID: ownerID, Username: ownerName, JoinedAt: time.Now().UnixMilli()}
	if err := m.cache.SetUserOnline(ctx, deck.ID, owner); err != nil {
		logger.Warn("设置成员在线状态失败", logger.ErrorField(err))
	}
	session.syncState(ctx)

	logger.Info("混音台创建成功",
		logger.String("deckId", deck.ID),
		logger.Int64("ownerId", ownerID),
		logger.String("name", name))

	return deck, nil
}

// buildSession wires one engine instance: slot controllers drive the
// browser players over WebSocket, the replayer writes through the same
// path, and hijack/warning feedback is broadcast to everyone connected.
func (m *DeckManager) buildSession(deck *model.Deck, comp *model.Composition) *DeckSession {
	session := &DeckSession{
		DeckID: deck.ID,
		Deck:   deck,
		hub:    m.hub,
		cache:  m.cache,
	}

	onWarn := func(slot int, err error) {
		logger.Warn("player capability warning",
			logger.ErrorField(err),
			logger.String("deck", deck.ID),
			logger.Int("slot", slot))
		session.broadcast(MsgTypeWarning, &WarningMsgData{Slot: slot, Message: err.Error()})
	}
	for slot := 0; slot < model.MaxSlots; slot++ {
		player := &RemotePlayer{deckID: deck.ID, slot: slot, hub: m.hub}
		session.slots[slot] = media.NewSlotController(slot, player, onWarn)
	}

	session.Controller = timeline.NewController(comp, session,
		timeline.WithHijackNotify(func(keys []timeline.Key) {
			session.broadcastHijack(keys)
		}),
		timeline.WithStopNotify(func(prev timeline.Mode) {
			session.onRunFinished(prev)
		}),
	)
	return session
}

// GetSession 获取运行中的混音台引擎
func (m *DeckManager) GetSession(deckID string) *DeckSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[deckID]
}

// GetDeck 获取混音台元数据
func (m *DeckManager) GetDeck(ctx context.Context, deckID string) (*model.Deck, error) {
	return m.repo.GetByID(ctx, deckID)
}

// ListDecks 分页列出活跃混音台
func (m *DeckManager) ListDecks(ctx context.Context, limit, offset int) ([]*model.Deck, error) {
	return m.repo.ListActive(ctx, limit, offset)
}

// CloseDeck 关闭混音台，停止引擎并清理缓存
func (m *DeckManager) CloseDeck(ctx context.Context, deckID string, userID int64) error {
	deck, err := m.repo.GetByID(ctx, deckID)
	if err != nil {
		return err
	}
	if deck == nil {
		return fmt.Errorf("混音台不存在: %s", deckID)
	}
	if deck.OwnerID != userID {
		return fmt.Errorf("只有创建者可以关闭混音台")
	}

	m.mu.Lock()
	session := m.sessions[deckID]
	delete(m.sessions, deckID)
	m.mu.Unlock()

	if session != nil {
		// 停掉仍在运行的走带
		switch session.Controller.Mode() {
		case timeline.ModeRecording:
			if _, err := session.Controller.StopRecording(); err != nil {
				logger.Warn("停止录制失败", logger.ErrorField(err), logger.String("deck", deckID))
			}
		case timeline.ModePlaying:
			if err := session.Controller.StopPlayback(); err != nil {
				logger.Warn("停止回放失败", logger.ErrorField(err), logger.String("deck", deckID))
			}
		}
		session.stopStateSync()
	}

	if err := m.repo.Close(ctx, deckID); err != nil {
		return fmt.Errorf("关闭混音台失败: %w", err)
	}
	if err := m.cache.ClearDeck(ctx, deckID); err != nil {
		logger.Warn("清理混音台缓存失败", logger.ErrorField(err), logger.String("deck", deckID))
	}

	logger.Info("混音台已关闭", logger.String("deckId", deckID))
	return nil
}

// SaveComposition 落库当前作品并使列表缓存失效
func (m *DeckManager) SaveComposition(ctx context.Context, deckID string, userID int64) (*model.Composition, error) {
	session := m.GetSession(deckID)
	if session == nil {
		return nil, fmt.Errorf("混音台未运行: %s", deckID)
	}

	comp := session.Controller.Store().Composition()
	if err := m.compRepo.Save(userID, comp); err != nil {
		return nil, err
	}
	if err := cache.InvalidateCompositionList(ctx, userID); err != nil {
		logger.Warn("列表缓存失效失败", logger.ErrorField(err), logger.Int64("user", userID))
	}
	if err := cache.CacheComposition(ctx, comp); err != nil {
		logger.Warn("作品缓存写入失败", logger.ErrorField(err), logger.String("composition", comp.ID))
	}
	return comp, nil
}

// Transport 走带控制的 HTTP 入口，动作语义与 WebSocket transport 消息一致
func (m *DeckManager) Transport(ctx context.Context, deckID, op string) error {
	session := m.GetSession(deckID)
	if session == nil {
		return fmt.Errorf("混音台未运行: %s", deckID)
	}
	action, err := transportAction(session.Controller.Mode(), op)
	if err != nil {
		return err
	}
	return session.transport(ctx, action)
}

// SyncDeckToUser 向新建立的连接推送混音台全量状态
func (m *DeckManager) SyncDeckToUser(deckID string, userID int64) {
	session := m.GetSession(deckID)
	if session == nil {
		return
	}

	data, err := json.Marshal(&SyncMsgData{
		Deck:        session.Deck,
		Composition: session.Controller.Store().Composition(),
		Mode:        session.Controller.Mode().String(),
		ElapsedMs:   session.Controller.ElapsedMs(),
		Users:       m.hub.DeckUserList(deckID),
	})
	if err != nil {
		logger.Warn("序列化同步消息失败", logger.ErrorField(err), logger.String("deck", deckID))
		return
	}

	msg := &WSMessage{Type: MsgTypeSync, DeckID: deckID, Data: data}
	if err := m.hub.SendToUser(deckID, userID, msg); err != nil {
		logger.Warn("推送全量状态失败",
			logger.ErrorField(err),
			logger.String("deck", deckID),
			logger.Int64("user", userID))
	}
}

// ========== WebSocket 消息处理 ==========

// HandleMessage 处理 WebSocket 消息
func (m *DeckManager) HandleMessage(ctx context.Context, client *Client, msg *WSMessage) {
	session := m.GetSession(client.DeckID)
	if session == nil {
		client.SendMessage(&WSMessage{Type: MsgTypeError, Data: errData("deck not running")})
		return
	}

	// 处理前端双重序列化的 data 字段
	data := msg.Data
	if len(data) > 0 && data[0] == '"' {
		var decoded string
		if err := json.Unmarshal(data, &decoded); err == nil {
			data = json.RawMessage(decoded)
		}
	}

	switch msg.Type {
	case MsgTypeControl:
		var controlData ControlMsgData
		if err := json.Unmarshal(data, &controlData); err != nil {
			logger.Warn("解析控制消息失败", logger.ErrorField(err), logger.String("data", string(data)))
			return
		}
		session.handleControl(client, &controlData)

	case MsgTypeKeyframe:
		var kfData KeyframeMsgData
		if err := json.Unmarshal(data, &kfData); err != nil {
			logger.Warn("解析关键帧消息失败", logger.ErrorField(err), logger.String("data", string(data)))
			return
		}
		session.handleKeyframe(client, &kfData)

	case MsgTypeTransport:
		var transportData TransportMsgData
		if err := json.Unmarshal(data, &transportData); err != nil {
			logger.Warn("解析走带消息失败", logger.ErrorField(err), logger.String("data", string(data)))
			return
		}
		session.handleTransport(ctx, client, &transportData)

	case MsgTypeTrack:
		var trackData TrackMsgData
		if err := json.Unmarshal(data, &trackData); err != nil {
			logger.Warn("解析轨道消息失败", logger.ErrorField(err), logger.String("data", string(data)))
			return
		}
		session.handleTrack(client, &trackData)

	case MsgTypePlayerEvent:
		var eventData PlayerEventMsgData
		if err := json.Unmarshal(data, &eventData); err != nil {
			logger.Warn("解析播放器事件失败", logger.ErrorField(err), logger.String("data", string(data)))
			return
		}
		session.handlePlayerEvent(&eventData)

	case MsgTypeLeave:
		m.hub.Unregister(client)

	default:
		logger.Debug("未知消息类型", logger.String("type", string(msg.Type)))
	}
}

// ========== DeckSession：引擎输入 ==========

func (s *DeckSession) handleControl(client *Client, data *ControlMsgData) {
	var err error
	switch model.ControlType(data.Control) {
	case model.ControlVolume:
		err = s.Controller.SetVolume(data.Slot, data.Value)
	case model.ControlOpacity:
		err = s.Controller.SetOpacity(data.Slot, data.Value)
	default:
		err = fmt.Errorf("unknown control: %s", data.Control)
	}
	if err != nil {
		s.sendError(client, err)
	}
}

func (s *DeckSession) handleKeyframe(client *Client, data *KeyframeMsgData) {
	var err error
	switch data.Action {
	case model.KeyframeActionSet:
		if data.Time == nil {
			s.sendError(client, fmt.Errorf("keyframe set requires a time"))
			return
		}
		err = s.Controller.SetKeyframe(data.Slot, data.Index, *data.Time)
	case model.KeyframeActionDelete:
		err = s.Controller.DeleteKeyframe(data.Slot, data.Index)
	case model.KeyframeActionJump:
		err = s.Controller.JumpKeyframe(data.Slot, data.Index)
	default:
		err = fmt.Errorf("unknown keyframe action: %s", data.Action)
	}
	if err != nil {
		s.sendError(client, err)
	}
}

func (s *DeckSession) handleTransport(ctx context.Context, client *Client, data *TransportMsgData) {
	if err := s.transport(ctx, data.Action); err != nil {
		s.sendError(client, err)
	}
}

// transport 执行一次走带动作，WebSocket 消息与 HTTP 接口共用
func (s *DeckSession) transport(ctx context.Context, action string) error {
	switch action {
	case "record_start":
		if err := s.Controller.StartRecording(context.Background()); err != nil {
			return err
		}
		s.playAll()
		s.startStateSync()
		return nil

	case "record_stop":
		session, err := s.Controller.StopRecording()
		s.stopStateSync()
		s.pauseAll()
		if err != nil {
			return err
		}
		s.broadcast(MsgTypeSession, &SessionMsgData{Session: session.Session, Duration: session.Duration})
		s.syncState(ctx)
		return nil

	case "play_start":
		if err := s.Controller.StartPlayback(context.Background()); err != nil {
			return err
		}
		s.playAll()
		s.startStateSync()
		return nil

	case "play_stop":
		err := s.Controller.StopPlayback()
		s.stopStateSync()
		s.pauseAll()
		if err != nil {
			return err
		}
		s.syncState(ctx)
		return nil

	default:
		return fmt.Errorf("unknown transport action: %s", action)
	}
}

// transportAction 将 REST 风格的走带动词翻译为引擎动作；stop 依据当前
// 模式决定结束录制还是结束回放。
func transportAction(mode timeline.Mode, op string) (string, error) {
	switch op {
	case "record":
		return "record_start", nil
	case "play":
		return "play_start", nil
	case "stop":
		if mode == timeline.ModeRecording {
			return "record_stop", nil
		}
		return "play_stop", nil
	default:
		return "", fmt.Errorf("unknown transport action: %s", op)
	}
}

func (s *DeckSession) handleTrack(client *Client, data *TrackMsgData) {
	switch data.Action {
	case "add":
		track, err := s.Controller.AddTrack(data.Slot, data.SourceRef)
		if err != nil {
			s.sendError(client, err)
			return
		}
		s.broadcast(MsgTypeTrack, &TrackMsgData{Action: "add", Slot: track.Slot, SourceRef: track.SourceRef})

	case "remove":
		if err := s.Controller.RemoveTrack(data.Slot); err != nil {
			s.sendError(client, err)
			return
		}
		s.broadcast(MsgTypeTrack, &TrackMsgData{Action: "remove", Slot: data.Slot})

	case "flags":
		if err := s.Controller.SetTrackFlags(data.Slot, data.Locked, data.CrossLinked, data.PairLinked); err != nil {
			s.sendError(client, err)
			return
		}
		s.broadcast(MsgTypeTrack, data)

	default:
		s.sendError(client, fmt.Errorf("unknown track action: %s", data.Action))
	}
}

func (s *DeckSession) handlePlayerEvent(data *PlayerEventMsgData) {
	if data.Slot < 0 || data.Slot >= model.MaxSlots {
		return
	}
	slot := s.slots[data.Slot]
	switch data.Event {
	case "ready":
		slot.NotifyReady()
	case "seeked":
		slot.NotifySeeked()
	case "playing":
		slot.NotifyPlaying()
	case "error":
		slot.NotifyError(errors.New(data.Error))
	}
}

// ========== DeckSession：回放输出（timeline.Driver 实现） ==========

// ApplyVolume 回放音量：下发播放器命令并广播滑块状态
func (s *DeckSession) ApplyVolume(slot, value int) {
	if slot >= 0 && slot < model.MaxSlots {
		s.slots[slot].SetVolume(value)
		s.slots[slot].Retry() // 顺带重试挂起的 seek/play
	}
	s.broadcast(MsgTypeApply, &ApplyMsgData{Slot: slot, Control: string(model.ControlVolume), Value: value})
}

// ApplyOpacity 回放透明度：纯视觉属性，只广播给客户端
func (s *DeckSession) ApplyOpacity(slot, value int) {
	s.broadcast(MsgTypeApply, &ApplyMsgData{Slot: slot, Control: string(model.ControlOpacity), Value: value})
}

// SeekTo 回放跳转：经过槽位状态机排队 seek-then-play
func (s *DeckSession) SeekTo(slot int, offsetSec float64) {
	if slot >= 0 && slot < model.MaxSlots {
		s.slots[slot].SeekTo(offsetSec)
	}
}

// HighlightKeyframe 回放关键帧按钮反馈
func (s *DeckSession) HighlightKeyframe(slot, keyframeIndex int, action string) {
	s.broadcast(MsgTypeHighlight, &HighlightMsgData{Slot: slot, Index: keyframeIndex, Action: action})
}

// ========== DeckSession：状态同步 ==========

func (s *DeckSession) playAll() {
	for _, t := range s.Controller.Store().Composition().Tracks {
		if t.Slot >= 0 && t.Slot < model.MaxSlots {
			s.slots[t.Slot].Play()
		}
	}
}

func (s *DeckSession) pauseAll() {
	for _, t := range s.Controller.Store().Composition().Tracks {
		if t.Slot >= 0 && t.Slot < model.MaxSlots {
			s.slots[t.Slot].Pause()
		}
	}
}

// startStateSync 走带期间每秒广播进度并刷新 Redis 状态
func (s *DeckSession) startStateSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.syncCancel = cancel
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcastTick()
				s.syncState(ctx)
			}
		}
	}()
}

func (s *DeckSession) stopStateSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncCancel != nil {
		s.syncCancel()
		s.syncCancel = nil
	}
}

// onRunFinished 走带到达固定时长自行结束
func (s *DeckSession) onRunFinished(prev timeline.Mode) {
	s.stopStateSync()
	s.pauseAll()
	if prev == timeline.ModeRecording {
		if count := s.Controller.Store().SessionCount(); count > 0 {
			comp := s.Controller.Store().Composition()
			last := comp.Sessions[count-1]
			s.broadcast(MsgTypeSession, &SessionMsgData{Session: last.Session, Duration: last.Duration})
		}
	}
	s.broadcastTick()
	s.syncState(context.Background())
}

func (s *DeckSession) broadcastTick() {
	s.broadcast(MsgTypeTick, &TickMsgData{
		ElapsedMs:    s.Controller.ElapsedMs(),
		Mode:         s.Controller.Mode().String(),
		SessionCount: s.Controller.Store().SessionCount(),
	})
}

// syncState 把引擎状态写入 Redis，列表页与重连客户端读取
func (s *DeckSession) syncState(ctx context.Context) {
	mode := s.Controller.Mode()
	state := &model.DeckState{
		ElapsedMs:    s.Controller.ElapsedMs(),
		Recording:    mode == timeline.ModeRecording,
		Playing:      mode == timeline.ModePlaying,
		SessionCount: s.Controller.Store().SessionCount(),
		UpdatedAt:    time.Now().UnixMilli(),
	}
	if err := s.cache.SetDeckState(ctx, s.DeckID, state); err != nil {
		logger.Warn("写入混音台状态失败", logger.ErrorField(err), logger.String("deck", s.DeckID))
	}
}

func (s *DeckSession) broadcastHijack(keys []timeline.Key) {
	hijacked := make([]HijackedKey, 0, len(keys))
	for _, k := range keys {
		hijacked = append(hijacked, HijackedKey{Slot: k.Slot, Control: string(k.Control)})
	}
	s.broadcast(MsgTypeHijack, &HijackMsgData{Keys: hijacked, ElapsedMs: s.Controller.ElapsedMs()})
}

func (s *DeckSession) broadcast(msgType MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("广播消息序列化失败", logger.ErrorField(err), logger.String("type", string(msgType)))
		return
	}
	s.hub.BroadcastWSMessage(s.DeckID, &WSMessage{
		Type:   msgType,
		DeckID: s.DeckID,
		Data:   data,
	}, 0)
}

func (s *DeckSession) sendError(client *Client, err error) {
	client.SendMessage(&WSMessage{Type: MsgTypeError, DeckID: s.DeckID, Data: errData(err.Error())})
}

func errData(message string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"message": message})
	return data
}

// ========== RemotePlayer ==========

// RemotePlayer 把播放器命令转发给浏览器端的真实播放器。
// 命令是单向的，失败通过 player_event 消息回流。
type RemotePlayer struct {
	deckID string
	slot   int
	hub    *DeckHub
}

func (p *RemotePlayer) send(command string, value int, seconds float64) error {
	data, err := json.Marshal(&PlayerCmdMsgData{Slot: p.slot, Command: command, Value: value, Seconds: seconds})
	if err != nil {
		return err
	}
	return p.hub.BroadcastWSMessage(p.deckID, &WSMessage{
		Type:   MsgTypePlayerCmd,
		DeckID: p.deckID,
		Data:   data,
	}, 0)
}

func (p *RemotePlayer) SeekTo(seconds float64) error { return p.send("seek", 0, seconds) }
func (p *RemotePlayer) Play() error                  { return p.send("play", 0, 0) }
func (p *RemotePlayer) Pause() error                 { return p.send("pause", 0, 0) }
func (p *RemotePlayer) SetVolume(value int) error    { return p.send("setVolume", value, 0) }
func (p *RemotePlayer) Mute() error                  { return p.send("mute", 0, 0) }
func (p *RemotePlayer) Unmute() error                { return p.send("unmute", 0, 0) }

// CurrentTime 播放位置由浏览器端跟踪，服务端不维护
func (p *RemotePlayer) CurrentTime() (float64, error) { return 0, nil }

// Duration 同 CurrentTime，由浏览器端跟踪
func (p *RemotePlayer) Duration() (float64, error) { return 0, nil }
