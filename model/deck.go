package model

import "time"

// Deck 一次正在进行的编辑工作流（GORM 持久化）
// 一个 deck 绑定一个合成，WebSocket 客户端加入后驱动引擎
type Deck struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	Name          string     `json:"name" gorm:"size:100;not null"`
	OwnerID       int64      `json:"ownerId" gorm:"index;not null"`
	CompositionID string     `json:"compositionId" gorm:"size:36;index"`
	Status        string     `json:"status" gorm:"size:20;default:'active';index"` // active, closed
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

// TableName 指定表名
func (Deck) TableName() string {
	return "decks"
}

// ========== 非持久化结构（用于 Redis 和 WebSocket） ==========

// DeckUserOnline 在线用户信息（Redis 缓存）
type DeckUserOnline struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	JoinedAt int64  `json:"joinedAt"` // Unix 时间戳
}

// DeckState 引擎运行状态快照（Redis 缓存，重连客户端用）
type DeckState struct {
	ElapsedMs    int64 `json:"elapsedMs"`
	Recording    bool  `json:"recording"`
	Playing      bool  `json:"playing"`
	SessionCount int   `json:"sessionCount"`
	UpdatedAt    int64 `json:"updatedAt"` // 时间戳毫秒
}

// ========== 常量定义 ==========

const (
	// Deck 状态
	DeckStatusActive = "active"
	DeckStatusClosed = "closed"
)
