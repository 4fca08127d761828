package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"LoopDeck/model"

	"github.com/go-redis/redis/v8"
)

const (
	deckUsersKey    = "deck:%s:users"       // Hash: userID -> DeckUserOnline JSON
	deckStateKey    = "deck:%s:state"       // String: DeckState JSON
	deckPresenceKey = "deck:%s:presence:%d" // String: 用户在线心跳 key (deckID:userID)
	deckPresenceSet = "deck:%s:online"      // Set: 在线用户集合
	deckTTL         = 24 * time.Hour
	presenceTTL     = 60 * time.Second // 心跳过期时间 60秒
)

// DeckCache 混音台在线状态缓存
type DeckCache struct {
	client *redis.Client
}

// NewDeckCache 创建混音台缓存
func NewDeckCache() *DeckCache {
	return &DeckCache{client: RedisClient}
}

// ========== 成员管理 ==========

// SetUserOnline 设置成员在线状态
func (c *DeckCache) SetUserOnline(ctx context.Context, deckID string, user *model.DeckUserOnline) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(deckUsersKey, deckID)
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal deck user: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(user.UserID, 10), data)
	pipe.Expire(ctx, key, deckTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveUserOnline 移除成员在线状态
func (c *DeckCache) RemoveUserOnline(ctx context.Context, deckID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(deckUsersKey, deckID)
	return c.client.HDel(ctx, key, strconv.FormatInt(userID, 10)).Err()
}

// GetUsersOnline 获取所有在线成员
func (c *DeckCache) GetUsersOnline(ctx context.Context, deckID string) ([]model.DeckUserOnline, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(deckUsersKey, deckID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	users := make([]model.DeckUserOnline, 0, len(result))
	for _, data := range result {
		var user model.DeckUserOnline
		if err := json.Unmarshal([]byte(data), &user); err == nil {
			users = append(users, user)
		}
	}
	return users, nil
}

// ========== 引擎状态快照 ==========

// SetDeckState 写入引擎状态快照，供列表页与重连客户端读取
func (c *DeckCache) SetDeckState(ctx context.Context, deckID string, state *model.DeckState) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal deck state: %w", err)
	}
	return c.client.Set(ctx, fmt.Sprintf(deckStateKey, deckID), data, deckTTL).Err()
}

// GetDeckState 读取引擎状态快照，不存在时返回 nil
func (c *DeckCache) GetDeckState(ctx context.Context, deckID string) (*model.DeckState, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, fmt.Sprintf(deckStateKey, deckID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var state model.DeckState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ClearDeck 删除混音台的全部缓存键
func (c *DeckCache) ClearDeck(ctx context.Context, deckID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(deckUsersKey, deckID))
	pipe.Del(ctx, fmt.Sprintf(deckStateKey, deckID))
	pipe.Del(ctx, fmt.Sprintf(deckPresenceSet, deckID))
	_, err := pipe.Exec(ctx)
	return err
}

// ========== 心跳在线状态管理 ==========

// UpdateUserPresence 更新用户心跳
func (c *DeckCache) UpdateUserPresence(ctx context.Context, deckID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(deckPresenceKey, deckID, userID)
	onlineSetKey := fmt.Sprintf(deckPresenceSet, deckID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, deckTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserPresence 移除用户在线状态
func (c *DeckCache) RemoveUserPresence(ctx context.Context, deckID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(deckPresenceKey, deckID, userID))
	pipe.SRem(ctx, fmt.Sprintf(deckPresenceSet, deckID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetActiveOnlineUsers 获取活跃在线用户ID列表（基于心跳），顺带清理过期成员
func (c *DeckCache) GetActiveOnlineUsers(ctx context.Context, deckID string) ([]int64, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	onlineSetKey := fmt.Sprintf(deckPresenceSet, deckID)
	members, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []int64{}, nil
	}

	activeUsers := make([]int64, 0, len(members))
	expired := make([]interface{}, 0)

	for _, memberStr := range members {
		userID, err := strconv.ParseInt(memberStr, 10, 64)
		if err != nil {
			continue
		}
		exists, err := c.client.Exists(ctx, fmt.Sprintf(deckPresenceKey, deckID, userID)).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			activeUsers = append(activeUsers, userID)
		} else {
			expired = append(expired, memberStr)
		}
	}

	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}
	return activeUsers, nil
}

// GetActiveOnlineCount 获取活跃在线人数
func (c *DeckCache) GetActiveOnlineCount(ctx context.Context, deckID string) (int64, error) {
	users, err := c.GetActiveOnlineUsers(ctx, deckID)
	if err != nil {
		return 0, err
	}
	return int64(len(users)), nil
}
