package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"LoopDeck/model"

	"github.com/go-redis/redis/v8"
)

// CompositionSummary 列表页展示用的精简条目
type CompositionSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	TrackCount   int    `json:"trackCount"`
	SessionCount int    `json:"sessionCount"`
	Thumbnail    string `json:"thumbnail,omitempty"`
}

// GetCompositionListKey 根据用户ID生成作品列表的Redis键
func GetCompositionListKey(userID int64) string {
	return fmt.Sprintf("compositions:%d", userID)
}

// GetCompositionKey 根据作品ID生成作品详情的Redis键
func GetCompositionKey(id string) string {
	return fmt.Sprintf("composition:%s", id)
}

const (
	compositionListTTL = 1 * time.Hour
	compositionTTL     = 6 * time.Hour
)

// CacheCompositionList 缓存用户的作品列表
func CacheCompositionList(ctx context.Context, userID int64, summaries []CompositionSummary) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("failed to marshal composition list: %w", err)
	}
	return RedisClient.Set(ctx, GetCompositionListKey(userID), data, compositionListTTL).Err()
}

// GetCachedCompositionList 读取缓存的作品列表，未命中时 ok 为 false
func GetCachedCompositionList(ctx context.Context, userID int64) ([]CompositionSummary, bool, error) {
	if RedisClient == nil {
		return nil, false, fmt.Errorf("Redis client not initialized")
	}

	data, err := RedisClient.Get(ctx, GetCompositionListKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	var summaries []CompositionSummary
	if err := json.Unmarshal([]byte(data), &summaries); err != nil {
		return nil, false, err
	}
	return summaries, true, nil
}

// InvalidateCompositionList 作品保存或删除后使列表缓存失效
func InvalidateCompositionList(ctx context.Context, userID int64) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return RedisClient.Del(ctx, GetCompositionListKey(userID)).Err()
}

// CacheComposition 缓存作品详情，减轻数据库读压力
func CacheComposition(ctx context.Context, comp *model.Composition) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(comp)
	if err != nil {
		return fmt.Errorf("failed to marshal composition: %w", err)
	}
	return RedisClient.Set(ctx, GetCompositionKey(comp.ID), data, compositionTTL).Err()
}

// GetCachedComposition 读取缓存的作品详情，未命中时返回 nil
func GetCachedComposition(ctx context.Context, id string) (*model.Composition, error) {
	if RedisClient == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := RedisClient.Get(ctx, GetCompositionKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var comp model.Composition
	if err := json.Unmarshal([]byte(data), &comp); err != nil {
		return nil, err
	}
	return &comp, nil
}

// InvalidateComposition 删除作品详情缓存
func InvalidateComposition(ctx context.Context, id string) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return RedisClient.Del(ctx, GetCompositionKey(id)).Err()
}
