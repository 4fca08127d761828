package repository

import (
	"context"
	"time"

	"LoopDeck/model"

	"gorm.io/gorm"
)

// DeckRepository 混音台元数据访问接口
type DeckRepository interface {
	Create(ctx context.Context, deck *model.Deck) error
	GetByID(ctx context.Context, id string) (*model.Deck, error)
	Update(ctx context.Context, deck *model.Deck) error
	Close(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID int64) ([]*model.Deck, error)
	ListActive(ctx context.Context, limit, offset int) ([]*model.Deck, error)
}

// gormDeckRepository GORM 实现
type gormDeckRepository struct {
	db *gorm.DB
}

// NewGormDeckRepository 创建 GORM 混音台仓库
func NewGormDeckRepository(db *gorm.DB) DeckRepository {
	return &gormDeckRepository{db: db}
}

// Create 创建混音台
func (r *gormDeckRepository) Create(ctx context.Context, deck *model.Deck) error {
	return r.db.WithContext(ctx).Create(deck).Error
}

// GetByID 根据ID获取未关闭的混音台
func (r *gormDeckRepository) GetByID(ctx context.Context, id string) (*model.Deck, error) {
	var deck model.Deck
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.DeckStatusActive).
		First(&deck).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &deck, nil
}

// Update 更新混音台
func (r *gormDeckRepository) Update(ctx context.Context, deck *model.Deck) error {
	return r.db.WithContext(ctx).Save(deck).Error
}

// Close 关闭混音台
func (r *gormDeckRepository) Close(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Deck{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    model.DeckStatusClosed,
			"closed_at": &now,
		}).Error
}

// ListByOwner 列出某用户的全部混音台
func (r *gormDeckRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Deck, error) {
	var decks []*model.Deck
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&decks).Error
	return decks, err
}

// ListActive 分页列出活跃混音台
func (r *gormDeckRepository) ListActive(ctx context.Context, limit, offset int) ([]*model.Deck, error) {
	var decks []*model.Deck
	err := r.db.WithContext(ctx).
		Where("status = ?", model.DeckStatusActive).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&decks).Error
	return decks, err
}
