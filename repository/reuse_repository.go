package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"soundslice/model"

	"gorm.io/gorm"
)

// ReuseRepository 复用结算记录数据访问接口
type ReuseRepository interface {
	// Create 插入记录；ActiveKey 已被占用时返回 ErrDuplicateKey
	Create(ctx context.Context, rec *model.ReuseRecord) error
	FindByID(ctx context.Context, id string) (*model.ReuseRecord, error)
	// FindByIdempotencyKey 返回当前持有该幂等键的记录
	FindByIdempotencyKey(ctx context.Context, key string) (*model.ReuseRecord, error)
	// UpdateIfVersion 仅当版本号等于 expected 时写入，并使版本号加一
	UpdateIfVersion(ctx context.Context, id string, expected int64, updates map[string]interface{}) (*model.ReuseRecord, error)
	// ListStale 列出未终结、无有效租约且 updated_at 早于 before 的记录
	ListStale(ctx context.Context, before, now time.Time, limit int) ([]*model.ReuseRecord, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]*model.ReuseRecord, error)
	CountFinalized(ctx context.Context, trackID string) (int64, error)
}

// gormReuseRepository GORM 实现
type gormReuseRepository struct {
	db *gorm.DB
}

// NewGormReuseRepository 创建 GORM 复用记录仓库
func NewGormReuseRepository(db *gorm.DB) ReuseRepository {
	return &gormReuseRepository{db: db}
}

func (r *gormReuseRepository) Create(ctx context.Context, rec *model.ReuseRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("create reuse record %s: %w", rec.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("create reuse record %s: %w", rec.ID, err)
	}
	return nil
}

func (r *gormReuseRepository) FindByID(ctx context.Context, id string) (*model.ReuseRecord, error) {
	var rec model.ReuseRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormReuseRepository) FindByIdempotencyKey(ctx context.Context, key string) (*model.ReuseRecord, error) {
	var rec model.ReuseRecord
	err := r.db.WithContext(ctx).Where("active_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormReuseRepository) UpdateIfVersion(ctx context.Context, id string, expected int64, updates map[string]interface{}) (*model.ReuseRecord, error) {
	patch := make(map[string]interface{}, len(updates)+2)
	for k, v := range updates {
		patch[k] = v
	}
	patch["version"] = expected + 1
	patch["updated_at"] = time.Now()

	res := r.db.WithContext(ctx).Model(&model.ReuseRecord{}).
		Where("id = ? AND version = ?", id, expected).
		Updates(patch)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return nil, fmt.Errorf("update reuse record %s: %w", id, ErrDuplicateKey)
		}
		return nil, fmt.Errorf("update reuse record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("update reuse record %s at version %d: %w", id, expected, ErrVersionConflict)
	}

	rec, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("reuse record %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (r *gormReuseRepository) ListStale(ctx context.Context, before, now time.Time, limit int) ([]*model.ReuseRecord, error) {
	records := make([]*model.ReuseRecord, 0)
	q := r.db.WithContext(ctx).
		Where("status NOT IN ?", []model.ReuseStatus{model.ReuseStatusFinalized, model.ReuseStatusFailed}).
		Where("updated_at < ?", before).
		Where("lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

func (r *gormReuseRepository) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*model.ReuseRecord, error) {
	records := make([]*model.ReuseRecord, 0)
	q := r.db.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

func (r *gormReuseRepository) CountFinalized(ctx context.Context, trackID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ReuseRecord{}).
		Where("original_track_id = ? AND status = ?", trackID, model.ReuseStatusFinalized).
		Count(&count).Error
	return count, err
}
