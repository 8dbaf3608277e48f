package repository

import (
	"context"
	"errors"
	"fmt"

	"soundslice/model"

	"gorm.io/gorm"
)

// TrackRepository 音轨数据访问接口
type TrackRepository interface {
	Create(ctx context.Context, track *model.Track) error
	GetByID(ctx context.Context, id string) (*model.Track, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Track, error)

	// ConditionalIncrement 为 recordID 计一次复用；重复调用不会重复计数。
	// applied 为 false 表示该记录此前已计入。
	ConditionalIncrement(ctx context.Context, trackID, recordID string) (applied bool, err error)
	CountCredits(ctx context.Context, trackID string) (int64, error)

	// ContentInUse 判断内容 ref 是否被音轨或复用片段引用
	ContentInUse(ctx context.Context, ref string) (bool, error)
}

// gormTrackRepository GORM 实现
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 音轨仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// Create 创建音轨
func (r *gormTrackRepository) Create(ctx context.Context, track *model.Track) error {
	if err := r.db.WithContext(ctx).Create(track).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("create track %s: %w", track.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("create track %s: %w", track.ID, err)
	}
	return nil
}

// GetByID 根据ID获取音轨，不存在时返回 nil, nil
func (r *gormTrackRepository) GetByID(ctx context.Context, id string) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// ListByOwner 获取用户上传的音轨，按创建时间倒序
func (r *gormTrackRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Track, error) {
	tracks := make([]*model.Track, 0)
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&tracks).Error
	return tracks, err
}

// ConditionalIncrement 在同一事务中写入计数凭据并累加 total_reuse_count
func (r *gormTrackRepository) ConditionalIncrement(ctx context.Context, trackID, recordID string) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&model.TrackReuseCredit{}).
			Where("record_id = ?", recordID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}

		if err := tx.Create(&model.TrackReuseCredit{RecordID: recordID, TrackID: trackID}).Error; err != nil {
			if isDuplicateKey(err) {
				return nil
			}
			return err
		}

		res := tx.Model(&model.Track{}).
			Where("id = ?", trackID).
			UpdateColumn("total_reuse_count", gorm.Expr("total_reuse_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("increment reuse count of track %s for record %s: %w", trackID, recordID, err)
	}
	return applied, nil
}

// CountCredits 统计已计入的复用记录数
func (r *gormTrackRepository) CountCredits(ctx context.Context, trackID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TrackReuseCredit{}).
		Where("track_id = ?", trackID).
		Count(&count).Error
	return count, err
}

func (r *gormTrackRepository) ContentInUse(ctx context.Context, ref string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Track{}).
		Where("content_ref = ?", ref).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := r.db.WithContext(ctx).Model(&model.ReuseRecord{}).
		Where("snippet_content_ref = ?", ref).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
