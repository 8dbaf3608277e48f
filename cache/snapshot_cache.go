package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"soundslice/logger"
	"soundslice/model"

	"github.com/go-redis/redis/v8"
)

const (
	snapshotKeyPrefix  = "soundslice:reuse:"
	defaultSnapshotTTL = 24 * time.Hour
	snapshotTimeout    = 2 * time.Second
)

// SnapshotCache 终态复用记录快照缓存。终态记录不再变化，可以放心缓存
type SnapshotCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewSnapshotCache 创建快照缓存，ttl<=0 时使用默认 24 小时
func NewSnapshotCache(client redis.Cmdable, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// SnapshotKey 根据记录ID生成Redis键
func SnapshotKey(id string) string {
	return snapshotKeyPrefix + id
}

// Get 读取快照；未命中返回 nil, nil
func (c *SnapshotCache) Get(ctx context.Context, id string) (*model.ReuseRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, SnapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}

	var rec model.ReuseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// 损坏的缓存当作未命中，顺手删掉
		logger.Warn("快照缓存解析失败", logger.RecordID(id), logger.ErrorField(err))
		_ = c.client.Del(ctx, SnapshotKey(id)).Err()
		return nil, nil
	}
	return &rec, nil
}

// Put 写入快照，非终态记录直接忽略
func (c *SnapshotCache) Put(ctx context.Context, rec *model.ReuseRecord) error {
	if rec == nil || !rec.Status.IsTerminal() {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", rec.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	if err := c.client.Set(ctx, SnapshotKey(rec.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", rec.ID, err)
	}

	logger.Debug("快照缓存写入成功",
		logger.RecordID(rec.ID),
		logger.String("status", string(rec.Status)),
		logger.Duration("ttl", c.ttl))
	return nil
}

// Invalidate 删除快照
func (c *SnapshotCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, SnapshotKey(id)).Err()
}
