package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"soundslice/logger"

	"github.com/minio/minio-go/v7"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	ByType       map[string]int64
}

// BlobInfo 存储桶中的对象信息
type BlobInfo struct {
	Ref          string
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// RefInUse 判断某个 ref 是否仍被元数据引用
type RefInUse func(ctx context.Context, ref string) (bool, error)

// ListBlobs 列出存储桶中的内容对象并汇总统计
func (s *MinioStore) ListBlobs(ctx context.Context) ([]BlobInfo, *BucketStats, error) {
	stats := &BucketStats{ByType: make(map[string]int64)}
	var blobs []BlobInfo

	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       blobPrefix,
		Recursive:    true,
		WithMetadata: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}

		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		contentType := object.ContentType
		if contentType == "" {
			contentType = "unknown"
		}
		stats.ByType[contentType] += object.Size

		blobs = append(blobs, BlobInfo{
			Ref:          object.Key[strings.LastIndex(object.Key, "/")+1:],
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  contentType,
		})
	}

	return blobs, stats, nil
}

// SweepOrphans 删除早于 grace 且不再被引用的对象，dryRun 时只返回候选列表。
// 结算过程中刚写入、尚未落库的片段受 grace 保护。
func (s *MinioStore) SweepOrphans(ctx context.Context, inUse RefInUse, grace time.Duration, dryRun bool) ([]BlobInfo, error) {
	blobs, _, err := s.ListBlobs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-grace)
	var orphans []BlobInfo
	for _, blob := range blobs {
		if blob.LastModified.After(cutoff) || !ValidRef(blob.Ref) {
			continue
		}
		used, err := inUse(ctx, blob.Ref)
		if err != nil {
			return orphans, fmt.Errorf("check ref %s: %w", blob.Ref, err)
		}
		if used {
			continue
		}
		orphans = append(orphans, blob)
		if dryRun {
			continue
		}
		if err := s.Delete(ctx, blob.Ref); err != nil {
			return orphans, err
		}
		logger.Info("删除孤立对象", logger.String("ref", blob.Ref), logger.Int64("size", blob.Size))
	}
	return orphans, nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
