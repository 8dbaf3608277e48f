package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"soundslice/config"
	"soundslice/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const blobPrefix = "blobs/"

// MinioStore 基于 MinIO 的内容寻址存储
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore 初始化 MinIO 客户端并确保存储桶存在
func NewMinioStore(ctx context.Context, cfg *config.Config) (*MinioStore, error) {
	logger.Info("正在连接 MinIO 服务器...",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// 检查存储桶是否存在
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	return &MinioStore{client: client, bucket: cfg.MinioBucket}, nil
}

// objectKey 按 ref 前两位分目录，避免单目录对象过多
func objectKey(ref string) string {
	return blobPrefix + ref[:2] + "/" + ref
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinioStore) Put(ctx context.Context, r io.Reader, contentType string) (ObjectInfo, error) {
	f, ref, size, err := spool(r)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer discardSpool(f)

	// 内容寻址：已存在即视为写入成功
	if info, err := s.Stat(ctx, ref); err == nil {
		return info, nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, objectKey(ref), f, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("upload %s: %w", ref, err)
	}
	return ObjectInfo{Ref: ref, Size: size, ContentType: contentType}, nil
}

func (s *MinioStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	if !ValidRef(ref) {
		return ObjectInfo{}, fmt.Errorf("stat %q: %w", ref, ErrInvalidRef)
	}
	info, err := s.client.StatObject(ctx, s.bucket, objectKey(ref), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, fmt.Errorf("stat %s: %w", ref, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", ref, err)
	}
	return ObjectInfo{Ref: ref, Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *MinioStore) RangeRead(ctx context.Context, ref string, offset, length int64) (io.ReadCloser, error) {
	if !ValidRef(ref) {
		return nil, fmt.Errorf("read %q: %w", ref, ErrInvalidRef)
	}
	opts := minio.GetObjectOptions{}
	switch {
	case length == 0:
		return io.NopCloser(strings.NewReader("")), nil
	case length > 0:
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
	case offset > 0:
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(ref), opts)
	if err == nil {
		// GetObject 是惰性的，Stat 触发首个请求，对象不存在时在这里报错
		_, err = obj.Stat()
		if err != nil {
			obj.Close()
		}
	}
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("read %s: %w", ref, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	if !ValidRef(ref) {
		return fmt.Errorf("delete %q: %w", ref, ErrInvalidRef)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(ref), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}
