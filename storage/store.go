package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

var (
	// ErrObjectNotFound 对象不存在
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidRef 引用格式错误
	ErrInvalidRef = errors.New("invalid content ref")
)

// ObjectInfo 对象元数据
type ObjectInfo struct {
	Ref         string
	Size        int64
	ContentType string
}

// ContentStore 按内容寻址的不可变对象存储。ref 为内容摘要的十六进制编码，
// 相同字节总是得到相同 ref，重复 Put 是幂等的。
type ContentStore interface {
	Put(ctx context.Context, r io.Reader, contentType string) (ObjectInfo, error)
	Stat(ctx context.Context, ref string) (ObjectInfo, error)
	// RangeRead 读取 [offset, offset+length)；length < 0 表示读到末尾
	RangeRead(ctx context.Context, ref string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// contentDomainKey is the ASCII domain name zero-padded to 32 bytes.
var contentDomainKey = [32]byte{
	's', 'o', 'u', 'n', 'd', 's', 'l', 'i', 'c', 'e', '.', 'c', 'o', 'n', 't', 'e',
	'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// NewHasher returns a keyed BLAKE3 hasher for content refs.
func NewHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		panic("storage: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// Digest 计算数据的内容引用
func Digest(data []byte) string {
	hasher := NewHasher()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// ValidRef reports whether ref looks like a content digest.
func ValidRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// spool 将流写入临时文件并同时计算摘要，返回的文件已回到开头
func spool(r io.Reader) (*os.File, string, int64, error) {
	tmp, err := os.CreateTemp("", "soundslice-upload-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("create spool file: %w", err)
	}

	hasher := NewHasher()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		discardSpool(tmp)
		return nil, "", 0, fmt.Errorf("spool content: %w", err)
	}
	return tmp, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func discardSpool(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}
