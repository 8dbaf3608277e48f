package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore 进程内对象存储，用于本地开发与测试
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore 创建空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Put(ctx context.Context, r io.Reader, contentType string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read content: %w", err)
	}
	ref := Digest(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		s.objects[ref] = memoryObject{data: data, contentType: contentType}
	}
	return ObjectInfo{Ref: ref, Size: int64(len(data)), ContentType: s.objects[ref].contentType}, nil
}

func (s *MemoryStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", ref, ErrObjectNotFound)
	}
	return ObjectInfo{Ref: ref, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (s *MemoryStore) RangeRead(ctx context.Context, ref string, offset, length int64) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("read %s: %w", ref, ErrObjectNotFound)
	}

	size := int64(len(obj.data))
	if offset < 0 || offset > size {
		return nil, fmt.Errorf("read %s: offset %d outside object of %d bytes", ref, offset, size)
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
