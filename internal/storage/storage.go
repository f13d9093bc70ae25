package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// Object describes an uploaded proof file.
type Object struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Uploader persists proof-of-purchase files. Implementations must be safe for
// concurrent use.
type Uploader interface {
	Upload(ctx context.Context, folder string, fileName string, mimeType string, data []byte) (*Object, error)
	Delete(ctx context.Context, key string) error
}

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
}

func AllowedMimeType(mimeType string) bool {
	return allowedMimeTypes[mimeType]
}

func objectKey(folder string, fileName string) string {
	base := strings.ReplaceAll(path.Base(fileName), " ", "_")
	return fmt.Sprintf("%s/%d-%s", folder, time.Now().UTC().UnixNano(), base)
}

// MemoryUploader keeps uploads in process memory. It backs dev mode and tests.
type MemoryUploader struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string][]byte)}
}

func (m *MemoryUploader) Upload(_ context.Context, folder string, fileName string, mimeType string, data []byte) (*Object, error) {
	if !AllowedMimeType(mimeType) {
		return nil, fmt.Errorf("unsupported file type: %s", mimeType)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload: %s", fileName)
	}

	key := objectKey(folder, fileName)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = buf
	return &Object{Key: key, URL: "memory://" + key}, nil
}

func (m *MemoryUploader) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Get returns a stored object for test assertions.
func (m *MemoryUploader) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}
