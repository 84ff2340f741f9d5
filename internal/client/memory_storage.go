package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

// MemoryObject is one blob held by MemoryStorage
type MemoryObject struct {
	Data        []byte
	ContentType string
}

// MemoryStorage is a process-local StorageClient for development and tests.
// Signed URLs are fake but stable in shape.
type MemoryStorage struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]MemoryObject
	uploads int
	now     func() time.Time
}

// NewMemoryStorage creates an empty in-memory store whose URLs start with baseURL
func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://artifacts"
	}
	return &MemoryStorage{
		baseURL: baseURL,
		objects: make(map[string]MemoryObject),
		now:     time.Now,
	}
}

func (m *MemoryStorage) Upload(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read upload body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = MemoryObject{Data: data, ContentType: contentType}
	m.uploads++
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// GetSignedURL signs without looking the object up, like S3 and MinIO presigning.
func (m *MemoryStorage) GetSignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	expires := m.now().Add(expiry).Unix()
	return fmt.Sprintf("%s/%s?expires=%d", m.baseURL, url.PathEscape(key), expires), nil
}

func (m *MemoryStorage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/%s", m.baseURL, key)
}

// Object returns a stored blob
func (m *MemoryStorage) Object(key string) (MemoryObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys lists stored keys in lexical order
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Uploads counts Upload calls, overwrites included
func (m *MemoryStorage) Uploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uploads
}
