package preview

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/medscan/internal/media"
)

// MemoryStore holds previews in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*Object)}
}

func (s *MemoryStore) Create(ctx context.Context, img media.Image) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	id := uuid.NewString()
	data := make([]byte, len(img.Data))
	copy(data, img.Data)

	s.mu.Lock()
	s.objects[id] = &Object{ContentType: img.ContentType, Data: data}
	s.mu.Unlock()

	return newHandle(id), nil
}

func (s *MemoryStore) Open(ctx context.Context, id string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}

func (s *MemoryStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.objects, id)
	s.mu.Unlock()
	return nil
}

// Live returns the number of previews not yet released.
func (s *MemoryStore) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
