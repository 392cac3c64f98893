package twin

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps twins in memory
type MemoryStore struct {
	mu    sync.Mutex
	twins map[string]*Twin
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{twins: make(map[string]*Twin)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, deviceID string) (*Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// twin returns the stored twin or a new one, which is not stored yet
func (s *MemoryStore) twin(deviceID string) *Twin {
	if t, ok := s.twins[deviceID]; ok {
		return t
	}
	return NewTwin(deviceID)
}

// UpdateDesired implements Store
func (s *MemoryStore) UpdateDesired(ctx context.Context, deviceID string, patch []byte, replace bool) (*Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *s.twin(deviceID)
	var err error
	if t.Desired, t.DesiredVersion, err = update(t.Desired, t.DesiredVersion, patch, replace); err != nil {
		return nil, err
	}
	t.DesiredAt = time.Now().UTC()
	s.twins[deviceID] = &t
	cp := t
	return &cp, nil
}

// UpdateReported implements Store
func (s *MemoryStore) UpdateReported(ctx context.Context, deviceID string, patch []byte) (*Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *s.twin(deviceID)
	var err error
	if t.Reported, t.ReportedVersion, err = update(t.Reported, t.ReportedVersion, patch, false); err != nil {
		return nil, err
	}
	t.ReportedAt = time.Now().UTC()
	s.twins[deviceID] = &t
	cp := t
	return &cp, nil
}
