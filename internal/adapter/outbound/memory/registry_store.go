package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
)

// RegistryStore implements access.Store in memory.
// Thread-safe for concurrent access. For development/testing only.
type RegistryStore struct {
	mu       sync.RWMutex
	snapshot *access.Snapshot
}

// NewRegistryStore creates an empty registry store.
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{}
}

// Save replaces the stored snapshot with a copy of s.
func (s *RegistryStore) Save(_ context.Context, snap access.Snapshot) error {
	c := cloneSnapshot(snap)
	s.mu.Lock()
	s.snapshot = &c
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored snapshot.
func (s *RegistryStore) Load(_ context.Context) (*access.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, access.ErrSnapshotNotFound
	}
	c := cloneSnapshot(*s.snapshot)
	return &c, nil
}

// FindByKey returns the stored descriptor for (path, verb).
func (s *RegistryStore) FindByKey(ctx context.Context, path, verb string) (*endpoint.Descriptor, error) {
	key, err := endpoint.Descriptor{Path: path, Verb: verb}.Key()
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, string(key))
}

// FindByID returns the stored descriptor whose key equals id.
func (s *RegistryStore) FindByID(_ context.Context, id string) (*endpoint.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, access.NotFoundError(id)
	}
	d, ok := s.snapshot.Find(endpoint.Key(id))
	if !ok {
		return nil, access.NotFoundError(id)
	}
	return &d, nil
}

func cloneSnapshot(s access.Snapshot) access.Snapshot {
	c := s
	c.Endpoints = slices.Clone(s.Endpoints)
	for i, d := range c.Endpoints {
		if d.RateLimit != nil {
			rl := *d.RateLimit
			c.Endpoints[i].RateLimit = &rl
		}
	}
	c.DefaultLimits = maps.Clone(s.DefaultLimits)
	return c
}

// Compile-time interface verification.
var _ access.Store = (*RegistryStore)(nil)
