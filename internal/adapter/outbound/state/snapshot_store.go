package state

import (
	"context"
	"errors"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
)

// SnapshotStore implements access.Store on top of the state file.
type SnapshotStore struct {
	file *FileStateStore
}

// NewSnapshotStore wraps a FileStateStore.
func NewSnapshotStore(file *FileStateStore) *SnapshotStore {
	return &SnapshotStore{file: file}
}

// Save stores snap as the registry section of the state file.
func (s *SnapshotStore) Save(_ context.Context, snap access.Snapshot) error {
	snap.SavedAt = time.Now().UTC()
	_, err := s.file.Update(func(st *AppState) error {
		st.Registry = &snap
		return nil
	})
	return err
}

// Load returns the stored snapshot, or access.ErrSnapshotNotFound when the
// state file has none.
func (s *SnapshotStore) Load(_ context.Context) (*access.Snapshot, error) {
	st, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	if st.Registry == nil {
		return nil, access.ErrSnapshotNotFound
	}
	return st.Registry, nil
}

// FindByKey returns the stored descriptor for (path, verb).
func (s *SnapshotStore) FindByKey(ctx context.Context, path, verb string) (*endpoint.Descriptor, error) {
	key, err := endpoint.Descriptor{Path: path, Verb: verb}.Key()
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, string(key))
}

// FindByID returns the stored descriptor whose key equals id.
func (s *SnapshotStore) FindByID(ctx context.Context, id string) (*endpoint.Descriptor, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		if errors.Is(err, access.ErrSnapshotNotFound) {
			return nil, access.NotFoundError(id)
		}
		return nil, err
	}
	d, ok := snap.Find(endpoint.Key(id))
	if !ok {
		return nil, access.NotFoundError(id)
	}
	return &d, nil
}

// Compile-time interface verification.
var _ access.Store = (*SnapshotStore)(nil)
