package access

import (
	"context"
	"errors"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// ErrSnapshotNotFound is returned by Store.Load when nothing was saved yet.
var ErrSnapshotNotFound = errors.New("registry snapshot not found")

// Snapshot is the persisted form of a Registry: endpoint definitions and
// quota defaults. Access logs are not part of it.
type Snapshot struct {
	ID            string                                 `json:"id"`
	WindowPolicy  ratelimit.WindowPolicy                 `json:"window_policy"`
	Endpoints     []endpoint.Descriptor                  `json:"endpoints"`
	DefaultLimits map[ratelimit.Tier]ratelimit.LimitSpec `json:"default_limits"`
	SavedAt       time.Time                              `json:"saved_at"`
}

// Find returns the descriptor with the given key.
func (s *Snapshot) Find(key endpoint.Key) (endpoint.Descriptor, bool) {
	for _, d := range s.Endpoints {
		if k, err := d.Key(); err == nil && k == key {
			return d, true
		}
	}
	return endpoint.Descriptor{}, false
}

// Store persists registry snapshots.
// Interface owned by domain per hexagonal architecture.
type Store interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, s Snapshot) error

	// Load returns the stored snapshot, or ErrSnapshotNotFound.
	Load(ctx context.Context) (*Snapshot, error)

	// FindByKey returns the stored descriptor for (path, verb).
	// Returns an error matching ErrNotFound when absent.
	FindByKey(ctx context.Context, path, verb string) (*endpoint.Descriptor, error)

	// FindByID returns the stored descriptor whose key equals id.
	// Returns an error matching ErrNotFound when absent.
	FindByID(ctx context.Context, id string) (*endpoint.Descriptor, error)
}

// NotFoundError builds the error stores return for a missing endpoint.
func NotFoundError(id string) error {
	return newError(KindNotFound, CodeEndpointNotFound, nil, "endpoint %q not found", id)
}
