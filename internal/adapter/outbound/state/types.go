// Package state provides file-based persistence for quota-gate runtime state.
//
// The state.json file stores the registry snapshot: endpoint definitions,
// tier quota defaults and the window policy. Access logs are not persisted
// here. This package provides atomic writes, file locking, and backups.
package state

import (
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = "1"

// AppState is the top-level structure persisted in state.json.
type AppState struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// Registry is the last saved registry snapshot. Nil until the first
	// mutation is persisted.
	Registry *access.Snapshot `json:"registry,omitempty"`

	// CreatedAt is when the state file was first created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the state file was last written.
	UpdatedAt time.Time `json:"updated_at"`
}
