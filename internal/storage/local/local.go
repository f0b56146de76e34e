// Package local persists the master's configuration on the local disk.
package local

import (
	"github.com/ItsEcholot/real-stereo-extended/internal/models"
)

// LocalStorage is the interface for the single-node configuration store.
type LocalStorage interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// Load reads every persisted record. An empty store yields an empty snapshot.
	Load() (models.Snapshot, error)
	// Save replaces the persisted records with snap.
	Save(snap models.Snapshot) error
}
