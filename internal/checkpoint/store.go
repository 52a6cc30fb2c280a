// Package checkpoint implements durable key-value persistence for the batch
// queue and per-job progress snapshots.
package checkpoint

import "errors"

// ErrNotFound must be returned from Store implementations when a key is
// absent. Callers treat absent keys as fresh state.
var ErrNotFound = errors.New("checkpoint: key not found")

// Well-known keys. The queue record lives under KeyQueue; each job's last
// progress snapshot lives under JobKey(id).
const (
	KeyQueue     = "queue"
	jobKeyPrefix = "job/"
)

func JobKey(id string) string {
	return jobKeyPrefix + id
}

// Store implements persistent storage of checkpoint records. Writes are
// last-write-wins; there are no transactions.
type Store interface {
	// Start is called once before first use. Backends create directories,
	// open databases, and run cleanup here.
	Start() error

	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys lists all stored keys with the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
