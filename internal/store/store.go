// Package store is the durable key-value layer underneath the simulation.
// Writes of the simulation record go through portfolio.Consolidator only;
// other callers may use their own keys without coordination.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been set or was removed.
var ErrNotFound = errors.New("store: key not found")

// Store is a synchronous get/set/remove keyed store with no cross-key transactions.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
