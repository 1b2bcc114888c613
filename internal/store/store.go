// Package store is the boundary to the external room/identity key-value
// store. The router treats it as a remote, possibly slow dependency: lookups
// that fail degrade to "absent" rather than surfacing errors into routing.
package store

import "context"

// Store exposes the get/set/delete contract the signaling core consumes.
// Get returns (nil, nil) for keys that do not exist.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}
