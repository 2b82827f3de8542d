// Package lock provides keyed mutual exclusion for the enrichment pipeline.
// Implementations range from in-process to cluster-wide (Redis, Postgres).
package lock

import (
	"context"
	"crypto/sha256"
)

// Locker acquires an exclusive lock for key, blocking until it is held or
// ctx is done. The returned unlock func releases it and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// GenerateLockID derives a stable 64-bit advisory lock id from parts.
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}
	return id
}
