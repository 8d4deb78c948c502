// Package memory stores per-channel conversation context and long-lived
// memories in a pluggable key/value backend.
package memory

import "context"

// KV is the minimal backend contract. Implementations map their own missing
// and unavailable conditions onto ErrKeyNotFound and ErrUnavailable.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key beginning with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// RevKV is implemented by backends with per-key revisions. PutRev with rev 0
// creates the key and fails with ErrConflict if it already exists; a non-zero
// rev updates only when the stored revision still matches.
type RevKV interface {
	KV
	GetRev(ctx context.Context, key string) ([]byte, uint64, error)
	PutRev(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)
}
