package ports

import "context"

// Persistence is the key-value backend behind the credential store.
// Single-key operations must be atomic; no ordering is required across keys.
type Persistence interface {
	// Read returns the value stored under key, or ok=false when absent.
	Read(ctx context.Context, key string) (value []byte, ok bool, err error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
