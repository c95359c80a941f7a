// Package keystore persists the ordered list of backend secrets.
//
// Only the list is durable. Key status and counters live in keypool and are
// rebuilt from scratch on every start.
package keystore

import "context"

// Store loads and saves the ordered secret list. It satisfies
// keypool.Persister.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, secrets []string) error
}
