// Package trustledger keeps a hash-chained audit log of trust lifecycle
// events: issuers being created and federation subordinates being
// registered, approved or suspended. Each entry commits to its predecessor,
// so any edit to history is caught by Verify.
package trustledger

import "context"

// Ledger is an append-only audit chain.
type Ledger interface {
	// Append records ev after the current tip.
	Append(ctx context.Context, ev Event) (*Entry, error)
	// Get returns the entry at index.
	Get(ctx context.Context, index int) (*Entry, error)
	// List returns up to limit entries starting at index from.
	List(ctx context.Context, from, limit int) ([]*Entry, error)
	// Len counts entries, genesis included.
	Len(ctx context.Context) (int, error)
	// Verify walks the whole chain.
	Verify(ctx context.Context) error
	// Root is the hash of the tip.
	Root(ctx context.Context) (string, error)
}

const defaultListLimit = 100
