package trustledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger. History is lost on restart.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// New creates a MemoryLedger holding only the genesis entry.
func New() *MemoryLedger {
	l := &MemoryLedger{now: time.Now}
	l.entries = append(l.entries, &Entry{
		Timestamp: l.now().UTC(),
		Action:    ActionGenesis,
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	})
	return l
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, ev Event) (*Entry, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: l.now().UTC(),
		Subject:   ev.Subject,
		Action:    ev.Action,
		Actor:     ev.Actor,
		DataHash:  sha256Sum(payload),
		PrevHash:  l.entries[len(l.entries)-1].Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	e := *l.entries[index]
	return &e, nil
}

// List implements Ledger.
func (l *MemoryLedger) List(_ context.Context, from, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 || from >= len(l.entries) {
		return []*Entry{}, nil
	}
	end := min(from+limit, len(l.entries))
	out := make([]*Entry, 0, end-from)
	for _, e := range l.entries[from:end] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.entries)
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
