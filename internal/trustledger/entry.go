package trustledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the fixed hash of entry 0. Every chain starts from it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action names a trust lifecycle event.
type Action string

const (
	ActionGenesis               Action = "genesis"
	ActionIssuerCreated         Action = "issuer.created"
	ActionSubordinateRegistered Action = "subordinate.registered"
	ActionSubordinateApproved   Action = "subordinate.approved"
	ActionSubordinateSuspended  Action = "subordinate.suspended"
)

// SystemActor is recorded when the service itself acts.
const SystemActor = "jwtrust"

// Event is what callers hand to Append.
type Event struct {
	// Subject is the entity the event is about: an issuer URL or a
	// subordinate entity id.
	Subject string
	Action  Action
	Actor   string
	// Payload is JSON encoded; only its SHA-256 is kept.
	Payload any
}

// Entry is one link of the audit chain.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashEntry is the chained digest of e. Never used for the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Subject, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyChain checks a sequence of entries that starts at genesis.
func verifyChain(entries []*Entry) error {
	for i, curr := range entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		if curr.PrevHash != entries[i-1].Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}
