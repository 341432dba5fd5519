package trustledger

import (
	"context"
	"testing"
)

var ctx = context.Background()

func TestNew_genesisEntry(t *testing.T) {
	l := New()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}
	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Action != ActionGenesis || entry.Hash != GenesisHash {
		t.Errorf("unexpected genesis entry %+v", entry)
	}
	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != GenesisHash {
		t.Errorf("Root() on genesis-only: got %q", root)
	}
}

func TestAppend_chainsAndVerifies(t *testing.T) {
	l := New()
	e1, err := l.Append(ctx, Event{
		Subject: "https://rp.example",
		Action:  ActionSubordinateRegistered,
		Actor:   "https://rp.example",
		Payload: map[string]string{"status": "pending"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, Event{Subject: "https://rp.example", Action: ActionSubordinateApproved, Actor: SystemActor})
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want %q", e2.PrevHash, e1.Hash)
	}
	if root, _ := l.Root(ctx); root != e2.Hash {
		t.Errorf("Root(): got %q, want %q", root, e2.Hash)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}

	page, err := l.List(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Action != ActionSubordinateRegistered {
		t.Errorf("List(1, 10): got %d entries", len(page))
	}
	if empty, _ := l.List(ctx, 42, 10); len(empty) != 0 {
		t.Errorf("List past the tip should be empty, got %d", len(empty))
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	l := New()
	for _, a := range []Action{ActionIssuerCreated, ActionSubordinateRegistered, ActionSubordinateSuspended} {
		if _, err := l.Append(ctx, Event{Subject: "https://issuer.example", Action: a, Actor: SystemActor}); err != nil {
			t.Fatal(err)
		}
	}

	l.entries[2].Actor = "mallory"
	if err := l.Verify(ctx); err == nil {
		t.Error("expected Verify to detect an edited entry")
	}
}

func TestGet_returnsCopy(t *testing.T) {
	l := New()
	if _, err := l.Append(ctx, Event{Subject: "s", Action: ActionIssuerCreated, Actor: SystemActor}); err != nil {
		t.Fatal(err)
	}
	e, err := l.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	e.Subject = "changed"
	if err := l.Verify(ctx); err != nil {
		t.Errorf("mutating a returned entry must not affect the ledger: %v", err)
	}
	if _, err := l.Get(ctx, 5); err == nil {
		t.Error("expected error for out-of-range index")
	}
}
