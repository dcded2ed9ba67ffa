package storage

import (
	"errors"
	"testing"
)

func TestOutboxLifecycle(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	for _, entry := range []OutboxEntry{
		{ClientID: "c-old", SenderID: "alice", ReceiverID: "bob", Content: "old", CreatedAt: now - 10_000},
		{ClientID: "c-new", SenderID: "alice", ReceiverID: "bob", Content: "new", CreatedAt: now},
		{ClientID: "c-carol", SenderID: "carol", ReceiverID: "bob", Content: "not mine", CreatedAt: now},
	} {
		if err := store.SaveOutboxEntry(entry); err != nil {
			t.Fatalf("SaveOutboxEntry %q failed: %v", entry.ClientID, err)
		}
	}

	entries, err := store.GetOutboxEntries("alice")
	if err != nil {
		t.Fatalf("GetOutboxEntries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ClientID != "c-old" || entries[1].ClientID != "c-new" {
		t.Fatalf("unexpected outbox order: %+v", entries)
	}
	if entries[0].State != OutboxStatePending {
		t.Fatalf("expected default pending state, got %q", entries[0].State)
	}

	if err := store.UpdateOutboxState("c-new", OutboxStateFailed, "rejected"); err != nil {
		t.Fatalf("UpdateOutboxState failed: %v", err)
	}
	if err := store.UpdateOutboxState("missing", OutboxStateFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
	}
	if err := store.UpdateOutboxState("c-new", "delivered", ""); err == nil {
		t.Fatalf("expected invalid state to be rejected")
	}

	pruned, err := store.PruneExpiredOutbox(now - 5_000)
	if err != nil {
		t.Fatalf("PruneExpiredOutbox failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 expired entry, got %d", pruned)
	}

	entries, err = store.GetOutboxEntries("alice")
	if err != nil {
		t.Fatalf("GetOutboxEntries after prune failed: %v", err)
	}
	for _, entry := range entries {
		if entry.State != OutboxStateFailed {
			t.Fatalf("expected %q to be failed, got %q", entry.ClientID, entry.State)
		}
		if entry.LastError == nil {
			t.Fatalf("expected %q to carry a last error", entry.ClientID)
		}
	}
	if entries[1].Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", entries[1].Attempts)
	}

	if err := store.DeleteOutboxEntry("c-old"); err != nil {
		t.Fatalf("DeleteOutboxEntry failed: %v", err)
	}
	if err := store.DeleteOutboxEntry("c-old"); err != nil {
		t.Fatalf("DeleteOutboxEntry repeat failed: %v", err)
	}
	entries, err = store.GetOutboxEntries("alice")
	if err != nil {
		t.Fatalf("GetOutboxEntries after delete failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != "c-new" {
		t.Fatalf("unexpected outbox after delete: %+v", entries)
	}
}
