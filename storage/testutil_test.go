package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openStoreAt(t *testing.T, dbPath string) *Store {
	t.Helper()
	store, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath %s: %v", dbPath, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// mustSaveMessage stores a relay row and fails unless it is new.
func mustSaveMessage(t *testing.T, store *Store, clientID, sender, receiver, content string, createdAt int64) *Message {
	t.Helper()

	stored, created, err := store.SaveMessage(Message{
		ClientID:   clientID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  createdAt,
	}, nil)
	if err != nil {
		t.Fatalf("save message %q: %v", clientID, err)
	}
	if !created {
		t.Fatalf("expected message %q to be created", clientID)
	}
	return stored
}

func subject(id string) *string { return &id }
