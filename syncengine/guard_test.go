package syncengine

import (
	"errors"
	"testing"

	"dmsync/models"
)

func TestGuardAdmitsParticipantMessages(t *testing.T) {
	guard := Guard{Self: "alice"}

	for _, message := range []models.Message{
		{SenderID: "alice", ReceiverID: "bob"},
		{SenderID: "bob", ReceiverID: "alice"},
	} {
		if err := guard.Check(message); err != nil {
			t.Fatalf("Check(%s -> %s) failed: %v", message.SenderID, message.ReceiverID, err)
		}
	}
}

func TestGuardRejectsForeignMessages(t *testing.T) {
	guard := Guard{Self: "alice"}

	err := guard.Check(models.Message{SenderID: "carol", ReceiverID: "dave"})
	if !errors.Is(err, ErrIsolationViolation) {
		t.Fatalf("expected ErrIsolationViolation, got %v", err)
	}
}

func TestGuardWithoutUserRejectsEverything(t *testing.T) {
	guard := Guard{}

	if err := guard.Check(models.Message{SenderID: "", ReceiverID: "bob"}); !errors.Is(err, ErrIsolationViolation) {
		t.Fatalf("expected ErrIsolationViolation for empty session user, got %v", err)
	}
}
