package syncengine

import (
	"errors"
	"testing"
	"time"

	"dmsync/models"
)

func confirmedMessage(id, sender, receiver, content string, createdAt int64) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  createdAt,
	}
}

func TestMultiplexerDropsRepeatedIDsAcrossChannels(t *testing.T) {
	mux := NewMultiplexer(5 * time.Second)
	message := confirmedMessage("77", "bob", "alice", "hello", 1_000)

	first := mux.Admit(models.TransportEvent{Message: message, Origin: models.ChannelPush})
	if first.Admission != Forward {
		t.Fatalf("expected first delivery forwarded, got %s", first.Admission)
	}
	for _, channel := range []models.Channel{models.ChannelPoll, models.ChannelChanges, models.ChannelPush} {
		decision := mux.Admit(models.TransportEvent{Message: message, Origin: channel})
		if decision.Admission != Duplicate {
			t.Fatalf("expected duplicate on %s, got %s", channel, decision.Admission)
		}
	}
}

func TestMultiplexerSupersedesByClientID(t *testing.T) {
	mux := NewMultiplexer(5 * time.Second)
	provisional := models.Message{ClientID: "c-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 1_000}

	if decision := mux.Admit(models.TransportEvent{Message: provisional, Origin: models.ChannelLocal}); decision.Admission != Forward {
		t.Fatalf("expected provisional forwarded, got %s", decision.Admission)
	}
	if decision := mux.Admit(models.TransportEvent{Message: provisional, Origin: models.ChannelLocal}); decision.Admission != Duplicate {
		t.Fatalf("expected repeated provisional to be duplicate, got %s", decision.Admission)
	}

	// Server clock far from the client clock still matches by client id.
	confirmed := confirmedMessage("501", "alice", "bob", "hi", 90_000)
	confirmed.ClientID = "c-1"
	decision := mux.Admit(models.TransportEvent{Message: confirmed, Origin: models.ChannelPush})
	if decision.Admission != Supersede || decision.ClientID != "c-1" {
		t.Fatalf("expected supersede of c-1, got %s %q", decision.Admission, decision.ClientID)
	}

	echo := mux.Admit(models.TransportEvent{Message: confirmed, Origin: models.ChannelPoll})
	if echo.Admission != Duplicate {
		t.Fatalf("expected poll echo to be duplicate, got %s", echo.Admission)
	}
}

func TestMultiplexerSupersedesByContentWithinTolerance(t *testing.T) {
	mux := NewMultiplexer(5 * time.Second)
	mux.Track(models.Message{ClientID: "far", SenderID: "alice", ReceiverID: "bob", Content: "same", CreatedAt: 1_000})
	mux.Track(models.Message{ClientID: "near", SenderID: "alice", ReceiverID: "bob", Content: "same", CreatedAt: 4_000})

	decision := mux.Admit(models.TransportEvent{
		Message: confirmedMessage("9", "alice", "bob", "same", 4_500),
		Origin:  models.ChannelPoll,
	})
	if decision.Admission != Supersede || decision.ClientID != "near" {
		t.Fatalf("expected closest provisional superseded, got %s %q", decision.Admission, decision.ClientID)
	}
}

func TestMultiplexerIgnoresRecordWithOtherClientID(t *testing.T) {
	mux := NewMultiplexer(5 * time.Second)
	mux.Track(models.Message{ClientID: "c-mine", SenderID: "alice", ReceiverID: "bob", Content: "same", CreatedAt: 1_000})

	// Same text from the user's other device.
	other := confirmedMessage("900", "alice", "bob", "same", 2_000)
	other.ClientID = "c-other"
	decision := mux.Admit(models.TransportEvent{Message: other, Origin: models.ChannelChanges})
	if decision.Admission != Forward {
		t.Fatalf("expected other device's record forwarded, got %s %q", decision.Admission, decision.ClientID)
	}

	mine := confirmedMessage("901", "alice", "bob", "same", 2_100)
	mine.ClientID = "c-mine"
	decision = mux.Admit(models.TransportEvent{Message: mine, Origin: models.ChannelPush})
	if decision.Admission != Supersede || decision.ClientID != "c-mine" {
		t.Fatalf("expected supersede of c-mine, got %s %q", decision.Admission, decision.ClientID)
	}
}

func TestMultiplexerDoesNotMatchOutsideTolerance(t *testing.T) {
	mux := NewMultiplexer(time.Second)
	mux.Track(models.Message{ClientID: "c-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 1_000})

	cases := []models.Message{
		confirmedMessage("1", "alice", "bob", "hi", 5_000),
		confirmedMessage("2", "alice", "bob", "other", 1_000),
		confirmedMessage("3", "bob", "alice", "hi", 1_000),
	}
	for _, message := range cases {
		decision := mux.Admit(models.TransportEvent{Message: message, Origin: models.ChannelPoll})
		if decision.Admission != Forward {
			t.Fatalf("expected %s forwarded without supersede, got %s", message.ID, decision.Admission)
		}
	}
}

func TestMultiplexerPruneForgetsOldIDs(t *testing.T) {
	now := time.UnixMilli(10_000)
	mux := NewMultiplexer(time.Second)
	mux.now = func() time.Time { return now }

	message := confirmedMessage("1", "bob", "alice", "hi", 1_000)
	mux.Admit(models.TransportEvent{Message: message, Origin: models.ChannelPush})

	if pruned := mux.Prune(now.Add(-time.Second)); pruned != 0 {
		t.Fatalf("expected nothing pruned, got %d", pruned)
	}
	if pruned := mux.Prune(now.Add(time.Second)); pruned != 1 {
		t.Fatalf("expected one id pruned, got %d", pruned)
	}
	if decision := mux.Admit(models.TransportEvent{Message: message, Origin: models.ChannelPoll}); decision.Admission != Forward {
		t.Fatalf("expected pruned id forwarded again, got %s", decision.Admission)
	}
}

func TestMultiplexerTracksDegradedChannels(t *testing.T) {
	mux := NewMultiplexer(time.Second)
	mux.MarkDegraded(models.ChannelPush, errors.New("refused"))
	mux.MarkDegraded(models.ChannelChanges, nil)

	degraded := mux.Degraded()
	if len(degraded) != 2 || degraded[0] != models.ChannelChanges || degraded[1] != models.ChannelPush {
		t.Fatalf("unexpected degraded channels: %v", degraded)
	}
	if reason, ok := mux.DegradedReason(models.ChannelPush); !ok || reason != "refused" {
		t.Fatalf("unexpected push reason %q (%v)", reason, ok)
	}

	mux.MarkHealthy(models.ChannelPush)
	if degraded := mux.Degraded(); len(degraded) != 1 {
		t.Fatalf("expected one degraded channel after recovery, got %v", degraded)
	}
}
