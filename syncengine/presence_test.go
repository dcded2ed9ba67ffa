package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dmsync/models"
)

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) record(change StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *stateLog) count(state PresenceState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, change := range l.changes {
		if change.To == state {
			total++
		}
	}
	return total
}

func TestPresenceReconnectsAfterFailures(t *testing.T) {
	relay := newFakeRelay(1)
	dialer := &fakeDialer{relay: relay}
	log := &stateLog{}

	var received sync.Map
	presence := NewPresence(PresenceOptions{
		Dialer:         dialer,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		OnState:        log.record,
		OnMessage: func(_ context.Context, message models.Message) {
			received.Store(message.ID, true)
		},
	})
	if presence.State() != PresenceIdle {
		t.Fatalf("expected idle presence, got %s", presence.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- presence.Run(ctx) }()

	waitForCondition(t, 2*time.Second, func() bool { return dialer.dialCount() >= 2 })
	if log.count(PresenceClosedUnexpected) == 0 {
		t.Fatalf("expected failed dials to be reported as unexpected closes")
	}
	if _, err := presence.Send(ctx, models.Message{ClientID: "c"}); !errors.Is(err, ErrPushUnavailable) {
		t.Fatalf("expected ErrPushUnavailable while offline, got %v", err)
	}

	dialer.setOnline(true)
	waitForCondition(t, 2*time.Second, func() bool { return presence.State() == PresenceOpen })

	stream := dialer.latest()
	stream.push(models.Message{ID: "7", SenderID: "bob", ReceiverID: "alice", CreatedAt: 1})
	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := received.Load("7")
		return ok
	})

	dials := dialer.dialCount()
	stream.drop(errors.New("reset by peer"))
	waitForCondition(t, 2*time.Second, func() bool {
		return dialer.dialCount() > dials && presence.State() == PresenceOpen
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if presence.State() != PresenceClosed {
		t.Fatalf("expected closed presence, got %s", presence.State())
	}
	if log.count(PresenceClosing) != 1 {
		t.Fatalf("expected one closing transition, got %d", log.count(PresenceClosing))
	}
}

func TestPresenceSendUsesOpenStream(t *testing.T) {
	relay := newFakeRelay(501)
	dialer := &fakeDialer{relay: relay, online: true}
	presence := NewPresence(PresenceOptions{Dialer: dialer, BackoffInitial: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = presence.Run(ctx) }()

	waitForCondition(t, 2*time.Second, func() bool { return presence.State() == PresenceOpen })
	confirmed, err := presence.Send(ctx, models.Message{ClientID: "c-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 1_000})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if confirmed.ID != "501" || confirmed.ClientID != "c-1" {
		t.Fatalf("unexpected confirmation %+v", confirmed)
	}
}

func TestPresenceRequiresDialer(t *testing.T) {
	presence := NewPresence(PresenceOptions{})
	if err := presence.Run(context.Background()); err == nil {
		t.Fatalf("expected error without dialer")
	}
}
