package storage

import (
	"testing"
	"time"
)

func TestSecurityEventsFilterBySubjectAndSeverity(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	events := []SecurityEvent{
		{EventType: "isolation_violation", SubjectID: subject("mallory"), Details: `{"message_id":"41","channel":"poll"}`, Severity: SecuritySeverityWarning, Timestamp: now - 2_000},
		{EventType: "send_rejected", SubjectID: subject("alice"), Details: `{"reason":"empty content"}`, Timestamp: now - 1_000},
		{EventType: "signature_invalid", SubjectID: subject("  mallory "), Details: `{"message_id":"42","channel":"changes"}`, Severity: SecuritySeverityCritical, Timestamp: now},
	}
	for _, event := range events {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("LogSecurityEvent %s failed: %v", event.EventType, err)
		}
	}

	mallory, err := store.GetSecurityEvents(SecurityEventFilter{SubjectID: "mallory"})
	if err != nil {
		t.Fatalf("GetSecurityEvents by subject failed: %v", err)
	}
	if len(mallory) != 2 {
		t.Fatalf("expected 2 events for mallory, got %d", len(mallory))
	}
	if mallory[0].EventType != "signature_invalid" || mallory[1].EventType != "isolation_violation" {
		t.Fatalf("expected newest first, got %q then %q", mallory[0].EventType, mallory[1].EventType)
	}

	from := now - 1_500
	recent, err := store.GetSecurityEvents(SecurityEventFilter{FromTimestamp: &from, Severity: SecuritySeverityInfo})
	if err != nil {
		t.Fatalf("GetSecurityEvents by window failed: %v", err)
	}
	if len(recent) != 1 || recent[0].EventType != "send_rejected" {
		t.Fatalf("expected only the defaulted info rejection, got %+v", recent)
	}

	paged, err := store.GetSecurityEvents(SecurityEventFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("GetSecurityEvents paged failed: %v", err)
	}
	if len(paged) != 1 || paged[0].EventType != "send_rejected" {
		t.Fatalf("expected second newest event on page two, got %+v", paged)
	}

	if _, err := store.GetSecurityEvents(SecurityEventFilter{Severity: "loud"}); err == nil {
		t.Fatalf("expected unknown severity filter to be rejected")
	}
}

func TestLogSecurityEventValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogSecurityEvent(SecurityEvent{EventType: "   "}); err == nil {
		t.Fatalf("expected blank event type to be rejected")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "bad", Details: "not json"}); err == nil {
		t.Fatalf("expected invalid JSON details to be rejected")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "bad", Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity to be rejected")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "registration_rejected", SubjectID: subject(" ")}); err != nil {
		t.Fatalf("LogSecurityEvent with blank subject failed: %v", err)
	}

	stored, err := store.GetSecurityEvents(SecurityEventFilter{EventType: "registration_rejected"})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(stored) != 1 || stored[0].SubjectID != nil || stored[0].Details != "{}" {
		t.Fatalf("expected a subjectless event with empty details, got %+v", stored)
	}
}

func TestSecurityEventRetentionAppliesOnInsert(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(time.Second)
	now := nowUnixMilli()

	if err := store.LogSecurityEvent(SecurityEvent{EventType: "stale", Timestamp: now - 10_000}); err != nil {
		t.Fatalf("LogSecurityEvent stale failed: %v", err)
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "fresh", Timestamp: now}); err != nil {
		t.Fatalf("LogSecurityEvent fresh failed: %v", err)
	}

	events, err := store.GetSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "fresh" {
		t.Fatalf("expected only the fresh event after retention, got %+v", events)
	}

	removed, err := store.PruneSecurityEvents(now + 1)
	if err != nil {
		t.Fatalf("PruneSecurityEvents failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
}
