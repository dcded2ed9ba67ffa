package changefeed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"dmsync/models"
)

func TestEncodeDecodeMessageEvent(t *testing.T) {
	message := models.Message{ID: "12", ClientID: "c", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 5, Seq: 12}
	payload, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != message {
		t.Fatalf("unexpected decoded message %+v", decoded)
	}
}

func TestDecodeRejectsMalformedEvents(t *testing.T) {
	for _, payload := range []string{`nope`, `{"type":"presence"}`} {
		if _, err := Decode([]byte(payload)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent for %q, got %v", payload, err)
		}
	}
}

func TestParticipantRecordsKeyedPerUser(t *testing.T) {
	message := models.Message{SenderID: "alice", ReceiverID: "bob"}
	records := participantRecords(message, []byte("x"), time.UnixMilli(1))
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	if string(records[0].Key) != "alice" || string(records[1].Key) != "bob" {
		t.Fatalf("unexpected record keys %q %q", records[0].Key, records[1].Key)
	}
}

func TestNewKafkaFeedValidation(t *testing.T) {
	if _, err := NewKafkaFeed(KafkaOptions{Topic: "t"}, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaFeed(KafkaOptions{Brokers: []string{"localhost:9092"}}, nil); err == nil {
		t.Fatalf("expected error without topic")
	}

	feed, err := NewKafkaFeed(KafkaOptions{Brokers: []string{"localhost:9092"}, Topic: "t", InstanceID: "laptop"}, nil)
	if err != nil {
		t.Fatalf("NewKafkaFeed failed: %v", err)
	}
	defer feed.Close()
	if got := feed.groupFor("alice"); got != "dmsync.laptop" {
		t.Fatalf("unexpected consumer group %q", got)
	}
}

func TestRedisFeedChannelNames(t *testing.T) {
	feed := NewRedisFeed(nil, "", nil)
	if got := feed.UserChannel("alice"); got != "dmsync:user:alice" {
		t.Fatalf("unexpected channel %q", got)
	}
}

// Runs only when DMSYNC_TEST_REDIS_ADDR points at a disposable Redis.
func TestRedisFeedPublishSubscribe(t *testing.T) {
	addr := os.Getenv("DMSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DMSYNC_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewRedisClient(ctx, RedisOptions{Addr: addr})
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	defer client.Close()

	feed := NewRedisFeed(client, "dmsync-test", zap.NewNop())
	messages, _, err := feed.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sent := models.Message{ID: "1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: 1, Seq: 1}
	if err := feed.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case got := <-messages:
		if got.ID != "1" {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for change event")
	}

	presence := NewRedisPresence(client, "dmsync-test", time.Minute)
	if err := presence.Connected(ctx, "bob", "conn-1"); err != nil {
		t.Fatalf("Connected failed: %v", err)
	}
	if online, err := presence.Online(ctx, "bob"); err != nil || !online {
		t.Fatalf("expected bob online, got %v (%v)", online, err)
	}
	if err := presence.Disconnected(ctx, "bob", "conn-1"); err != nil {
		t.Fatalf("Disconnected failed: %v", err)
	}
	if online, err := presence.Online(ctx, "bob"); err != nil || online {
		t.Fatalf("expected bob offline, got %v (%v)", online, err)
	}
}
