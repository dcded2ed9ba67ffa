package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"dmsync/models"
)

// KafkaOptions configures a KafkaFeed. Each subscriber joins its own
// consumer group, GroupID plus the subscribing instance, so every device
// sees every record.
type KafkaOptions struct {
	Brokers    []string
	Topic      string
	GroupID    string
	InstanceID string
}

// KafkaFeed writes one record per participant keyed by user id. Hashing on
// the key keeps each user's records ordered within one partition.
type KafkaFeed struct {
	options KafkaOptions
	writer  *kafka.Writer
	logger  *zap.Logger
}

// NewKafkaFeed builds a feed. No connection is made until first use.
func NewKafkaFeed(options KafkaOptions, logger *zap.Logger) (*KafkaFeed, error) {
	if len(options.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if options.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if options.GroupID == "" {
		options.GroupID = "dmsync"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaFeed{
		options: options,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(options.Brokers...),
			Topic:                  options.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}, nil
}

func participantRecords(message models.Message, payload []byte, now time.Time) []kafka.Message {
	users := participants(message)
	records := make([]kafka.Message, 0, len(users))
	for _, userID := range users {
		records = append(records, kafka.Message{Key: []byte(userID), Value: payload, Time: now})
	}
	return records
}

func (f *KafkaFeed) Publish(ctx context.Context, message models.Message) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	if err := f.writer.WriteMessages(ctx, participantRecords(message, payload, time.Now())...); err != nil {
		return fmt.Errorf("write change records: %w", err)
	}
	return nil
}

func (f *KafkaFeed) groupFor(userID string) string {
	if f.options.InstanceID == "" {
		return f.options.GroupID + "." + userID
	}
	return f.options.GroupID + "." + f.options.InstanceID
}

// Subscribe reads records keyed by userID until ctx ends or the reader fails.
func (f *KafkaFeed) Subscribe(ctx context.Context, userID string) (<-chan models.Message, <-chan error, error) {
	if userID == "" {
		return nil, nil, errors.New("user id is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     f.options.Brokers,
		Topic:       f.options.Topic,
		GroupID:     f.groupFor(userID),
		MinBytes:    1,
		MaxBytes:    1 << 20,
		StartOffset: kafka.LastOffset,
	})

	out := make(chan models.Message, 64)
	errs := make(chan error, 8)
	go func() {
		defer close(errs)
		defer close(out)
		defer reader.Close()

		for {
			record, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("kafka change feed read failed", zap.Error(err))
				}
				return
			}
			if string(record.Key) != userID {
				continue
			}
			message, err := Decode(record.Value)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}
			select {
			case out <- message:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs, nil
}

func (f *KafkaFeed) Close() error {
	return f.writer.Close()
}
