package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dmsync/models"
)

// RedisOptions configures a Redis client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, options RedisOptions) (*redis.Client, error) {
	if options.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: options.Addr, Password: options.Password, DB: options.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", options.Addr, err)
	}
	return client, nil
}

// RedisFeed publishes each message on one pub/sub channel per participant.
type RedisFeed struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisFeed wraps a connected client.
func NewRedisFeed(client *redis.Client, prefix string, logger *zap.Logger) *RedisFeed {
	if prefix == "" {
		prefix = "dmsync"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, prefix: prefix, logger: logger}
}

// UserChannel names the pub/sub channel carrying userID's messages.
func (f *RedisFeed) UserChannel(userID string) string {
	return fmt.Sprintf("%s:user:%s", f.prefix, userID)
}

func (f *RedisFeed) Publish(ctx context.Context, message models.Message) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	for _, userID := range participants(message) {
		if err := f.client.Publish(ctx, f.UserChannel(userID), payload).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", userID, err)
		}
	}
	return nil
}

// Subscribe streams userID's channel until ctx ends.
func (f *RedisFeed) Subscribe(ctx context.Context, userID string) (<-chan models.Message, <-chan error, error) {
	if userID == "" {
		return nil, nil, errors.New("user id is required")
	}
	pubsub := f.client.Subscribe(ctx, f.UserChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", f.UserChannel(userID), err)
	}

	out := make(chan models.Message, 64)
	errs := make(chan error, 8)
	go func() {
		defer close(errs)
		defer close(out)
		defer pubsub.Close()

		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-incoming:
				if !ok {
					return
				}
				message, err := Decode([]byte(raw.Payload))
				if err != nil {
					select {
					case errs <- err:
					default:
						f.logger.Warn("drop change feed decode error", zap.Error(err))
					}
					continue
				}
				select {
				case out <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs, nil
}

// Close is a no-op; the client is owned by the caller.
func (f *RedisFeed) Close() error {
	return nil
}

// RedisPresence tracks which users hold at least one live push connection.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPresence wraps a connected client. Entries expire after ttl unless
// refreshed.
func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "dmsync"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPresence) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", p.prefix, userID)
}

func (p *RedisPresence) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", p.prefix, userID)
}

// Connected records one live connection for userID.
func (p *RedisPresence) Connected(ctx context.Context, userID, connectionID string) error {
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, p.connKey(userID), connectionID)
	pipe.Expire(ctx, p.connKey(userID), p.ttl)
	pipe.Set(ctx, p.presenceKey(userID), "online", p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record connection for %s: %w", userID, err)
	}
	return nil
}

// Disconnected drops one connection; the user goes offline with the last.
func (p *RedisPresence) Disconnected(ctx context.Context, userID, connectionID string) error {
	key := p.connKey(userID)
	if err := p.client.SRem(ctx, key, connectionID).Err(); err != nil {
		return fmt.Errorf("drop connection for %s: %w", userID, err)
	}
	remaining, err := p.client.SCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count connections for %s: %w", userID, err)
	}
	if remaining == 0 {
		return p.client.Set(ctx, p.presenceKey(userID), "offline", 0).Err()
	}
	return nil
}

// Online reports whether userID has a live connection.
func (p *RedisPresence) Online(ctx context.Context, userID string) (bool, error) {
	value, err := p.client.Get(ctx, p.presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "online", nil
}
