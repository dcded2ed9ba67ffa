package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dmsync/changefeed"
	"dmsync/config"
	"dmsync/crypto"
	"dmsync/discovery"
	"dmsync/metrics"
	"dmsync/storage"
	"dmsync/syncengine"
	"dmsync/transport"
)

// engine bundles a session with the resources it borrows.
type engine struct {
	session  *syncengine.Session
	store    *storage.Store
	registry *prometheus.Registry
	closers  []func() error
}

func (e *engine) Close() error {
	var firstErr error
	if err := e.session.Close(); err != nil {
		firstErr = err
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type engineOptions struct {
	withPush    bool
	withChanges bool
}

func buildEngine(ctx context.Context, cfg *config.Config, cfgPath string, logger *zap.Logger, opts engineOptions) (*engine, error) {
	e := &engine{registry: prometheus.NewRegistry()}
	fail := func(err error) (*engine, error) {
		for i := len(e.closers) - 1; i >= 0; i-- {
			_ = e.closers[i]()
		}
		return nil, err
	}

	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return fail(err)
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	httpBase := cfg.Relay.HTTPBaseURL
	pushAddress := cfg.Relay.PushAddress
	var resolve transport.ResolveFunc
	if cfg.Relay.Discover {
		lookup := discovery.Config{ScanTimeout: cfg.Relay.DiscoveryTimeout()}
		relay, err := discovery.Lookup(ctx, lookup)
		if err != nil {
			return fail(fmt.Errorf("discover relay: %w", err))
		}
		logger.Info("relay discovered", zap.String("relay_id", relay.RelayID), zap.String("push", relay.PushAddress()))
		httpBase = relay.HTTPBaseURL()
		pushAddress = ""
		resolve = func(ctx context.Context) (string, error) {
			found, err := discovery.Lookup(ctx, lookup)
			if err != nil {
				return "", err
			}
			return found.PushAddress(), nil
		}
	}

	client, err := transport.NewRelayClient(transport.HTTPOptions{
		BaseURL: httpBase,
		Token:   cfg.Identity.Token,
		Timeout: cfg.Sync.HTTPTimeout(),
	})
	if err != nil {
		return fail(err)
	}

	observer, err := metrics.NewEngine(e.registry)
	if err != nil {
		return fail(err)
	}

	options := syncengine.Options{
		Self:           cfg.Identity.UserID,
		Poller:         client,
		Sender:         client,
		Reader:         client,
		Outbox:         storage.NewSessionOutbox(store),
		Faults:         storage.NewFaultLog(store),
		Metrics:        observer,
		Logger:         logger,
		PollInterval:   cfg.Sync.PollInterval(),
		DedupTolerance: cfg.Sync.DedupTolerance(),
		SeenRetention:  cfg.Sync.SeenRetention(),
		OutboxMaxAge:   cfg.Sync.OutboxMaxAge(),
		BackoffInitial: cfg.Sync.BackoffInitial(),
		BackoffMax:     cfg.Sync.BackoffMax(),
	}

	if cfg.Relay.PublicKeyPath != "" {
		publicKey, err := crypto.LoadEd25519PublicKey(cfg.Relay.PublicKeyPath)
		if err != nil {
			return fail(err)
		}
		verifier, err := crypto.NewRecordVerifier(publicKey)
		if err != nil {
			return fail(err)
		}
		options.Verifier = verifier
		logger.Info("relay signatures pinned", zap.String("fingerprint", crypto.KeyFingerprint(publicKey)))
	}

	if opts.withPush {
		dialer, err := transport.NewPushDialer(transport.PushOptions{
			Address:    pushAddress,
			Resolve:    resolve,
			Token:      cfg.Identity.Token,
			InstanceID: cfg.InstanceID,
			Logger:     logger,
		})
		if err != nil {
			return fail(err)
		}
		options.Push = dialer
	}

	if opts.withChanges {
		changes, closeChanges, err := buildChangeSubscriber(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		if closeChanges != nil {
			e.closers = append(e.closers, closeChanges)
		}
		options.Changes = changes
	}

	session, err := syncengine.NewSession(options)
	if err != nil {
		return fail(err)
	}
	e.session = session
	return e, nil
}

func buildChangeSubscriber(ctx context.Context, cfg *config.Config, logger *zap.Logger) (syncengine.ChangeSubscriber, func() error, error) {
	switch cfg.ChangeFeed.Driver {
	case config.ChangeFeedRedis:
		client, err := changefeed.NewRedisClient(ctx, changefeed.RedisOptions{
			Addr:     cfg.ChangeFeed.Redis.Addr,
			Password: cfg.ChangeFeed.Redis.Password,
			DB:       cfg.ChangeFeed.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return changefeed.NewRedisFeed(client, cfg.ChangeFeed.Redis.Prefix, logger), client.Close, nil
	case config.ChangeFeedKafka:
		feed, err := changefeed.NewKafkaFeed(changefeed.KafkaOptions{
			Brokers:    cfg.ChangeFeed.Kafka.Brokers,
			Topic:      cfg.ChangeFeed.Kafka.Topic,
			GroupID:    cfg.ChangeFeed.Kafka.GroupID,
			InstanceID: cfg.InstanceID,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return feed, feed.Close, nil
	default:
		return nil, nil, nil
	}
}
