package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dmsync/auth"
	"dmsync/changefeed"
	"dmsync/config"
	"dmsync/crypto"
	"dmsync/discovery"
	"dmsync/metrics"
	"dmsync/network"
	"dmsync/relay"
	"dmsync/storage"
)

const presenceTTL = 2 * time.Minute

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run the relay push and HTTP listeners",
	Before: prepareApp,
	Action: cmdServe,
}

func cmdServe(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	cfgPath := getConfigPath(ctx)
	logger := getLogger(ctx)
	defer func() { _ = logger.Sync() }()

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(cfg.Server.SigningPrivateKeyPath, cfg.Server.SigningPublicKeyPath)
	if err != nil {
		return fmt.Errorf("startup failed while preparing signing keypair: %w", err)
	}
	signer, err := crypto.NewRecordSigner(privateKey)
	if err != nil {
		return err
	}
	authority, err := auth.NewAuthority(cfg.Server.JWTSecret)
	if err != nil {
		return err
	}
	fingerprint := crypto.KeyFingerprint(publicKey)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	relayMetrics, err := metrics.NewRelay(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	feed, presence, closeFeed, err := buildFeed(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeFeed() }()

	options := relay.Options{
		Store:   store,
		Signer:  signer,
		Feed:    feed,
		Metrics: relayMetrics,
		Logger:  logger,
	}
	if presence != nil {
		options.Presence = presence
	}
	service, err := relay.NewService(options)
	if err != nil {
		return err
	}

	pushServer, err := network.Listen(cfg.Server.PushListenAddress, network.ServerOptions{
		Authenticate:     authority.Authenticate,
		ConnectionsPerIP: rate.Limit(cfg.Server.ConnectionsPerIP),
		OnRejected:       service.RegistrationRejected,
	})
	if err != nil {
		return fmt.Errorf("startup failed while opening push listener: %w", err)
	}
	defer pushServer.Close()

	app := relay.NewApp(service, authority, metrics.Handler(nil))

	fmt.Printf("Push Listener:   %s\n", pushServer.Addr())
	fmt.Printf("HTTP Listener:   %s\n", cfg.Server.HTTPListenAddress)
	fmt.Printf("Fingerprint:     %s\n", fingerprint)
	fmt.Printf("Public Key:      %s\n", cfg.Server.SigningPublicKeyPath)
	fmt.Printf("Change Feed:     %s\n", cfg.ChangeFeed.Driver)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	if cfg.Server.Advertise {
		broadcaster, err := advertise(cfg, pushServer.Addr(), fingerprint)
		if err != nil {
			logger.Warn("discovery broadcast failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		service.ServePush(groupCtx, pushServer)
		return nil
	})
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case err, ok := <-pushServer.Errors():
				if !ok {
					return nil
				}
				logger.Debug("push listener error", zap.Error(err))
			}
		}
	})
	group.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- app.Listen(cfg.Server.HTTPListenAddress) }()
		select {
		case <-groupCtx.Done():
			return app.ShutdownWithTimeout(5 * time.Second)
		case err := <-errCh:
			return fmt.Errorf("http listener: %w", err)
		}
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	err = group.Wait()
	fmt.Println("Status:          shutting down")
	return err
}

func buildFeed(ctx context.Context, cfg *config.Config, logger *zap.Logger) (changefeed.Publisher, *changefeed.RedisPresence, func() error, error) {
	switch cfg.ChangeFeed.Driver {
	case config.ChangeFeedRedis:
		client, err := changefeed.NewRedisClient(ctx, changefeed.RedisOptions{
			Addr:     cfg.ChangeFeed.Redis.Addr,
			Password: cfg.ChangeFeed.Redis.Password,
			DB:       cfg.ChangeFeed.Redis.DB,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		feed := changefeed.NewRedisFeed(client, cfg.ChangeFeed.Redis.Prefix, logger)
		presence := changefeed.NewRedisPresence(client, cfg.ChangeFeed.Redis.Prefix, presenceTTL)
		return feed, presence, client.Close, nil
	case config.ChangeFeedKafka:
		feed, err := changefeed.NewKafkaFeed(changefeed.KafkaOptions{
			Brokers: cfg.ChangeFeed.Kafka.Brokers,
			Topic:   cfg.ChangeFeed.Kafka.Topic,
			GroupID: cfg.ChangeFeed.Kafka.GroupID,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return feed, nil, feed.Close, nil
	default:
		return changefeed.Nop{}, nil, func() error { return nil }, nil
	}
}

func advertise(cfg *config.Config, pushAddr net.Addr, fingerprint string) (*discovery.Broadcaster, error) {
	_, httpPortRaw, err := net.SplitHostPort(cfg.Server.HTTPListenAddress)
	if err != nil {
		return nil, fmt.Errorf("parse http listen address: %w", err)
	}
	httpPort, err := strconv.Atoi(httpPortRaw)
	if err != nil {
		return nil, fmt.Errorf("parse http port: %w", err)
	}
	tcpAddr, ok := pushAddr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected push listener address %v", pushAddr)
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "dmrelay"
	}
	return discovery.StartBroadcaster(discovery.Config{
		RelayID:        cfg.InstanceID,
		RelayName:      name,
		PushPort:       tcpAddr.Port,
		HTTPPort:       httpPort,
		KeyFingerprint: fingerprint,
	})
}
