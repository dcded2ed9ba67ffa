package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"dmsync/api"
	"dmsync/metrics"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the sync session and serve it to the local UI",
	Before: requiresIdentity,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Address for the local API (overrides api.listen_address)",
		},
	},
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	cfgPath := getConfigPath(ctx)
	logger := getLogger(ctx)
	defer func() { _ = logger.Sync() }()

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(runCtx, cfg, cfgPath, logger, engineOptions{withPush: true, withChanges: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()

	listen := cfg.API.ListenAddress
	if override := ctx.String("listen"); override != "" {
		listen = override
	}

	fmt.Printf("User:            %s\n", cfg.Identity.UserID)
	fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
	fmt.Printf("Relay HTTP:      %s\n", cfg.Relay.HTTPBaseURL)
	fmt.Printf("Relay Push:      %s\n", cfg.Relay.PushAddress)
	fmt.Printf("Change Feed:     %s\n", cfg.ChangeFeed.Driver)
	fmt.Printf("Local API:       http://%s\n", listen)
	fmt.Printf("Config File:     %s\n", cfgPath)

	if err := e.session.Start(runCtx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	server := api.NewServer(e.session, logger)
	server.App().Get("/metrics", adaptor.HTTPHandler(metrics.Handler(e.registry)))

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	err = server.Listen(runCtx, listen)
	fmt.Println("Status:          shutting down")
	return err
}
