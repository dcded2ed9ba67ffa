package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"dmsync/auth"
	"dmsync/config"
	"dmsync/logging"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyConfigPath
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getConfigPath(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyConfigPath).(string)
}

func getLogger(ctx *cli.Context) *zap.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zap.Logger)
}

func prepareApp(ctx *cli.Context) error {
	if dir := ctx.String("data-dir"); dir != "" {
		if err := os.Setenv(config.DataDirEnv, dir); err != nil {
			return fmt.Errorf("set data dir: %w", err)
		}
	}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyConfigPath, cfgPath)
	newCtx = context.WithValue(newCtx, contextKeyLogger, logger)
	ctx.Context = newCtx
	return nil
}

// requiresIdentity loads config and fills the user id from the token when
// only the token is configured.
func requiresIdentity(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	cfg := getConfig(ctx)
	if cfg.Identity.Token == "" {
		return fmt.Errorf("no identity token configured; run 'dmrelay token USER --save' or set %s_IDENTITY_TOKEN", config.EnvPrefix)
	}
	identity, err := auth.ParseUnverified(cfg.Identity.Token)
	if err != nil {
		return fmt.Errorf("identity token: %w", err)
	}
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = identity.UserID
	} else if cfg.Identity.UserID != identity.UserID {
		return fmt.Errorf("identity user %q does not match token user %q", cfg.Identity.UserID, identity.UserID)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "dmsync",
		Usage:   "Keep a direct-message inbox in sync with a relay",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory holding config.json, keys and the local database",
				EnvVars: []string{config.DataDirEnv},
			},
		},
		Commands: []*cli.Command{
			runCommand,
			sendCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
