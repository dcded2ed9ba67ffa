package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send one message and wait for the relay to confirm it",
	ArgsUsage: "PARTNER TEXT...",
	Before:    requiresIdentity,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for confirmation",
			Value: 15 * time.Second,
		},
	},
	Action: cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a partner and message text")
	}
	partner := ctx.Args().Get(0)
	content := strings.Join(ctx.Args().Slice()[1:], " ")

	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
	defer cancel()

	e, err := buildEngine(waitCtx, cfg, getConfigPath(ctx), logger, engineOptions{})
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.session.Start(waitCtx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	handle, err := e.session.SendMessage(waitCtx, partner, content)
	if err != nil {
		return err
	}
	confirmed, err := handle.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("message %s not confirmed: %w", handle.Message.ClientID, err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(confirmed)
}

var configCommand = &cli.Command{
	Name:   "config",
	Usage:  "Print the effective configuration",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		cfg := *getConfig(ctx)
		if cfg.Server.JWTSecret != "" {
			cfg.Server.JWTSecret = "<redacted>"
		}
		if cfg.Identity.Token != "" {
			cfg.Identity.Token = "<redacted>"
		}
		fmt.Printf("# %s\n", getConfigPath(ctx))
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	},
}
