package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"dmsync/auth"
	"dmsync/config"
)

var tokenCommand = &cli.Command{
	Name:      "token",
	Usage:     "Issue an identity token signed with the relay secret",
	ArgsUsage: "USER",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Token lifetime (defaults to server.token_ttl_hours)",
		},
		&cli.BoolFlag{
			Name:  "save",
			Usage: "Store the token as this data dir's dmsync identity",
		},
	},
	Action: cmdToken,
}

func cmdToken(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a user id")
	}
	userID := ctx.Args().Get(0)

	cfg := getConfig(ctx)
	ttl := ctx.Duration("ttl")
	if ttl <= 0 {
		ttl = cfg.Server.TokenTTL()
	}

	authority, err := auth.NewAuthority(cfg.Server.JWTSecret)
	if err != nil {
		return err
	}
	token, err := authority.Issue(userID, ttl)
	if err != nil {
		return err
	}

	if ctx.Bool("save") {
		cfgPath := getConfigPath(ctx)
		// Reload the file so environment overrides are not persisted.
		stored, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		stored.Identity = config.IdentityConfig{UserID: userID, Token: token}
		if err := config.Save(cfgPath, stored); err != nil {
			return err
		}
		fmt.Printf("Identity for '%s' saved to %s (expires %s)\n", userID, cfgPath, time.Now().Add(ttl).Format(time.RFC3339))
		return nil
	}

	fmt.Println(token)
	return nil
}
