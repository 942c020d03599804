package main

import (
	"context"
	"os"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"

	"github.com/martinsuchenak/usbtrackd/cmd/checkupdate"
	"github.com/martinsuchenak/usbtrackd/cmd/server"
	"github.com/martinsuchenak/usbtrackd/cmd/watch"
	"github.com/martinsuchenak/usbtrackd/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	log.Configure("info", "console")

	rootCmd := &cli.Command{
		Name:        "usbtrackd",
		Version:     version,
		Usage:       "USB device history tracker",
		Description: "Track attached USB devices, keep a durable ledger of everything ever seen, and enrich storage devices with drive and volume details",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"UT_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (console, json)",
				DefaultValue: "console",
				EnvVars:      []string{"UT_LOG_FORMAT"},
				Global:       true,
			},
		},
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Configure(cmd.GetString("log-level"), cmd.GetString("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			server.Command(version),
			watch.Command(version),
			checkupdate.Command(version),
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
