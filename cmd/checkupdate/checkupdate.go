// Package checkupdate implements the one-shot update check command.
package checkupdate

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/usbtrackd/internal/update"
)

// Command returns the check-update subcommand.
func Command(version string) *cli.Command {
	return &cli.Command{
		Name:        "check-update",
		Usage:       "Check for a newer release",
		Description: "Query the release feed and report whether a newer version is available",
		Run: func(ctx context.Context, cmd *cli.Command) error {
			latest, err := update.NewChecker(version).Check(ctx)
			if err != nil {
				return err
			}
			if latest == "" {
				fmt.Printf("usbtrackd v%s is up to date\n", version)
				return nil
			}
			fmt.Printf("Update available: v%s (running v%s)\n", latest, version)
			return nil
		},
	}
}
