//go:build linux

package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

func cleanupCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "box-id", Usage: "Identifier of the box to tear down (omit with --sweep to reclaim all crashed boxes)"},
		&cli.BoolFlag{Name: "sweep", Usage: "Reclaim every box whose supervisor is no longer alive, instead of a single box-id"},
	}, commonFlags...)

	return &cli.Command{
		Name:  "cleanup",
		Usage: "Idempotently tear down a box's mounts, cgroup, and on-disk state.",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			e := newEngine(c)

			if c.Bool("sweep") {
				reclaimed, err := e.Sweep()
				if err != nil {
					// §6: cleanup always exits 0; log and move on.
					slog.Default().Warn("sweep encountered an error", slog.Any("err", err))
				}
				fmt.Printf("reclaimed %d box(es)\n", len(reclaimed))
				return nil
			}

			if c.String("box-id") == "" {
				return fmt.Errorf("cleanup: --box-id or --sweep is required")
			}
			id, err := parseBoxID(c.String("box-id"))
			if err != nil {
				return err
			}
			if err := e.Cleanup(id); err != nil {
				// §6: cleanup is always best-effort and exits 0.
				slog.Default().Warn("cleanup encountered an error", slog.Any("err", err))
			}
			fmt.Printf("box %s cleaned up\n", id)
			return nil
		},
	}
}
