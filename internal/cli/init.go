//go:build linux

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/urfave/cli/v3"
)

func initCommand() *cli.Command {
	// A friendly display name defaults to a generated one, same pattern as
	// the teacher's default --hostname flag; it's a diagnostics label only,
	// never a substitute for the operational --box-id.
	generator := namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())

	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "box-id", Required: true, Usage: "Identifier for the box (1-64 chars, [A-Za-z0-9_-])"},
		&cli.StringFlag{Name: "name", Value: generator.Generate(), Usage: "Friendly display name for logs (defaults to a generated one)"},
		&cli.IntFlag{Name: "uid", Usage: "Owning UID recorded in the box metadata (not used for the user-namespace mapping)"},
		&cli.IntFlag{Name: "gid", Usage: "Owning GID recorded in the box metadata (not used for the user-namespace mapping)"},
		&cli.BoolFlag{Name: "keep-state", Usage: "Preserve the box's workdir across runs instead of wiping it each time"},
	}, commonFlags...)

	return &cli.Command{
		Name:  "init",
		Usage: "Create a new box's on-disk state.",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := parseBoxID(c.String("box-id"))
			if err != nil {
				return err
			}
			e := newEngine(c)
			if err := e.Init(id, int(c.Int("uid")), int(c.Int("gid")), c.Bool("keep-state")); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := e.SetDisplayName(id, c.String("name")); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Printf("box %s (%s) initialized\n", id, c.String("name"))
			return nil
		},
	}
}
