//go:build linux

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rustbox/rustbox/internal/execspec"
)

func runCommand() *cli.Command {
	flags := append(append([]cli.Flag{
		&cli.StringFlag{Name: "box-id", Required: true, Usage: "Identifier of a previously-initialized box"},
		&cli.StringSliceFlag{Name: "env", Usage: "Environment variable to pass through as KEY=VALUE"},
		&cli.BoolFlag{Name: "stdin", Usage: "Read the supervised process's stdin from this process's stdin"},
	}, limitFlags()...), commonFlags...)

	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a pre-existing command inside an initialized box.",
		ArgsUsage: "-- command [args...]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := parseBoxID(c.String("box-id"))
			if err != nil {
				return err
			}
			argv := c.Args().Slice()
			if len(argv) == 0 {
				return fmt.Errorf("run: missing command; usage: rustbox run --box-id=ID -- command [args...]")
			}

			limits, err := limitsFromCLI(c)
			if err != nil {
				return err
			}

			var stdinData []byte
			if c.Bool("stdin") {
				stdinData, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("run: read stdin: %w", err)
				}
			}

			req := execspec.Request{
				Source: execspec.Source{
					Command:      argv[0],
					Argv:         argv,
					EnvAllowlist: c.StringSlice("env"),
				},
				StdinData: stdinData,
				Limits:    limits,
			}

			e := newEngine(c)
			result, err := e.Run(id, req)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			return printResult(result)
		},
	}
}
