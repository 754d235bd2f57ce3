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

func executeCodeCommand() *cli.Command {
	flags := append(append([]cli.Flag{
		&cli.StringFlag{Name: "box-id", Required: true, Usage: "Identifier of a previously-initialized box"},
		&cli.StringFlag{Name: "language", Required: true, Usage: "Language tag (e.g. python3, c, cpp, go)"},
		&cli.StringFlag{Name: "source", Required: true, Usage: "Path to the source file to read (use - for stdin)"},
		&cli.StringSliceFlag{Name: "env", Usage: "Environment variable to pass through as KEY=VALUE"},
		&cli.BoolFlag{Name: "stdin", Usage: "Read the supervised process's stdin from this process's stdin"},
	}, limitFlags()...), commonFlags...)

	return &cli.Command{
		Name:  "execute-code",
		Usage: "Compile (if needed) and run a source file inside an initialized box.",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := parseBoxID(c.String("box-id"))
			if err != nil {
				return err
			}

			sourceBytes, err := readSource(c.String("source"))
			if err != nil {
				return fmt.Errorf("execute-code: %w", err)
			}

			limits, err := limitsFromCLI(c)
			if err != nil {
				return err
			}

			var stdinData []byte
			if c.Bool("stdin") {
				stdinData, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("execute-code: read stdin: %w", err)
				}
			}

			req := execspec.Request{
				Source: execspec.Source{
					LanguageTag:  c.String("language"),
					SourceBytes:  sourceBytes,
					EnvAllowlist: c.StringSlice("env"),
				},
				StdinData: stdinData,
				Limits:    limits,
			}

			e := newEngine(c)
			result, err := e.Run(id, req)
			if err != nil {
				return fmt.Errorf("execute-code: %w", err)
			}
			return printResult(result)
		},
	}
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
