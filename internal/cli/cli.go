//go:build linux

// Package cli implements rustbox's command-line surface: the five
// subcommands described in §6 (init, run, execute-code, cleanup,
// check-deps), built with urfave/cli/v3 in the same style as the
// teacher's options package.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"github.com/urfave/cli/v3"

	"github.com/rustbox/rustbox/internal/boxid"
	"github.com/rustbox/rustbox/internal/engine"
	"github.com/rustbox/rustbox/internal/execspec"
	"github.com/rustbox/rustbox/internal/rblog"
	"github.com/rustbox/rustbox/internal/version"
)

const (
	envStateRoot  = "RUSTBOX_STATE_ROOT"
	envCgroupRoot = "RUSTBOX_CGROUP_ROOT"

	defaultStateRoot = "/var/lib/rustbox"
)

func stateRoot() string {
	if v := os.Getenv(envStateRoot); v != "" {
		return v
	}
	return defaultStateRoot
}

func cgroupRoot() string {
	return os.Getenv(envCgroupRoot)
}

func newEngine(c *cli.Command) *engine.Engine {
	log := rblog.New(rblog.ParseLevel(c.String("log-level")), rblog.ParseFormat(c.String("log-format")))
	return engine.New(stateRoot(), cgroupRoot(), log)
}

func parseBoxID(s string) (boxid.ID, error) {
	return boxid.Parse(s)
}

func parseMemory(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("bad memory value %q: %w", s, err)
	}
	return uint64(v), nil
}

func printResult(result execspec.Result) error {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}

var commonFlags = []cli.Flag{
	&cli.StringFlag{Name: "log-level", Value: "error", Usage: "Log verbosity (debug|info|warn|error)"},
	&cli.StringFlag{Name: "log-format", Value: "text", Usage: "Log format (text|json)"},
}

func limitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "memory", Value: "256MB", Usage: "Memory limit (e.g. 256MB, 1GB)"},
		&cli.FloatFlag{Name: "cpu-time", Value: 1.0, Usage: "CPU time limit in seconds"},
		&cli.FloatFlag{Name: "wall-time", Usage: "Wall-clock limit in seconds (default: cpu-time + grace)"},
		&cli.IntFlag{Name: "max-processes", Value: 1, Usage: "Maximum number of processes/threads"},
		&cli.IntFlag{Name: "max-open-files", Value: 64, Usage: "Maximum number of open file descriptors"},
		&cli.StringFlag{Name: "max-output", Value: "8MB", Usage: "Maximum size kept of stdout and of stderr, each counted separately"},
		&cli.BoolFlag{Name: "enable-network", Value: false, Usage: "Allow network syscalls and bridged networking"},
		&cli.BoolFlag{Name: "strict", Value: false, Usage: "Fail instead of degrading when a limit cannot be enforced exactly"},
	}
}

func limitsFromCLI(c *cli.Command) (execspec.Limits, error) {
	mem, err := parseMemory(c.String("memory"))
	if err != nil {
		return execspec.Limits{}, err
	}
	maxOutput, err := parseMemory(c.String("max-output"))
	if err != nil {
		return execspec.Limits{}, err
	}
	return execspec.Limits{
		MemBytes:       mem,
		CPUSeconds:     c.Float("cpu-time"),
		WallSeconds:    c.Float("wall-time"),
		MaxProcesses:   int(c.Int("max-processes")),
		MaxOpenFiles:   int(c.Int("max-open-files")),
		MaxOutputBytes: int64(maxOutput),
		EnableNetwork:  c.Bool("enable-network"),
		Strict:         c.Bool("strict"),
	}, nil
}

// Run builds the root command and executes args (including argv[0]).
func Run(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:    "rustbox",
		Usage:   "A hard-isolation sandbox for executing untrusted code.",
		Version: version.Version(),
		Commands: []*cli.Command{
			initCommand(),
			runCommand(),
			executeCodeCommand(),
			cleanupCommand(),
			checkDepsCommand(),
		},
	}
	return cmd.Run(ctx, args)
}
