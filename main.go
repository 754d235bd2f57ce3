//go:build linux

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rustbox/rustbox/internal/cli"
)

/**
 * Application entry point.
 */
func main() {
	if err := cli.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rustbox:", err)
		os.Exit(1)
	}
}
