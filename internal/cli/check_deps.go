//go:build linux

package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/langs"
)

type depCheck struct {
	name string
	ok   bool
	note string
}

func checkDepsCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-deps",
		Usage: "Verify the host has everything rustbox needs before boxes are created.",
		Flags: commonFlags,
		Action: func(ctx context.Context, c *cli.Command) error {
			checks := []depCheck{
				checkRoot(),
				checkCgroup(),
				checkProc(),
				checkBinary("newuidmap"),
				checkBinary("newgidmap"),
			}
			checks = append(checks, checkLangToolchains()...)

			failed := false
			for _, chk := range checks {
				status := "ok"
				if !chk.ok {
					status = "MISSING"
					failed = true
				}
				fmt.Printf("%-24s %-8s %s\n", chk.name, status, chk.note)
			}
			if failed {
				return fmt.Errorf("check-deps: one or more dependencies are missing")
			}
			return nil
		},
	}
}

func checkRoot() depCheck {
	if unix.Geteuid() == 0 {
		return depCheck{name: "euid=0", ok: true}
	}
	return depCheck{name: "euid=0", ok: false, note: "rustbox must run as root to create namespaces and cgroups"}
}

func checkCgroup() depCheck {
	root := cgroupRoot()
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	if _, err := os.Stat(root); err != nil {
		return depCheck{name: "cgroup root", ok: false, note: err.Error()}
	}
	if _, err := os.Stat(root + "/cgroup.controllers"); err == nil {
		return depCheck{name: "cgroup root", ok: true, note: "v2 unified hierarchy at " + root}
	}
	if _, err := os.Stat(root + "/memory"); err == nil {
		return depCheck{name: "cgroup root", ok: true, note: "v1 hierarchy at " + root}
	}
	return depCheck{name: "cgroup root", ok: false, note: "neither v1 nor v2 controllers found under " + root}
}

func checkProc() depCheck {
	if _, err := os.Stat("/proc/self/mountinfo"); err != nil {
		return depCheck{name: "/proc", ok: false, note: err.Error()}
	}
	return depCheck{name: "/proc", ok: true}
}

func checkBinary(name string) depCheck {
	if _, err := exec.LookPath(name); err != nil {
		return depCheck{name: name, ok: false, note: "only required for rootless operation"}
	}
	return depCheck{name: name, ok: true}
}

// checkLangToolchains verifies that every language execute-code supports
// (per spec.md / SPEC_FULL.md's "presence of supported language
// toolchains") actually has its interpreter/compiler present on the host,
// so check-deps catches a box that would fail every execute-code request
// for a given language before the caller ever tries one.
func checkLangToolchains() []depCheck {
	binaries := langs.RequiredBinaries()
	tags := make([]string, 0, len(binaries))
	for tag := range binaries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	checks := make([]depCheck, 0, len(tags))
	for _, tag := range tags {
		path := binaries[tag]
		name := fmt.Sprintf("lang:%s (%s)", tag, path)
		if _, err := os.Stat(path); err != nil {
			checks = append(checks, depCheck{name: name, ok: false, note: "execute-code --language=" + tag + " will fail"})
			continue
		}
		checks = append(checks, depCheck{name: name, ok: true})
	}
	return checks
}
