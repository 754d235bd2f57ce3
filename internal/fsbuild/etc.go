//go:build linux

package fsbuild

import (
	"fmt"
	"log/slog"
	"os"
	"path"

	"golang.org/x/sys/unix"
)

var defaultNameservers = []string{
	"8.8.8.8",
	"8.8.4.4",
}

// setResolvers writes the box's own /etc/resolv.conf rather than binding
// the host's, so the box's DNS view stays independent of the host's local
// resolver setup (e.g. systemd-resolved's loopback stub).
func setResolvers(base string, nameservers []string, log *slog.Logger) error {
	if base == "" {
		return unix.EINVAL
	}
	if err := os.MkdirAll(path.Join(base, "/etc"), 0o755); err != nil {
		return fmt.Errorf("creating /etc: %w", err)
	}

	resolvPath := path.Join(base, "/etc/resolv.conf")
	if info, err := os.Lstat(resolvPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(resolvPath); err != nil {
			return fmt.Errorf("removing symlinked resolv.conf: %w", err)
		}
	}

	if len(nameservers) == 0 {
		nameservers = defaultNameservers
	}
	var content string
	for _, ns := range nameservers {
		content += fmt.Sprintf("nameserver %s\n", ns)
	}
	if err := os.WriteFile(resolvPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing resolv.conf: %w", err)
	}
	return nil
}

// SetupEtc populates the box's /etc with resolv.conf, a bind-mounted
// read-only hosts file, and the requested hostname, per §4.3.
func SetupEtc(base string, nameservers []string, hostname string, log *slog.Logger) error {
	if base == "" {
		return unix.EINVAL
	}
	target := path.Join(base, "/etc")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	if err := setResolvers(base, nameservers, log); err != nil {
		log.Warn("resolv.conf setup failed", slog.Any("err", err))
	}

	if _, err := os.Stat("/etc/hosts"); err == nil {
		if err := BindMount(base, MountSpec{Host: "/etc/hosts", Dest: "/etc/hosts", RO: true}); err != nil {
			return fmt.Errorf("binding /etc/hosts: %w", err)
		}
	}

	if hostname != "" {
		hostnamePath := path.Join(base, "/etc/hostname")
		if err := os.WriteFile(hostnamePath, []byte(hostname+"\n"), 0o644); err != nil {
			log.Warn("writing /etc/hostname failed", slog.Any("err", err))
		}
	}

	return nil
}
