//go:build linux

package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// SetupIDMappings configures /proc/<pid>/{setgroups,uid_map,gid_map} for a
// child created in a new user namespace, per §4.3 "UID mapping". Running
// as root writes a simple identity mapping (0 -> 0); running rootless
// shells out to newuidmap/newgidmap with the caller's /etc/subuid range,
// matching what runc and podman do.
func SetupIDMappings(childPID int) error {
	if childPID <= 0 {
		return fmt.Errorf("invalid child pid: %d", childPID)
	}

	euid := os.Geteuid()
	egid := os.Getegid()

	setgroupsPath := fmt.Sprintf("/proc/%d/setgroups", childPID)
	uidMapPath := fmt.Sprintf("/proc/%d/uid_map", childPID)
	gidMapPath := fmt.Sprintf("/proc/%d/gid_map", childPID)

	_ = os.WriteFile(setgroupsPath, []byte("deny"), 0o644)

	if euid == 0 {
		if err := writeMap(uidMapPath, 0, 0, 1); err != nil {
			return fmt.Errorf("write uid_map: %w", err)
		}
		if err := writeMap(gidMapPath, 0, 0, 1); err != nil {
			return fmt.Errorf("write gid_map: %w", err)
		}
		return nil
	}

	newUIDMap, errUID := exec.LookPath("newuidmap")
	newGIDMap, errGID := exec.LookPath("newgidmap")
	if errUID == nil && errGID == nil {
		usr, err := user.Current()
		if err != nil {
			return fmt.Errorf("user.Current: %w", err)
		}

		subUIDStart, subUIDLen, err := firstSubidRange("/etc/subuid", usr.Username)
		if err != nil {
			return fmt.Errorf("configure /etc/subuid or run as root: %w", err)
		}
		subGIDStart, subGIDLen, err := firstSubidRange("/etc/subgid", usr.Username)
		if err != nil {
			return fmt.Errorf("configure /etc/subgid or run as root: %w", err)
		}

		uidArgs := []string{
			strconv.Itoa(childPID),
			"0", strconv.Itoa(subUIDStart), strconv.Itoa(subUIDLen),
			strconv.Itoa(euid), strconv.Itoa(euid), "1",
		}
		gidArgs := []string{
			strconv.Itoa(childPID),
			"0", strconv.Itoa(subGIDStart), strconv.Itoa(subGIDLen),
			strconv.Itoa(egid), strconv.Itoa(egid), "1",
		}

		_ = os.WriteFile(setgroupsPath, []byte("deny"), 0o644)

		if out, err := exec.Command(newUIDMap, uidArgs...).CombinedOutput(); err != nil {
			return fmt.Errorf("newuidmap failed: %v\n%s", err, out)
		}
		if out, err := exec.Command(newGIDMap, gidArgs...).CombinedOutput(); err != nil {
			return fmt.Errorf("newgidmap failed: %v\n%s", err, out)
		}
		return nil
	}

	return errors.New("rootless ID mapping requires newuidmap/newgidmap (shadow-utils); install them or run as root")
}

func writeMap(path string, inside, outside, length int) error {
	line := fmt.Sprintf("%d %d %d\n", inside, outside, length)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(line), 0o644)
}

func firstSubidRange(file, username string) (start, length int, err error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", file, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 || parts[0] != username {
			continue
		}
		start64, err1 := strconv.ParseInt(parts[1], 10, 64)
		len64, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || start64 < 0 || len64 <= 0 {
			continue
		}
		return int(start64), int(len64), nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", file, err)
	}
	return 0, 0, fmt.Errorf("no %s entry for user %q", filepath.Base(file), username)
}
