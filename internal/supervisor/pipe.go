//go:build linux

// Package supervisor implements the Process Supervisor (§4.4): it clones
// the supervised process into a fresh namespace set via clone3, wires its
// stdio, applies the defensive rlimits/capabilities/seccomp stack, execs
// the target, and reaps it.
//
// Adapted from the teacher's sandbox package (sandbox.go, pipe.go, id.go,
// env.go), generalized from a single long-lived "box" process into a
// short-lived per-request launch that the Limit Monitor races against.
package supervisor

import "golang.org/x/sys/unix"

// syncPipe lets the parent finish namespace/cgroup/network setup before
// the child proceeds to pivot_root and execve, avoiding the race where the
// child execs before its uid/gid mapping or cgroup membership exists.
func makeSyncPipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}

func waitForParent(rfd int) error {
	var one [1]byte
	_, err := unix.Read(rfd, one[:])
	_ = unix.Close(rfd)
	return err
}

func signalChild(wfd int) error {
	_, err := unix.Write(wfd, []byte{1})
	cerr := unix.Close(wfd)
	if err != nil {
		return err
	}
	return cerr
}

func closePipe(rfd, wfd int) {
	_ = unix.Close(rfd)
	_ = unix.Close(wfd)
}
