//go:build linux

package supervisor

import (
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// boundedCollector drains a pipe into an in-memory buffer capped at limit
// bytes. Once the cap is hit, further bytes are discarded but draining
// continues so the supervised process is never blocked on a full pipe
// (§4.5 "output" limit: exceeding it is reported, not enforced by
// backpressure that could wedge the child).
type boundedCollector struct {
	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
}

func newBoundedCollector(limit int64) *boundedCollector {
	return &boundedCollector{limit: limit}
}

func (c *boundedCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit <= 0 {
		c.buf = append(c.buf, p...)
		return len(p), nil
	}
	remaining := c.limit - int64(len(c.buf))
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf = append(c.buf, p[:remaining]...)
		c.truncated = true
	} else {
		c.buf = append(c.buf, p...)
	}
	return len(p), nil
}

func (c *boundedCollector) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

func (c *boundedCollector) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// stdioPipes wires the three standard streams across the clone boundary:
// stdin is fed from a caller-supplied byte slice, stdout/stderr are
// drained into bounded collectors on background goroutines.
type stdioPipes struct {
	childStdin  *os.File
	childStdout *os.File
	childStderr *os.File

	stdout *boundedCollector
	stderr *boundedCollector

	wg sync.WaitGroup
}

func newStdioPipes(stdinData []byte, outputLimit int64) (*stdioPipes, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}

	p := &stdioPipes{
		childStdin:  inR,
		childStdout: outW,
		childStderr: errW,
		stdout:      newBoundedCollector(outputLimit),
		stderr:      newBoundedCollector(outputLimit),
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		_, _ = io.Copy(p.stdout, outR)
		_ = outR.Close()
	}()
	go func() {
		defer p.wg.Done()
		_, _ = io.Copy(p.stderr, errR)
		_ = errR.Close()
	}()

	go func() {
		defer func() { _ = inW.Close() }()
		_, _ = inW.Write(stdinData)
	}()

	return p, nil
}

// closeChildEnds closes the parent's copies of the fds handed to the
// child, once the child has them open across clone3.
func (p *stdioPipes) closeChildEnds() {
	_ = p.childStdin.Close()
	_ = p.childStdout.Close()
	_ = p.childStderr.Close()
}

// wait blocks until both drain goroutines observe EOF, which happens once
// the child (and any descendants sharing the fds) have exited.
func (p *stdioPipes) wait() {
	p.wg.Wait()
}

func (p *stdioPipes) outputExceeded() bool {
	return p.stdout.Truncated() || p.stderr.Truncated()
}

// closeOnSignal closes f's descriptor directly, which forces EOF on a
// drain goroutine when some orphaned descendant still holds the write end
// open after a kill. It has no caller in this repository.
func closeOnSignal(f *os.File) {
	_ = unix.Close(int(f.Fd()))
}
