//go:build linux

package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedCollector_UnderLimit(t *testing.T) {
	c := newBoundedCollector(100)
	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(c.Bytes()))
	assert.False(t, c.Truncated())
}

func TestBoundedCollector_ExceedsLimit(t *testing.T) {
	c := newBoundedCollector(5)
	n, err := c.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n) // Write always reports the full length so callers never retry.
	assert.Equal(t, "hello", string(c.Bytes()))
	assert.True(t, c.Truncated())
}

func TestBoundedCollector_MultipleWritesPastLimit(t *testing.T) {
	c := newBoundedCollector(5)
	_, _ = c.Write([]byte("abc"))
	_, _ = c.Write([]byte("de"))
	_, _ = c.Write([]byte("fgh"))
	assert.Equal(t, "abcde", string(c.Bytes()))
	assert.True(t, c.Truncated())
}

func TestBoundedCollector_ZeroLimitIsUnbounded(t *testing.T) {
	c := newBoundedCollector(0)
	_, _ = c.Write([]byte("anything goes here"))
	assert.False(t, c.Truncated())
	assert.Equal(t, "anything goes here", string(c.Bytes()))
}

func TestNewStdioPipes_DrainsAndFeeds(t *testing.T) {
	p, err := newStdioPipes([]byte("stdin payload"), 1024)
	require.NoError(t, err)

	got, err := readAllFromFD(p.childStdin)
	require.NoError(t, err)
	assert.Equal(t, "stdin payload", string(got))

	_, _ = p.childStdout.WriteString("out")
	_ = p.childStdout.Close()
	_, _ = p.childStderr.WriteString("err")
	_ = p.childStderr.Close()

	p.wait()
	assert.Equal(t, "out", string(p.stdout.Bytes()))
	assert.Equal(t, "err", string(p.stderr.Bytes()))
	assert.False(t, p.outputExceeded())
}

func readAllFromFD(f interface {
	Read([]byte) (int, error)
}) ([]byte, error) {
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return buf, nil
		}
		if n == 0 {
			return buf, nil
		}
	}
}
