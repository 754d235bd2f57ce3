//go:build linux

package seccomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAllowSet_NetworkDisabledByDefault(t *testing.T) {
	set := buildAllowSet(Options{})
	assert.NotContains(t, set, "socket")
	assert.NotContains(t, set, "connect")
	assert.Contains(t, set, "read")
	assert.Contains(t, set, "execve")
}

func TestBuildAllowSet_EnableNetwork(t *testing.T) {
	set := buildAllowSet(Options{EnableNetwork: true})
	assert.Contains(t, set, "socket")
	assert.Contains(t, set, "connect")
}

func TestBuildAllowSet_AllowExtra(t *testing.T) {
	set := buildAllowSet(Options{AllowExtra: []string{"ptrace"}})
	assert.Contains(t, set, "ptrace")
}

func TestBuildAllowSet_DenyOverride(t *testing.T) {
	set := buildAllowSet(Options{DenyOverride: []string{"execve"}})
	assert.NotContains(t, set, "execve")
}

func TestBuildAllowSet_DenyOverrideBeatsAllowExtra(t *testing.T) {
	set := buildAllowSet(Options{AllowExtra: []string{"ptrace"}, DenyOverride: []string{"ptrace"}})
	assert.NotContains(t, set, "ptrace")
}

func TestBuildAllowSet_Sorted(t *testing.T) {
	set := buildAllowSet(Options{})
	for i := 1; i < len(set); i++ {
		assert.Less(t, set[i-1], set[i])
	}
}
