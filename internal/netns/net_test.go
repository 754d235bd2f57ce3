//go:build linux

package netns_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rustbox/rustbox/internal/execspec"
	"github.com/rustbox/rustbox/internal/netns"
)

func TestValidateForLimits_NetworkDisabled_AlwaysOK(t *testing.T) {
	err := netns.ValidateForLimits(execspec.Limits{EnableNetwork: false, MaxOpenFiles: 1})
	assert.NoError(t, err)
}

func TestValidateForLimits_InsufficientOpenFiles(t *testing.T) {
	err := netns.ValidateForLimits(execspec.Limits{EnableNetwork: true, MaxOpenFiles: 1})
	assert.Error(t, err)
}

func TestValidateForLimits_SufficientOpenFiles(t *testing.T) {
	err := netns.ValidateForLimits(execspec.Limits{EnableNetwork: true, MaxOpenFiles: 64})
	assert.NoError(t, err)
}

func TestValidateForLimits_UnboundedOpenFiles(t *testing.T) {
	// MaxOpenFiles == 0 means "no explicit limit requested"; must not be
	// mistaken for "zero file descriptors allowed".
	err := netns.ValidateForLimits(execspec.Limits{EnableNetwork: true, MaxOpenFiles: 0})
	assert.NoError(t, err)
}
