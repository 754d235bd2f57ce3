//go:build linux

package caps_test

import (
	"testing"

	"github.com/moby/sys/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustbox/rustbox/internal/caps"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "chown", caps.Normalize("CAP_CHOWN"))
	assert.Equal(t, "sys_admin", caps.Normalize("  sys_admin  "))
	assert.Equal(t, "net_raw", caps.Normalize("CAP_NET_RAW"))
}

func TestFromName_Known(t *testing.T) {
	id, err := caps.FromName("CAP_CHOWN")
	require.NoError(t, err)
	assert.Equal(t, capability.CAP_CHOWN, id)
}

func TestFromName_Unknown(t *testing.T) {
	_, err := caps.FromName("CAP_NOT_A_REAL_CAP")
	assert.Error(t, err)
}

func TestBuild_DefaultAllowlist(t *testing.T) {
	byType, err := caps.Options{}.Build()
	require.NoError(t, err)

	chown, err := caps.FromName("CAP_CHOWN")
	require.NoError(t, err)
	assert.Contains(t, byType[capability.BOUNDING], chown)

	sysAdmin, err := caps.FromName("CAP_SYS_ADMIN")
	require.NoError(t, err)
	assert.NotContains(t, byType[capability.BOUNDING], sysAdmin)
}

func TestBuild_DropOverridesDefault(t *testing.T) {
	setuid, err := caps.FromName("CAP_SETUID")
	require.NoError(t, err)

	opts := caps.Options{Drop: caps.NewSet(setuid)}
	byType, err := opts.Build()
	require.NoError(t, err)
	assert.NotContains(t, byType[capability.PERMITTED], setuid)
}

func TestBuild_AddExtendsDefault(t *testing.T) {
	netBindService, err := caps.FromName("CAP_NET_BIND_SERVICE")
	require.NoError(t, err)

	opts := caps.Options{Add: caps.NewSet(netBindService)}
	byType, err := opts.Build()
	require.NoError(t, err)
	assert.Contains(t, byType[capability.EFFECTIVE], netBindService)
}
