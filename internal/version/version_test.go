package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rustbox/rustbox/internal/version"
)

func TestVersion_MatchesDetails(t *testing.T) {
	major, minor, patch := version.VersionDetails()
	assert.Equal(t, major+"."+minor+"."+patch, version.Version())
}
