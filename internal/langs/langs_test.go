package langs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustbox/rustbox/internal/langs"
)

func TestLookup_Known(t *testing.T) {
	for _, tag := range []string{"python3", "c", "cpp", "go"} {
		r, err := langs.Lookup(tag)
		require.NoError(t, err, tag)
		assert.NotEmpty(t, r.SourceFile, tag)
		assert.NotEmpty(t, r.Run, tag)
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := langs.Lookup("cobol")
	assert.Error(t, err)
}

func TestPrepare_Interpreted_WritesSourceOnly(t *testing.T) {
	dir := t.TempDir()
	argv, err := langs.Prepare("python3", []byte("print('hi')\n"), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/python3", "/box/main.py"}, argv)

	got, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(got))
}

func TestPrepare_UnknownLanguage(t *testing.T) {
	_, err := langs.Prepare("cobol", nil, t.TempDir())
	assert.Error(t, err)
}
