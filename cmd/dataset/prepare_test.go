package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSourceDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.log"), nil, 0o644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	// relative sources resolve before the working directory can go away
	abs, err := resolveSourceDir("src")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "src"), abs)
	assert.True(t, filepath.IsAbs(abs))

	_, err = resolveSourceDir("missing")
	assert.Error(t, err)

	_, err = resolveSourceDir("file.log")
	assert.Error(t, err, "a plain file is not a copy source")
}
