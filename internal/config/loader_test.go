package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tritonnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeConfig(t, t.TempDir(), validConfig)
	loader := NewLoader(path, zap.NewNop())

	assert.Nil(t, loader.Current())
	assert.Equal(t, path, loader.Path())

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Rooms, 3)
	assert.Same(t, cfg, loader.Current())
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())

	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read climate config")
}

func TestLoader_InvalidKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)
	loader := NewLoader(path, nil)

	first, err := loader.Load()
	require.NoError(t, err)

	writeConfig(t, dir, "tritonnet_climate:\n  main_ac: nope\n  rooms: {}\n")
	_, err = loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse climate config")
	assert.Same(t, first, loader.Current())
}
