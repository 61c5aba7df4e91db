package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  root: /var/lib/routegrid\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/routegrid", cfg.Storage.Root)
	assert.Equal(t, defaultRowsPerPage, cfg.Cache.RowsPerPage)
	assert.Equal(t, 1, cfg.Share.DefaultMaxUses)
	assert.True(t, cfg.Log.Console.Enabled)
}

func TestLoad_MissingStorageRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  rows_per_page: 10\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.root is required")
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  root: /tmp/x\nbogus_field: true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestStorageConfig_Paths(t *testing.T) {
	s := StorageConfig{Root: "/data/routegrid"}
	assert.Equal(t, "/data/routegrid/cache", s.CacheDir())
	assert.Equal(t, "/data/routegrid/runtime/meta.sqlite3", s.MetaDBPath())
	assert.Equal(t, "/data/routegrid/runtime/appends", s.AppendsDir())
}

func TestDefault(t *testing.T) {
	cfg := Default("/tmp/routegrid")
	assert.Equal(t, defaultRowsPerPage, cfg.Cache.RowsPerPage)
	assert.Equal(t, 1, cfg.Share.DefaultMaxUses)
}
