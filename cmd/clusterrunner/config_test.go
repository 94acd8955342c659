package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomSecretIsHexAndUnique(t *testing.T) {
	a := randomSecret()
	b := randomSecret()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestLoadConfigFileEmptyPath(t *testing.T) {
	cfg, err := loadConfigFile("")
	require.NoError(t, err)
	assert.Equal(t, &configFile{}, cfg)
}

func TestLoadConfigFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "port: 43000\ndata_dir: /tmp/data\nsecret: s3cr3t\nnum_executors: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 43000, cfg.Port)
	assert.Equal(t, "/tmp/data", cfg.DataDir)
	assert.Equal(t, "s3cr3t", cfg.Secret)
	assert.Equal(t, 4, cfg.NumExecutors)
}

func TestLoadConfigFileMissingFile(t *testing.T) {
	_, err := loadConfigFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
	assert.Equal(t, "a", firstNonEmpty("a", "b"))
}

func TestFirstNonZero(t *testing.T) {
	assert.Equal(t, 5, firstNonZero(0, 5, 9))
	assert.Equal(t, 0, firstNonZero(0, 0))
	assert.Equal(t, 3, firstNonZero(3, 7))
}
