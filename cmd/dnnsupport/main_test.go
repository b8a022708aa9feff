package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/dnnsupport/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a path", func(t *testing.T) {
		cfg, err := loadConfig("")
		require.NoError(t, err)
		assert.Equal(t, config.Default(), cfg)
	})

	t.Run("file overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("dnn:\n  useImmediateMode: true\n"), 0o644))
		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.True(t, cfg.DNN.UseImmediateMode)
		assert.Equal(t, "info", cfg.Logger.Verbosity)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestOrNone(t *testing.T) {
	assert.Equal(t, "none", orNone(nil))
	assert.Equal(t, "rocm, hostsim", orNone([]string{"rocm", "hostsim"}))
}
