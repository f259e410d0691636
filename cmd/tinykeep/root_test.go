package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykeep/pkg/config"
)

func TestRootCmd_HasServe(t *testing.T) {
	cmd, _, err := RootCmd().Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("backend"))
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinykeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: sqlite\nsqlite:\n  table_prefix: tk\n"), 0o644))

	v := viper.New()
	v.Set(CustomConfigLocation, path)
	require.NoError(t, readConfigFile(v))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQLite, cfg.Backend)
	assert.Equal(t, "tk", cfg.SQLite.TablePrefix)
}

func TestReadConfigFile_Missing(t *testing.T) {
	v := viper.New()
	v.Set(CustomConfigLocation, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, readConfigFile(v))

	assert.NoError(t, readConfigFile(viper.New()))
}
