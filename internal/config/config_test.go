package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, OracleRuntimeCLI, cfg.OracleRuntime)
	assert.Equal(t, 30, cfg.MaxTurnsPerStep)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.WorkspaceRoots = []string{"/home/user/project"}
	cfg.MaxTurnsPerStep = 12

	require.NoError(t, Save(dir, cfg))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/user/project"}, loaded.WorkspaceRoots)
	assert.Equal(t, 12, loaded.MaxTurnsPerStep)
}
