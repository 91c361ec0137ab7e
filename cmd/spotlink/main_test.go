package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotlink/pkg/core"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.Execute()
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"limits", "depth", "account"})

	depth, _, err := root.Find([]string{"depth"})
	require.NoError(t, err)
	levels, err := depth.Flags().GetInt("levels")
	require.NoError(t, err)
	assert.Equal(t, 5, levels)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestDepthCommand_RequiresSymbol(t *testing.T) {
	assert.Error(t, execute(t, "depth"))
}

func TestAccountCommand_RequiresCredentials(t *testing.T) {
	t.Setenv(core.EnvAPIKey, "")
	t.Setenv(core.EnvAPISecret, "")

	err := execute(t, "account", "--config", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoCredentials)
}

func TestApp_Load(t *testing.T) {
	t.Setenv(core.EnvAPIKey, "")
	t.Setenv(core.EnvAPISecret, "")

	path := filepath.Join(t.TempDir(), "spotlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nthrottle:\n  lanes: 8\n"), 0o600))

	a := &app{configPath: path, sandbox: true}
	cfg, logger, err := a.load()
	require.NoError(t, err)
	assert.True(t, cfg.Sandbox)
	assert.Equal(t, 8, cfg.Throttle.Lanes)
	assert.Equal(t, "debug", logger.GetLevel().String())

	a.configPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err = a.load()
	assert.Error(t, err)
}
