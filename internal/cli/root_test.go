package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/opstrack/internal/reconcile"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "opstrack", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "reconcile", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NotNil(t, serve.Flags().Lookup("listen"))
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "opstrack "+Version+"\n", out.String())
}

func TestReconcileCommandPrintsReport(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OPSTRACK_DATABASE_URL", "sqlite://"+filepath.Join(dir, "ops.db"))
	t.Setenv("OPSTRACK_ENGINE_DB_PATH", filepath.Join(dir, "engine.db"))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"reconcile", "--log-level", "error"})

	require.NoError(t, cmd.Execute())

	var report reconcile.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Zero(t, report.Running)
	assert.Zero(t, report.Checked)
}

func TestReconcileCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opstrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconcile:\n  terminated_as: COMPLETED\n"), 0o600))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"reconcile", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated_as")
}

func TestLogLevelFlagOverridesEnv(t *testing.T) {
	t.Setenv("OPSTRACK_LOG_LEVEL", "info")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.ParseFlags([]string{"--log-level", "debug"}))

	opts := &RootOptions{}
	cfg, err := loadConfig(opts, cmd, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
