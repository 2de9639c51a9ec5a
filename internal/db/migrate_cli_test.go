package db

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintMigrateHelp(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	PrintMigrateHelp(&out)
	assert.Contains(t, out.String(), "force <N>")
}

func TestRunMigrateCommand(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cli.db")
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		err := RunMigrateCommand(args, path, &out)
		return out.String(), err
	}

	out, err := run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 0")

	out, err = run("up")
	require.NoError(t, err)
	assert.Contains(t, out, "All migrations applied")
	assert.Contains(t, out, "Dirty: false")

	out, err = run("down")
	require.NoError(t, err)
	assert.Contains(t, out, "rolled back")

	out, err = run("version", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 1")

	out, err = run("version", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 2")
	assert.EqualValues(t, 2, latest)

	out, err = run("force", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "forced to 1")

	out, err = run("help")
	require.NoError(t, err)
	assert.Contains(t, out, "Database Migration Commands")
}

func TestRunMigrateCommandUsageErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cli.db")

	tests := []struct {
		name string
		args []string
	}{
		{"no action", nil},
		{"unknown action", []string{"sideways"}},
		{"version without number", []string{"version"}},
		{"version not a number", []string{"version", "two"}},
		{"force without number", []string{"force"}},
		{"force not a number", []string{"force", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := RunMigrateCommand(tt.args, path, &out)
			assert.ErrorIs(t, err, ErrUsage)
		})
	}
}
