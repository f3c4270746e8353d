package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToLogFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(dir, WithSessionID("run-1"), WithComponent("server"))
	require.NoError(t, err)
	defer logger.Close()

	logger.Logger.Info("hello")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"session_id":"run-1"`)
	assert.Contains(t, content, `"component":"server"`)
	assert.Contains(t, content, "hello")
	assert.True(t, strings.Contains(filepath.Base(logger.Path()), "run-1"))
}

func TestPruneOldLogsKeepsNewest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	names := []string{
		"coxswain-20260101-000000.log",
		"coxswain-20260102-000000.log",
		"coxswain-20260103-000000.log",
		"unrelated.txt",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	pruneOldLogs(dir, 2)

	_, err := os.Stat(filepath.Join(dir, "coxswain-20260101-000000.log"))
	assert.True(t, os.IsNotExist(err), "oldest log should be pruned")
	for _, keep := range []string{"coxswain-20260102-000000.log", "coxswain-20260103-000000.log", "unrelated.txt"} {
		_, err := os.Stat(filepath.Join(dir, keep))
		assert.NoError(t, err)
	}
}
