package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStateDirIsDeterministic(t *testing.T) {
	t.Parallel()

	first := DeriveStateDir("/var/state", "/tmp/proj")
	second := DeriveStateDir("/var/state", "/tmp/proj/")
	assert.Equal(t, first, second)

	base := filepath.Base(first)
	assert.True(t, strings.HasPrefix(base, "-tmp-proj-"), "base = %q", base)
	assert.Regexp(t, `-[0-9a-f]{8}$`, base)
}

func TestDeriveStateDirDistinguishesWorkdirs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "distinct suffixes", a: "/tmp/proj-a", b: "/tmp/proj-b"},
		{name: "separator vs dash", a: "/tmp/a-b", b: "/tmp/a/b"},
		{name: "space vs dash", a: "/srv/app-1", b: "/srv/app 1"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.NotEqual(t,
				DeriveStateDir("/var/state", tc.a),
				DeriveStateDir("/var/state", tc.b))
		})
	}
}

func TestSnapshotTolerableAbsence(t *testing.T) {
	t.Parallel()

	snapshot := ReadSnapshot(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Empty(t, snapshot.Plan)
	assert.Empty(t, snapshot.PlanOutput)
	assert.Empty(t, snapshot.BuildOutput)
	assert.Empty(t, snapshot.ThreadID)
}

func TestSnapshotReflectsLatestWrites(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, PlanFile), []byte("- [ ] step one\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, PlanOutputFile), []byte(`{"result":"planned"}`), 0o600))
	require.NoError(t, WriteThreadID(stateDir, "sess-123"))

	snapshot := ReadSnapshot(stateDir)
	assert.Contains(t, snapshot.Plan, "step one")
	assert.Contains(t, snapshot.PlanOutput, "planned")
	assert.Equal(t, "sess-123", snapshot.ThreadID)

	require.NoError(t, os.WriteFile(filepath.Join(stateDir, PlanFile), []byte("STATUS: DONE\n"), 0o600))
	assert.True(t, PlanDone(stateDir))
}

func TestPlanDoneRequiresLiteralMarker(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, PlanFile), []byte("STATUS: READY\n"), 0o600))
	assert.False(t, PlanDone(stateDir))

	require.NoError(t, os.WriteFile(filepath.Join(stateDir, PlanFile), []byte("notes\nSTATUS: DONE trailing\n"), 0o600))
	assert.True(t, PlanDone(stateDir))
}

func TestReadThreadIDTrimsWhitespace(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	require.NoError(t, WriteThreadID(stateDir, "  sess-456 "))
	assert.Equal(t, "sess-456", ReadThreadID(stateDir))
}
