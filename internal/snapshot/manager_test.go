package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/sandbox"
)

// TestHelperProcess stands in for the btrfs binary during tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if msg := os.Getenv("MOCK_FAIL"); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
	fmt.Print(os.Getenv("MOCK_OUTPUT"))
	os.Exit(0)
}

type execRecorder struct {
	calls [][]string
}

func (r *execRecorder) install(t *testing.T, env ...string) {
	t.Helper()
	orig := execCommand
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		r.calls = append(r.calls, append([]string{name}, args...))
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
	t.Cleanup(func() { execCommand = orig })
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.SnapshotConfig{
		Binary:      "btrfs",
		SourcePath:  "/",
		SnapshotDir: t.TempDir(),
	})
	m.available = true
	m.reason = ""
	return m
}

func TestProbeMarksDegradedWhenToolMissing(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t, "MOCK_FAIL=btrfs: command not found")

	m := NewManager(config.SnapshotConfig{
		Binary:      "btrfs",
		SourcePath:  "/",
		SnapshotDir: t.TempDir(),
	})
	m.Probe(context.Background())

	ok, reason := m.Available()
	assert.False(t, ok)
	assert.Contains(t, reason, "btrfs tooling unavailable")
}

func TestProbeMarksDegradedWhenDirMissing(t *testing.T) {
	m := NewManager(config.SnapshotConfig{
		Binary:      "btrfs",
		SourcePath:  "/",
		SnapshotDir: filepath.Join(t.TempDir(), "nope"),
	})
	m.Probe(context.Background())

	ok, reason := m.Available()
	assert.False(t, ok)
	assert.Contains(t, reason, "snapshot directory unavailable")
}

func TestProbeSucceeds(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t, "MOCK_OUTPUT=btrfs-progs v6.6")

	m := NewManager(config.SnapshotConfig{
		Binary:      "btrfs",
		SourcePath:  "/",
		SnapshotDir: t.TempDir(),
	})
	m.Probe(context.Background())

	ok, reason := m.Available()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCreateInvokesSnapshotCommand(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t)

	m := testManager(t)
	snap, err := m.Create(context.Background(), "pre_patch")
	require.NoError(t, err)

	assert.Equal(t, "pre_patch", snap.Label)
	assert.Contains(t, snap.Name, "warden_pre_patch_")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, []string{"btrfs", "subvolume", "snapshot", "/", snap.Path}, rec.calls[0])
}

func TestCreateUsesPrivilegeHelper(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t)

	m := testManager(t)
	m.cfg.PrivilegeHelper = "pkexec"

	_, err := m.Create(context.Background(), "elevated")
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "pkexec", rec.calls[0][0])
	assert.Equal(t, "btrfs", rec.calls[0][1])
}

func TestCreateRejectsBadLabels(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t)

	m := testManager(t)
	for _, label := range []string{"", "has space", "dots.bad", "semi;rm", "../escape"} {
		_, err := m.Create(context.Background(), label)
		assert.Error(t, err, "label %q should be rejected", label)
	}
	assert.Empty(t, rec.calls, "no command may run for a rejected label")
}

func TestCreateFailsWhenDegraded(t *testing.T) {
	m := testManager(t)
	m.available = false
	m.reason = "no btrfs here"

	_, err := m.Create(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no btrfs here")
}

func TestCreateSurfacesCommandFailure(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t, "MOCK_FAIL=ERROR: not a btrfs filesystem")

	m := testManager(t)
	_, err := m.Create(context.Background(), "pre_patch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a btrfs filesystem")
}

func mkSnapDir(t *testing.T, dir, label string, age time.Duration) string {
	t.Helper()
	name := fmt.Sprintf("warden_%s_%d", label, time.Now().Add(-age).Unix())
	require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	return name
}

func TestListReturnsNewestFirstAndSkipsForeignEntries(t *testing.T) {
	m := testManager(t)
	old := mkSnapDir(t, m.cfg.SnapshotDir, "old", 48*time.Hour)
	newest := mkSnapDir(t, m.cfg.SnapshotDir, "fresh", time.Hour)
	require.NoError(t, os.Mkdir(filepath.Join(m.cfg.SnapshotDir, "timeshift-backup"), 0o755))

	snaps, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, newest, snaps[0].Name)
	assert.Equal(t, old, snaps[1].Name)
	assert.Equal(t, "fresh", snaps[0].Label)
}

func TestRecoveryPointerIsNewestSnapshot(t *testing.T) {
	m := testManager(t)

	snap, err := m.RecoveryPointer(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap, "an empty snapshot set has no recovery point")

	mkSnapDir(t, m.cfg.SnapshotDir, "old", 48*time.Hour)
	newest := mkSnapDir(t, m.cfg.SnapshotDir, "fresh", time.Hour)

	snap, err = m.RecoveryPointer(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, newest, snap.Name)
}

func TestPruneKeepsNewestRegardlessOfAge(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t)

	m := testManager(t)
	ancient := mkSnapDir(t, m.cfg.SnapshotDir, "ancient", 30*24*time.Hour)
	stale := mkSnapDir(t, m.cfg.SnapshotDir, "stale", 10*24*time.Hour)

	removed, err := m.Prune(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)

	// Both exceed retention, but the newest must survive as the last
	// recovery point.
	assert.Equal(t, []string{ancient}, removed)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "delete", rec.calls[0][2])
	assert.Contains(t, rec.calls[0][3], ancient)

	snaps, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2) // delete is mocked, but stale was never targeted
	assert.Equal(t, stale, snaps[0].Name)
}

func TestPruneSparesYoungSnapshots(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t)

	m := testManager(t)
	mkSnapDir(t, m.cfg.SnapshotDir, "a", 2*time.Hour)
	mkSnapDir(t, m.cfg.SnapshotDir, "b", time.Hour)

	removed, err := m.Prune(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Empty(t, rec.calls)
}

func TestRollbackResolvesIDAndSetsDefault(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t, "MOCK_OUTPUT=257")

	m := testManager(t)
	name := mkSnapDir(t, m.cfg.SnapshotDir, "good", time.Hour)

	require.NoError(t, m.Rollback(context.Background(), name))
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "rootid", rec.calls[0][2])
	assert.Equal(t, []string{"btrfs", "subvolume", "set-default", "257", "/"}, rec.calls[1])
}

func TestRollbackRejectsNonNumericSubvolumeID(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t, "MOCK_OUTPUT=257; rm -rf /")

	m := testManager(t)
	name := mkSnapDir(t, m.cfg.SnapshotDir, "tainted", time.Hour)

	err := m.Rollback(context.Background(), name)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected subvolume id")
	assert.Len(t, rec.calls, 1, "set-default must not run")
}

func TestRollbackRejectsUnknownNames(t *testing.T) {
	m := testManager(t)
	for _, name := range []string{"", "random", "warden_", "warden_x_notanumber", "../etc"} {
		assert.Error(t, m.Rollback(context.Background(), name), "name %q", name)
	}
}

func TestRollbackMissingSnapshot(t *testing.T) {
	m := testManager(t)
	err := m.Rollback(context.Background(), "warden_ghost_1700000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestParseName(t *testing.T) {
	snap, ok := parseName("warden_pre_patch_1724900000")
	require.True(t, ok)
	assert.Equal(t, "pre_patch", snap.Label)
	assert.Equal(t, time.Unix(1724900000, 0).UTC(), snap.CreatedAt)

	for _, bad := range []string{"warden_", "other_x_1", "warden_x_", "warden__1"} {
		_, ok := parseName(bad)
		assert.False(t, ok, "name %q", bad)
	}
}

func TestGuardSnapshotsBeforeMutation(t *testing.T) {
	rec := &execRecorder{}
	rec.install(t)

	m := testManager(t)
	guard := NewGuard(m)

	req := sandbox.Request{ID: "123e4567-e89b-42d3-a456-426614174000"}
	require.NoError(t, guard.Prepare(context.Background(), req))
	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0][4], "warden_pre_123e4567e89b_")
}

func TestGuardSurfacesSnapshotFailure(t *testing.T) {
	m := testManager(t)
	m.available = false
	m.reason = "degraded"

	guard := NewGuard(m)
	err := guard.Prepare(context.Background(), sandbox.Request{ID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery snapshot")
}
