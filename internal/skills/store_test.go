package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns canned vectors so similarity ordering is deterministic.
type fakeEngine struct {
	vectors map[string][]float32
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no canned vector for %q", text)
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake" }

func newTestStore(t *testing.T, engine *fakeEngine, threshold float64) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "skills.db"), engine, threshold, 5)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCommitAndQueryOrdering(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{
		"restart nginx":      {1, 0, 0},
		"restart postgres":   {0.9, 0.1, 0},
		"rotate tls certs":   {0, 0, 1},
		"restart web server": {1, 0, 0},
	}}
	store := newTestStore(t, engine, 0.5)

	ctx := context.Background()
	_, err := store.Commit(ctx, "restart nginx", "", []string{"systemctl restart nginx"})
	require.NoError(t, err)
	_, err = store.Commit(ctx, "restart postgres", "", []string{"systemctl restart postgresql"})
	require.NoError(t, err)
	_, err = store.Commit(ctx, "rotate tls certs", "", []string{"certbot renew"})
	require.NoError(t, err)

	matches, err := store.Query(ctx, "restart web server")
	require.NoError(t, err)
	require.Len(t, matches, 2) // cert rotation is orthogonal, below threshold

	assert.Equal(t, "restart nginx", matches[0].TaskContext)
	assert.Equal(t, "restart postgres", matches[1].TaskContext)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestQueryRecencyTiebreak(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{
		"older":  {1, 0, 0},
		"newer":  {1, 0, 0},
		"lookup": {1, 0, 0},
	}}
	store := newTestStore(t, engine, 0.5)

	ctx := context.Background()
	_, err := store.Commit(ctx, "older", "", []string{"a"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = store.Commit(ctx, "newer", "", []string{"b"})
	require.NoError(t, err)

	matches, err := store.Query(ctx, "lookup")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, matches[0].Similarity, matches[1].Similarity)
	assert.Equal(t, "newer", matches[0].TaskContext)
}

func TestQueryEmptyStore(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{"anything": {1, 0, 0}}}
	store := newTestStore(t, engine, 0.5)

	matches, err := store.Query(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMarkReuseIncrementsOnlyCounter(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{"task": {1, 0, 0}}}
	store := newTestStore(t, engine, 0.5)

	ctx := context.Background()
	committed, err := store.Commit(ctx, "task", "", []string{"step one", "step two"})
	require.NoError(t, err)
	assert.Equal(t, 1, committed.SuccessCount)

	require.NoError(t, store.MarkReuse(ctx, committed.ID))
	require.NoError(t, store.MarkReuse(ctx, committed.ID))

	got, err := store.Get(ctx, committed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.SuccessCount)
	assert.Equal(t, []string{"step one", "step two"}, got.ActionSequence)
	assert.Equal(t, committed.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestMarkReuseUnknownID(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{}}
	store := newTestStore(t, engine, 0.5)

	err := store.MarkReuse(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitValidation(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{"ok": {1, 0, 0}}}
	store := newTestStore(t, engine, 0.5)

	ctx := context.Background()
	_, err := store.Commit(ctx, "", "", []string{"a"})
	assert.Error(t, err)

	_, err = store.Commit(ctx, "ok", "", nil)
	assert.Error(t, err)

	// Embedding failure blocks the commit entirely.
	_, err = store.Commit(ctx, "unknown text", "", []string{"a"})
	assert.Error(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExport(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{
		"first":  {1, 0, 0},
		"second": {0, 1, 0},
	}}
	store := newTestStore(t, engine, 0.5)

	ctx := context.Background()
	_, err := store.Commit(ctx, "first", "", []string{"a"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = store.Commit(ctx, "second", "", []string{"b"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, store.Export(ctx, &buf))

	var exported []Skill
	require.NoError(t, json.Unmarshal(buf.Bytes(), &exported))
	require.Len(t, exported, 2)
	assert.Equal(t, "second", exported[0].TaskContext) // newest first
	assert.Equal(t, "second", exported[0].Title)
	assert.Equal(t, "general", exported[0].Category)
	// The catalog entry carries the full record, vector included.
	assert.Equal(t, []float32{0, 1, 0}, exported[0].Embedding)
	assert.Contains(t, buf.String(), "embedding_vector")
}

func TestCommitRecordsTitleAndCategory(t *testing.T) {
	t.Parallel()

	long := "upgrade the kernel and rebuild initramfs for every installed version, then refresh the bootloader entries"
	engine := &fakeEngine{vectors: map[string][]float32{long: {1, 0, 0}}}
	store := newTestStore(t, engine, 0.5)

	committed, err := store.Commit(context.Background(), long, "privileged", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "privileged", committed.Category)
	assert.Equal(t, long[:80], committed.Title)
	assert.Len(t, committed.Title, 80)

	got, err := store.Get(context.Background(), committed.ID)
	require.NoError(t, err)
	assert.Equal(t, committed.Title, got.Title)
	assert.Equal(t, "privileged", got.Category)
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{vectors: map[string][]float32{"persisted": {1, 0, 0}}}
	path := filepath.Join(t.TempDir(), "skills.db")

	store, err := Open(path, engine, 0.5, 5)
	require.NoError(t, err)
	committed, err := store.Commit(context.Background(), "persisted", "", []string{"x"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, engine, 0.5, 5)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), committed.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.TaskContext)
}
