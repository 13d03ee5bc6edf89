package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_GetEntry_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	e, err := st.GetEntry(context.Background(), "person", "url:linkedin.com/in/nobody")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestSQLite_UpsertInsertsThenUpdates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return t0 }
	require.NoError(t, st.UpsertEntry(ctx, "person", "org:42", []byte(`{"v":1}`)))

	e, err := st.GetEntry(ctx, "person", "org:42")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.JSONEq(t, `{"v":1}`, string(e.Payload))
	assert.True(t, e.CreatedAt.Equal(t0))
	assert.True(t, e.UpdatedAt.Equal(t0))

	t1 := t0.Add(48 * time.Hour)
	st.now = func() time.Time { return t1 }
	require.NoError(t, st.UpsertEntry(ctx, "person", "org:42", []byte(`{"v":2}`)))

	e, err = st.GetEntry(ctx, "person", "org:42")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.JSONEq(t, `{"v":2}`, string(e.Payload))
	assert.True(t, e.CreatedAt.Equal(t0), "created_at is preserved on update")
	assert.True(t, e.UpdatedAt.Equal(t1))
}

func TestSQLite_NamespacesAreIsolated(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEntry(ctx, "person", "k", []byte(`"a"`)))
	require.NoError(t, st.UpsertEntry(ctx, "company", "k", []byte(`"b"`)))

	p, err := st.GetEntry(ctx, "person", "k")
	require.NoError(t, err)
	c, err := st.GetEntry(ctx, "company", "k")
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(p.Payload))
	assert.Equal(t, `"b"`, string(c.Payload))
}

func TestSQLite_RunHistory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	started := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	first := model.RunSummary{
		ID:            "run-1",
		Status:        model.RunStatusComplete,
		OriginalCount: 10,
		SurvivorCount: 4,
		Analytics: map[string]model.StageAnalytics{
			"title_classification": {StageID: "title_classification", Input: 10, Filtered: 6},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
	second := model.RunSummary{
		ID:         "run-2",
		Status:     model.RunStatusError,
		Error:      "stage person_enrichment: boom",
		StartedAt:  started.Add(time.Hour),
		FinishedAt: started.Add(time.Hour + time.Second),
	}
	require.NoError(t, st.SaveRun(ctx, first))
	require.NoError(t, st.SaveRun(ctx, second))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.SurvivorCount)
	assert.Equal(t, 6, got.Analytics["title_classification"].Filtered)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "run-2", all[0].ID, "newest first")

	failed, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "stage person_enrichment: boom", failed[0].Error)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
