package calllog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentproxy/internal/persistence"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	pool, err := persistence.OpenSQLitePool(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := NewStore(pool)
	require.NoError(t, err)
	return repo
}

func sampleRecord(id string, started time.Time) *Record {
	return &Record{
		ID:             id,
		Kind:           KindAgent,
		Target:         "math",
		Caller:         "master_agent",
		Callee:         "math_agent",
		ShareCallStack: true,
		Arguments:      `{"query":"pi"}`,
		Status:         "completed",
		Output:         "3.14",
		Forwarded:      2,
		StartedAt:      started,
		EndedAt:        started.Add(1500 * time.Millisecond),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := sampleRecord("call-1", started)
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, KindAgent, got.Kind)
	assert.Equal(t, "math", got.Target)
	assert.Equal(t, "3.14", got.Output)
	assert.True(t, got.ShareCallStack)
	assert.Equal(t, 2, got.Forwarded)
	assert.JSONEq(t, `{"query":"pi"}`, got.Arguments)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, int64(1500), got.DurationMs())
}

func TestStore_CreateAssignsID(t *testing.T) {
	repo := newTestStore(t)
	rec := sampleRecord("", time.Now())
	rec.Arguments = ""
	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Arguments)
}

func TestStore_GetNotFound(t *testing.T) {
	repo := newTestStore(t)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := sampleRecord(fmt.Sprintf("call-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			rec.Status = "error"
			rec.Error = "boom"
		}
		require.NoError(t, repo.Create(ctx, rec))
	}
	tool := sampleRecord("tool-1", base)
	tool.Kind = KindTool
	tool.Target = "search"
	require.NoError(t, repo.Create(ctx, tool))

	all, err := repo.List(ctx, ListFilter{Kind: KindAgent})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "call-4", all[0].ID)
	assert.Equal(t, "call-0", all[4].ID)

	failed, err := repo.List(ctx, ListFilter{Status: "error"})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	page, err := repo.List(ctx, ListFilter{Kind: KindAgent, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "call-3", page[0].ID)

	tools, err := repo.List(ctx, ListFilter{Target: "search"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, KindTool, tools[0].Kind)

	none, err := repo.List(ctx, ListFilter{Target: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestStore_Stats(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := sampleRecord("a", base)
	a.EndedAt = base.Add(time.Second)
	b := sampleRecord("b", base)
	b.EndedAt = base.Add(3 * time.Second)
	c := sampleRecord("c", base)
	c.Status = "aborted"
	c.EndedAt = base.Add(2 * time.Second)
	for _, rec := range []*Record{a, b, c} {
		require.NoError(t, repo.Create(ctx, rec))
	}

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"completed": 2, "aborted": 1}, stats.ByStatus)
	assert.InDelta(t, 2000, stats.AvgDurationMs, 1)
}

func TestListFilter_Limit(t *testing.T) {
	assert.Equal(t, defaultListLimit, ListFilter{}.limit())
	assert.Equal(t, maxListLimit, ListFilter{Limit: 10_000}.limit())
	assert.Equal(t, 7, ListFilter{Limit: 7}.limit())
}
