package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/keeper/keepertest"
	"github.com/nicktill/tinykeep/pkg/metric"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStorage_Conformance(t *testing.T) {
	keepertest.Run(t, func(t *testing.T) keeper.Backend { return newTestStorage(t) })
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	id := ident.FromUint64(7, 42)
	p, err := metric.NewPeriod("shift", keepertest.Base, keepertest.Base.Add(90*time.Minute), metric.Whole,
		metric.WithID(id), metric.WithPrimaryTags("night"), metric.WithMinorTags("desk"))
	require.NoError(t, err)

	{
		store, err := New(Config{Path: dir})
		require.NoError(t, err)
		k, err := keeper.New(store)
		require.NoError(t, err)
		require.NoError(t, k.Store(ctx, p))
		require.NoError(t, store.Close())
	}

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()
	k, err := keeper.New(store)
	require.NoError(t, err)

	assert.Equal(t, []string{"shift"}, k.MetricTypes(ctx, metric.ClassPeriod))
	found := k.Find(ctx, "shift", metric.ClassPeriod, nil)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
	assert.True(t, p.Occurrence.Equal(found[0].Occurrence))
	assert.True(t, p.Stop.Equal(found[0].Stop))
	assert.Equal(t, 90*time.Minute, found[0].Duration)
	assert.InDelta(t, p.TodStart, found[0].TodStart, 0.001)
	assert.True(t, found[0].PrimaryTags.Contains("night"))
	assert.True(t, found[0].MinorTags.Contains("desk"))
}

func TestBadgerStorage_ScanIsBounded(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, store.ensureType(ctx, "login", metric.ClassEvent))

	var batch []metric.Metric
	for i := -2; i <= 2; i++ {
		m, err := metric.NewEvent("login", keepertest.Base.Add(time.Duration(i)*24*time.Hour))
		require.NoError(t, err)
		batch = append(batch, m)
	}
	require.NoError(t, store.store(ctx, "login", metric.ClassEvent, batch))

	c, err := metric.NewCriteria(keepertest.Base.Add(-24*time.Hour), keepertest.Base.Add(24*time.Hour))
	require.NoError(t, err)
	found, err := store.find(ctx, "login", metric.ClassEvent, &c)
	require.NoError(t, err)
	require.Len(t, found, 3)
	for i := 1; i < len(found); i++ {
		assert.True(t, found[i-1].Occurrence.Before(found[i].Occurrence), "scan runs in occurrence order")
	}
}

func TestBadgerStorage_PreEpochOrdering(t *testing.T) {
	before := time.Date(1965, 1, 1, 0, 0, 0, 0, time.UTC)
	after := time.Date(1975, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Less(t, encodeOccurrence(before), encodeOccurrence(after))
}

func TestBadgerStorage_Stats(t *testing.T) {
	store := newTestStorage(t)
	k, err := keeper.New(store)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m, err := metric.NewEvent("login", keepertest.Base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, k.Store(ctx, m))
	}
	p, err := metric.NewPeriod("shift", keepertest.Base, keepertest.Base.Add(time.Hour), metric.Whole)
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, p))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.TotalMetrics)
	assert.Equal(t, uint64(2), stats.TotalTypes)
}

func TestBadgerStorage_CancelledContext(t *testing.T) {
	store := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.find(ctx, "login", metric.ClassEvent, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.remove(ctx, "login", metric.ClassEvent, []ident.ID{ident.New()}), context.Canceled)
}

func TestBadgerStorage_RunGC(t *testing.T) {
	store := newTestStorage(t)
	// In-memory databases have no value log to rewrite.
	assert.ErrorIs(t, store.RunGC(0.5), badger.ErrGCInMemoryMode)
}
