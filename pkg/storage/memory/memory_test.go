package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/keeper/keepertest"
	"github.com/nicktill/tinykeep/pkg/metric"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	keepertest.Run(t, func(t *testing.T) keeper.Backend { return New() })
}

func TestMemoryStorage_FindReturnsEverything(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.ensureType(ctx, "login", metric.ClassEvent))
	var batch []metric.Metric
	for i := 0; i < 3; i++ {
		m, err := metric.NewEvent("login", keepertest.Base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		batch = append(batch, m)
	}
	require.NoError(t, store.store(ctx, "login", metric.ClassEvent, batch))

	c, err := metric.NewCriteria(keepertest.Base, keepertest.Base)
	require.NoError(t, err)
	found, err := store.find(ctx, "login", metric.ClassEvent, &c)
	require.NoError(t, err)
	assert.Equal(t, batch, found, "criteria narrowing is left to the keeper")

	found[0].Count = 99
	again, err := store.find(ctx, "login", metric.ClassEvent, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again[0].Count, "find returns a copy")
}

func TestMemoryStorage_TagsAreNotShared(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.ensureType(ctx, "login", metric.ClassEvent))

	m, err := metric.NewEvent("login", keepertest.Base, metric.WithPrimaryTags("web", "eu"), metric.WithMinorTags("mobile"))
	require.NoError(t, err)
	require.NoError(t, store.store(ctx, "login", metric.ClassEvent, []metric.Metric{m}))
	m.PrimaryTags[0] = "changed"

	found, err := store.find(ctx, "login", metric.ClassEvent, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	found[0].PrimaryTags[0] = "changed"
	found[0].MinorTags[0] = "changed"

	again, err := store.find(ctx, "login", metric.ClassEvent, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu", "web"}, again[0].PrimaryTags.Strings())
	assert.Equal(t, []string{"mobile"}, again[0].MinorTags.Strings())
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.find(ctx, "login", metric.ClassEvent, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStorage_ConcurrentStores(t *testing.T) {
	store := New()
	k, err := keeper.New(store)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m, err := metric.NewEvent("burst", keepertest.Base)
				if err != nil {
					t.Error(err)
					return
				}
				_ = k.Store(ctx, m)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, store.Len())
	assert.Len(t, k.Find(ctx, "burst", metric.ClassEvent, nil), 400)
}

func TestMemoryStorage_Stats(t *testing.T) {
	store := New()
	k, err := keeper.New(store)
	require.NoError(t, err)
	ctx := context.Background()

	e, err := metric.NewEvent("login", keepertest.Base)
	require.NoError(t, err)
	p, err := metric.NewPeriod("shift", keepertest.Base, keepertest.Base.Add(time.Hour), metric.Whole)
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, e, p))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TotalMetrics)
	assert.Equal(t, uint64(2), stats.TotalTypes)
}
