package relational

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/keeper/keepertest"
	"github.com/nicktill/tinykeep/pkg/metric"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBackend(t *testing.T, store Store, prefix string) *Backend {
	t.Helper()
	b, err := New(store, Config{TablePrefix: prefix, TagCacheSize: 16})
	require.NoError(t, err)
	return b
}

func TestRelational_Conformance(t *testing.T) {
	keepertest.Run(t, func(t *testing.T) keeper.Backend {
		return newTestBackend(t, openTestStore(t), "")
	})
}

func TestRelational_ConformanceWithPrefix(t *testing.T) {
	keepertest.Run(t, func(t *testing.T) keeper.Backend {
		return newTestBackend(t, openTestStore(t), "Tiny Keep")
	})
}

func countRows(t *testing.T, store Store, table string) int64 {
	t.Helper()
	rows, err := store.Query(context.Background(), fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", quote(table)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	n, err := asInt64(rows[0]["n"])
	require.NoError(t, err)
	return n
}

func assertNoSessions(t *testing.T, store Store, tt typeTables) {
	t.Helper()
	for _, table := range []string{tt.session, tt.primary.staging, tt.minor.staging, tt.ids} {
		assert.Zero(t, countRows(t, store, table), "rows left in %s", table)
	}
}

func seed(t *testing.T, k *keeper.Keeper, n int) []metric.Metric {
	t.Helper()
	var batch []metric.Metric
	for i := 0; i < n; i++ {
		m, err := metric.NewEvent("login", keepertest.Base.Add(time.Duration(i)*time.Minute),
			metric.WithPrimaryTags("web", fmt.Sprintf("p%d", i%2)), metric.WithMinorTags(fmt.Sprintf("m%d", i%3)))
		require.NoError(t, err)
		batch = append(batch, m)
	}
	require.NoError(t, k.Store(context.Background(), batch...))
	return batch
}

func TestRelational_SessionsCleanedUp(t *testing.T) {
	store := openTestStore(t)
	b := newTestBackend(t, store, "")
	k, err := keeper.New(b)
	require.NoError(t, err)
	ctx := context.Background()

	batch := seed(t, k, 12)
	tt := b.tables("login", metric.ClassEvent)

	c, err := metric.NewCriteria(keepertest.Base, keepertest.Base.Add(time.Hour),
		metric.WithPrimary("web", "p1"), metric.WithMinor("m0"))
	require.NoError(t, err)
	found := k.Find(ctx, "login", metric.ClassEvent, &c)
	assert.Len(t, found, 2) // i in {3, 9}
	assertNoSessions(t, store, tt)

	k.Remove(ctx, "login", metric.ClassEvent, batch[0].ID, batch[1].ID, batch[1].ID)
	assert.Len(t, k.Find(ctx, "login", metric.ClassEvent, nil), 10)
	assertNoSessions(t, store, tt)
}

func TestRelational_ConcurrentFinds(t *testing.T) {
	store := openTestStore(t)
	b := newTestBackend(t, store, "")
	k, err := keeper.New(b)
	require.NoError(t, err)
	seed(t, k, 30)

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			c, err := metric.NewCriteria(keepertest.Base, keepertest.Base.Add(time.Hour), metric.WithPrimary(fmt.Sprintf("p%d", g%2)))
			if !assert.NoError(t, err) {
				return
			}
			assert.Len(t, k.Find(context.Background(), "login", metric.ClassEvent, &c), 15)
		}(g)
	}
	wg.Wait()
	assertNoSessions(t, store, b.tables("login", metric.ClassEvent))
}

// flakyStore fails selected capability calls.
type flakyStore struct {
	*SQLStore
	failQuery  bool
	failDelete string
	failLinks  bool
}

func (s *flakyStore) Query(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	if s.failQuery {
		return nil, errors.New("query refused")
	}
	return s.SQLStore.Query(ctx, query, args...)
}

func (s *flakyStore) DeleteWhere(ctx context.Context, table string, predicate string, args ...interface{}) (int64, error) {
	if s.failDelete != "" && table == s.failDelete {
		return 0, errors.New("delete refused")
	}
	return s.SQLStore.DeleteWhere(ctx, table, predicate, args...)
}

func (s *flakyStore) Insert(ctx context.Context, table string, rows ...Record) error {
	if s.failLinks && strings.HasSuffix(table, "_ptx") {
		return errors.New("insert refused")
	}
	return s.SQLStore.Insert(ctx, table, rows...)
}

func TestRelational_SessionCleanupOnFailure(t *testing.T) {
	flaky := &flakyStore{SQLStore: openTestStore(t)}
	b := newTestBackend(t, flaky, "")
	log := &keepertest.Logger{}
	k, err := keeper.New(b, keeper.WithLogger(log))
	require.NoError(t, err)
	batch := seed(t, k, 4)
	tt := b.tables("login", metric.ClassEvent)
	ctx := context.Background()

	c, err := metric.NewCriteria(keepertest.Base, keepertest.Base.Add(time.Hour), metric.WithPrimary("web"))
	require.NoError(t, err)

	flaky.failQuery = true
	assert.Empty(t, k.Find(ctx, "login", metric.ClassEvent, &c))
	assert.Equal(t, 1, log.Count())
	flaky.failQuery = false
	assertNoSessions(t, flaky, tt)

	flaky.failDelete = tt.data
	k.Remove(ctx, "login", metric.ClassEvent, batch[0].ID)
	assert.Equal(t, 2, log.Count())
	flaky.failDelete = ""
	assertNoSessions(t, flaky, tt)
	assert.Len(t, k.Find(ctx, "login", metric.ClassEvent, nil), 4)
}

func TestRelational_CleanupErrorsAreReported(t *testing.T) {
	flaky := &flakyStore{SQLStore: openTestStore(t)}
	b := newTestBackend(t, flaky, "")
	ctx := context.Background()
	require.NoError(t, b.ensureType(ctx, "login", metric.ClassEvent))
	tt := b.tables("login", metric.ClassEvent)

	flaky.failDelete = tt.ids
	err := b.remove(ctx, "login", metric.ClassEvent, []ident.ID{ident.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close search session")
}

func TestRelational_FailedTagsRollBackMetric(t *testing.T) {
	flaky := &flakyStore{SQLStore: openTestStore(t)}
	b := newTestBackend(t, flaky, "")
	log := &keepertest.Logger{}
	k, err := keeper.New(b, keeper.WithLogger(log))
	require.NoError(t, err)
	ctx := context.Background()

	plain, err := metric.NewEvent("login", keepertest.Base, metric.WithMinorTags("m"))
	require.NoError(t, err)
	tagged, err := metric.NewEvent("login", keepertest.Base, metric.WithPrimaryTags("p"))
	require.NoError(t, err)

	flaky.failLinks = true
	require.NoError(t, k.Store(ctx, plain, tagged))
	assert.Equal(t, 1, log.Count())

	found := k.Find(ctx, "login", metric.ClassEvent, nil)
	require.Len(t, found, 1)
	assert.Equal(t, plain.ID, found[0].ID)
}

func TestRelational_FailedRollbackIsReported(t *testing.T) {
	flaky := &flakyStore{SQLStore: openTestStore(t)}
	b := newTestBackend(t, flaky, "")
	ctx := context.Background()
	require.NoError(t, b.ensureType(ctx, "login", metric.ClassEvent))
	tt := b.tables("login", metric.ClassEvent)

	tagged, err := metric.NewEvent("login", keepertest.Base, metric.WithPrimaryTags("p"))
	require.NoError(t, err)

	flaky.failLinks = true
	flaky.failDelete = tt.data
	err = b.persist(ctx, "login", metric.ClassEvent, []metric.Metric{tagged})
	require.Error(t, err)

	var failed keeper.MetricErrors
	require.True(t, errors.As(err, &failed))
	require.Contains(t, failed, tagged.ID)
	assert.Contains(t, failed[tagged.ID].Error(), "insert refused")
	assert.Contains(t, failed[tagged.ID].Error(), "untagged row left behind")
}

func TestRelational_PersistedEncoding(t *testing.T) {
	store := openTestStore(t)
	b := newTestBackend(t, store, "")
	k, err := keeper.New(b)
	require.NoError(t, err)
	ctx := context.Background()

	id := ident.FromUint64(0xffffffff00000001, 0x80000000_7fffffff)
	p, err := metric.NewPeriod("shift", keepertest.Base, keepertest.Base.Add(90*time.Minute+30*time.Second), metric.Whole,
		metric.WithID(id), metric.WithUTCTodStart(9.25))
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, p))

	tt := b.tables("shift", metric.ClassPeriod)
	rows, err := store.Query(ctx, fmt.Sprintf("SELECT * FROM %s", quote(tt.data)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.EqualValues(t, 0xffffffff, r["id1"])
	assert.EqualValues(t, 1, r["id2"])
	assert.EqualValues(t, 0x80000000, r["id3"])
	assert.EqualValues(t, 0x7fffffff, r["id4"])
	assert.EqualValues(t, 925, r["todstart"])
	assert.EqualValues(t, 1350, r["todstop"])
	assert.EqualValues(t, 5430, r["dur"])
	assert.EqualValues(t, keepertest.Base.Unix(), r["pstart"])

	found := k.Find(ctx, "shift", metric.ClassPeriod, nil)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
	assert.Equal(t, 90*time.Minute+30*time.Second, found[0].Duration)
}

func TestRelational_EnsureTypeIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	b := newTestBackend(t, store, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.ensureClass(ctx, metric.ClassEvent))
		require.NoError(t, b.ensureType(ctx, "login", metric.ClassEvent))
	}
	types, err := b.types(ctx, metric.ClassEvent)
	require.NoError(t, err)
	assert.Equal(t, []string{"login"}, types)
}

func TestNamer(t *testing.T) {
	n := NewNamer("")
	assert.Equal(t, "event_login_pt", n.Table("event", "login", "pt"))
	assert.Equal(t, "meta_period", n.Table("meta", "period"))

	long := n.Table("event", "a.very.long.metric.type.name", "sch")
	parts := strings.Split(long, "_")
	assert.True(t, strings.HasPrefix(long, "event_a_very_long_"), long)
	assert.LessOrEqual(t, len(long), len("event_")+MaxPartLength+len("_sch"))
	assert.Len(t, parts[len(parts)-2], 8)

	assert.NotEqual(t, n.Table("event", "Login"), n.Table("event", "login"))
	assert.NotEqual(t, n.Table("event", "a.b"), n.Table("event", "a_b"))
	assert.NotEqual(t,
		n.Table("event", "checkout.completed.mobile"),
		n.Table("event", "checkout.completed.desktop"))

	prefixed := NewNamer("My App!")
	assert.True(t, strings.HasPrefix(prefixed.Table("event", "login"), "my_app__"))
}

func TestNamer_Bounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		raw := strings.Repeat(fmt.Sprintf("Type-%d.", i), i%12+1)
		part := sanitizePart(raw)
		assert.LessOrEqual(t, len(part), MaxPartLength, raw)
		for _, r := range part {
			assert.True(t, r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'), part)
		}
	}
}

func TestTableDDL(t *testing.T) {
	tt := (&Backend{names: NewNamer("")}).tables("login", metric.ClassEvent)
	ddl := tagLinkDef(tt.primary, tt.data).DDL()
	require.Len(t, ddl, 2)
	assert.Contains(t, ddl[0], `CREATE TABLE IF NOT EXISTS "event_login_ptx"`)
	assert.Contains(t, ddl[0], `PRIMARY KEY ("tid", "id1", "id2", "id3", "id4")`)
	assert.Contains(t, ddl[0], `FOREIGN KEY ("id1", "id2", "id3", "id4") REFERENCES "event_login" ("id1", "id2", "id3", "id4") ON DELETE CASCADE`)
	assert.Contains(t, ddl[1], `CREATE INDEX IF NOT EXISTS "event_login_ptx_ix0"`)
}

func TestRelational_Stats(t *testing.T) {
	b := newTestBackend(t, openTestStore(t), "")
	k, err := keeper.New(b)
	require.NoError(t, err)
	ctx := context.Background()
	seed(t, k, 5)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.TotalMetrics)
	assert.Equal(t, uint64(1), stats.TotalTypes)
}
