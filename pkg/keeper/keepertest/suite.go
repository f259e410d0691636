// Package keepertest holds the behaviour every keeper backend must share.
package keepertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/metric"
	"github.com/nicktill/tinykeep/pkg/tags"
)

// Factory returns a fresh, empty backend. Cleanup belongs on t.
type Factory func(t *testing.T) keeper.Backend

// Logger collects error messages for assertions.
type Logger struct {
	mu   sync.Mutex
	Msgs []string
}

func (l *Logger) Error(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Msgs = append(l.Msgs, msg)
}

// Count returns the number of messages logged so far.
func (l *Logger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Msgs)
}

// Base is a Sunday noon, the anchor for every instant in the suite.
var Base = time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC)

func newKeeper(t *testing.T, factory Factory, opts ...keeper.Option) (*keeper.Keeper, *Logger) {
	t.Helper()
	log := &Logger{}
	k, err := keeper.New(factory(t), append([]keeper.Option{keeper.WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return k, log
}

func allTime(t *testing.T) *metric.Criteria {
	t.Helper()
	c, err := metric.NewCriteria(Base.AddDate(-1, 0, 0), Base.AddDate(1, 0, 0))
	require.NoError(t, err)
	return &c
}

func ids(ms []metric.Metric) []ident.ID {
	out := make([]ident.ID, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// Run executes the shared suite against backends built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("EventRoundTrip", func(t *testing.T) { testEventRoundTrip(t, factory) })
	t.Run("PeriodRoundTrip", func(t *testing.T) { testPeriodRoundTrip(t, factory) })
	t.Run("StoreDeduplicates", func(t *testing.T) { testStoreDeduplicates(t, factory) })
	t.Run("TagAndSemantics", func(t *testing.T) { testTagAndSemantics(t, factory) })
	t.Run("TimeRange", func(t *testing.T) { testTimeRange(t, factory) })
	t.Run("ClockFiltersUniform", func(t *testing.T) { testClockFiltersUniform(t, factory) })
	t.Run("MetricTypes", func(t *testing.T) { testMetricTypes(t, factory) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, factory) })
	t.Run("RemoveMany", func(t *testing.T) { testRemoveMany(t, factory) })
	t.Run("TypesAreIsolated", func(t *testing.T) { testTypesAreIsolated(t, factory) })
}

func testEventRoundTrip(t *testing.T, factory Factory) {
	k, log := newKeeper(t, factory)
	ctx := context.Background()

	e, err := metric.NewEvent("login", Base,
		metric.WithQuantity(4), metric.WithCount(5),
		metric.WithPrimaryTags("a", "b", "c"), metric.WithMinorTags("x", "y", "z"))
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, e))

	for _, c := range []*metric.Criteria{nil, allTime(t)} {
		found := k.Find(ctx, "login", metric.ClassEvent, c)
		require.Len(t, found, 1)
		got := found[0]
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, metric.ClassEvent, got.Class)
		assert.Equal(t, "login", got.Type)
		assert.Equal(t, int64(4), got.Quantity)
		assert.Equal(t, int64(5), got.Count)
		assert.True(t, e.Occurrence.Equal(got.Occurrence))
		assert.True(t, e.PrimaryTags.Equal(got.PrimaryTags), "primary %v", got.PrimaryTags)
		assert.True(t, e.MinorTags.Equal(got.MinorTags), "minor %v", got.MinorTags)
	}

	k.Remove(ctx, "login", metric.ClassEvent, e.ID)
	assert.Empty(t, k.Find(ctx, "login", metric.ClassEvent, nil))
	assert.Zero(t, log.Count(), "%v", log.Msgs)
}

func testPeriodRoundTrip(t *testing.T, factory Factory) {
	k, log := newKeeper(t, factory)
	ctx := context.Background()

	p, err := metric.NewPeriod("shift", Base.Add(-3*time.Hour-30*time.Minute), Base.Add(5*time.Hour+15*time.Minute), metric.Whole,
		metric.WithCount(2), metric.WithPrimaryTags("night"), metric.WithUTCTodStop(17.5))
	require.NoError(t, err)
	explicit, err := metric.NewPeriod("shift", Base, Base.Add(time.Hour), 20*time.Minute)
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, p, explicit))

	found := k.Find(ctx, "shift", metric.ClassPeriod, nil)
	require.Len(t, found, 2)
	byID := map[ident.ID]metric.Metric{found[0].ID: found[0], found[1].ID: found[1]}

	got := byID[p.ID]
	assert.Equal(t, metric.ClassPeriod, got.Class)
	assert.True(t, p.Occurrence.Equal(got.Occurrence))
	assert.True(t, p.Stop.Equal(got.Stop))
	assert.Equal(t, 8*time.Hour+45*time.Minute, got.Duration)
	assert.InDelta(t, 8.5, got.TodStart, 1e-9)
	assert.InDelta(t, 17.5, got.TodStop, 1e-9)
	assert.Equal(t, int64(2), got.Count)
	assert.Equal(t, tags.Set{"night"}, got.PrimaryTags)

	assert.Equal(t, 20*time.Minute, byID[explicit.ID].Duration)
	assert.Zero(t, log.Count(), "%v", log.Msgs)
}

func testStoreDeduplicates(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory)
	ctx := context.Background()

	e, err := metric.NewEvent("login", Base)
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, e))
	require.NoError(t, k.Store(ctx, e, e))

	assert.Len(t, k.Find(ctx, "login", metric.ClassEvent, nil), 1)
}

func testTagAndSemantics(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory)
	ctx := context.Background()

	first, err := metric.NewEvent("click", Base, metric.WithPrimaryTags("p0", "p1"), metric.WithMinorTags("m0"))
	require.NoError(t, err)
	second, err := metric.NewEvent("click", Base, metric.WithPrimaryTags("p0", "p2"), metric.WithMinorTags("m0", "m1"))
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, first, second))

	find := func(opts ...metric.CriteriaOption) []ident.ID {
		c, err := metric.NewCriteria(Base.Add(-time.Hour), Base.Add(time.Hour), opts...)
		require.NoError(t, err)
		return ids(k.Find(ctx, "click", metric.ClassEvent, &c))
	}

	assert.Equal(t, []ident.ID{first.ID}, find(metric.WithPrimary("p0", "p1")))
	assert.ElementsMatch(t, []ident.ID{first.ID, second.ID}, find(metric.WithPrimary("p0")))
	assert.Equal(t, []ident.ID{second.ID}, find(metric.WithPrimary("p0"), metric.WithMinor("m1")))
	assert.Empty(t, find(metric.WithPrimary("p1", "p2")))
	assert.Empty(t, find(metric.WithMinor("unknown")))
}

func testTimeRange(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory)
	ctx := context.Background()

	var all []metric.Metric
	for h := 0; h < 6; h++ {
		e, err := metric.NewEvent("tick", Base.Add(time.Duration(h)*time.Hour))
		require.NoError(t, err)
		all = append(all, e)
	}
	inside, err := metric.NewPeriod("span", Base, Base.Add(2*time.Hour), metric.Whole)
	require.NoError(t, err)
	overruns, err := metric.NewPeriod("span", Base.Add(time.Hour), Base.Add(4*time.Hour), metric.Whole)
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, append(all, inside, overruns)...))

	c, err := metric.NewCriteria(Base.Add(time.Hour), Base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(all[1:4]), ids(k.Find(ctx, "tick", metric.ClassEvent, &c)))

	c, err = metric.NewCriteria(Base, Base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []ident.ID{inside.ID}, ids(k.Find(ctx, "span", metric.ClassPeriod, &c)))
}

func testClockFiltersUniform(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory, keeper.WithUniformMatching())
	ctx := context.Background()

	late, err := metric.NewEvent("ping", Base.Add(11*time.Hour+30*time.Minute)) // Sunday 23:30
	require.NoError(t, err)
	early, err := metric.NewEvent("ping", Base.Add(12*time.Hour+15*time.Minute)) // Monday 00:15
	require.NoError(t, err)
	noon, err := metric.NewEvent("ping", Base) // Sunday 12:00
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, late, early, noon))

	c, err := metric.NewCriteria(Base.Add(-time.Hour), Base.Add(24*time.Hour), metric.WithTodRange(23, 0.5))
	require.NoError(t, err)
	assert.ElementsMatch(t, []ident.ID{late.ID, early.ID}, ids(k.Find(ctx, "ping", metric.ClassEvent, &c)))

	c, err = metric.NewCriteria(Base.Add(-time.Hour), Base.Add(24*time.Hour), metric.WithDayOfWeek(time.Monday))
	require.NoError(t, err)
	assert.Equal(t, []ident.ID{early.ID}, ids(k.Find(ctx, "ping", metric.ClassEvent, &c)))
}

func testMetricTypes(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory)
	ctx := context.Background()

	var batch []metric.Metric
	for _, name := range []string{"signup", "login", "a.very.long.metric.type.name.that.needs.truncating"} {
		e, err := metric.NewEvent(name, Base)
		require.NoError(t, err)
		batch = append(batch, e)
	}
	require.NoError(t, k.Store(ctx, batch...))

	assert.Equal(t, []string{"a.very.long.metric.type.name.that.needs.truncating", "login", "signup"},
		k.MetricTypes(ctx, metric.ClassEvent))
	assert.Empty(t, k.MetricTypes(ctx, metric.ClassPeriod))
}

func testReplace(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory)
	ctx := context.Background()

	old, err := metric.NewEvent("login", Base, metric.WithPrimaryTags("old"))
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, old))

	fresh, err := metric.NewEvent("login", Base.Add(time.Minute), metric.WithPrimaryTags("new"))
	require.NoError(t, err)
	require.NoError(t, k.Replace(ctx, fresh, old.ID))

	found := k.Find(ctx, "login", metric.ClassEvent, nil)
	require.Len(t, found, 1)
	assert.Equal(t, fresh.ID, found[0].ID)
	assert.Equal(t, tags.Set{"new"}, found[0].PrimaryTags)
}

func testRemoveMany(t *testing.T, factory Factory) {
	k, log := newKeeper(t, factory)
	ctx := context.Background()

	var batch []metric.Metric
	for i := 0; i < 25; i++ {
		e, err := metric.NewEvent("bulk", Base.Add(time.Duration(i)*time.Second), metric.WithPrimaryTags(fmt.Sprintf("t%d", i%3)))
		require.NoError(t, err)
		batch = append(batch, e)
	}
	require.NoError(t, k.Store(ctx, batch...))

	var drop []ident.ID
	for i := 0; i < len(batch); i += 2 {
		drop = append(drop, batch[i].ID)
	}
	drop = append(drop, ident.New())
	k.Remove(ctx, "bulk", metric.ClassEvent, drop...)

	remaining := k.Find(ctx, "bulk", metric.ClassEvent, nil)
	assert.Len(t, remaining, 12)
	for _, m := range remaining {
		assert.NotContains(t, drop, m.ID)
	}
	assert.Zero(t, log.Count(), "%v", log.Msgs)
}

func testTypesAreIsolated(t *testing.T, factory Factory) {
	k, _ := newKeeper(t, factory)
	ctx := context.Background()

	e, err := metric.NewEvent("shared", Base)
	require.NoError(t, err)
	p, err := metric.NewPeriod("shared", Base, Base.Add(time.Hour), metric.Whole)
	require.NoError(t, err)
	require.NoError(t, k.Store(ctx, e, p))

	assert.Equal(t, []ident.ID{e.ID}, ids(k.Find(ctx, "shared", metric.ClassEvent, nil)))
	assert.Equal(t, []ident.ID{p.ID}, ids(k.Find(ctx, "shared", metric.ClassPeriod, nil)))
	assert.Empty(t, k.Find(ctx, "other", metric.ClassEvent, nil))
}
