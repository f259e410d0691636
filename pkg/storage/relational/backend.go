// Package relational persists metrics in dynamically provisioned SQL tables.
//
// Every (class, type) gets its own data table keyed by the metric id split
// into four 32-bit words, a dictionary and link table per tag subsystem, and
// search session tables used to stage tag and id sets for joins. The backend
// only depends on the Store capability; SQLStore provides it on SQLite.
package relational

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/metric"
	"github.com/nicktill/tinykeep/pkg/storage"
	"github.com/nicktill/tinykeep/pkg/tags"
	"github.com/nicktill/tinykeep/pkg/timex"
)

// DefaultTagCacheSize is the number of tag dictionary keys kept in memory.
const DefaultTagCacheSize = 4096

// Config tunes the backend.
type Config struct {
	// TablePrefix is prepended to every table name.
	TablePrefix string

	// TagCacheSize bounds the tag key cache; 0 uses DefaultTagCacheSize.
	TagCacheSize int
}

// Backend implements keeper logic for both metric classes on a Store.
type Backend struct {
	store    Store
	dialect  goqu.DialectWrapper
	names    Namer
	tagCache *lru.Cache
	now      func() time.Time
}

// New creates a backend over store.
func New(store Store, cfg Config) (*Backend, error) {
	size := cfg.TagCacheSize
	if size <= 0 {
		size = DefaultTagCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "tag cache")
	}

	return &Backend{
		store:    store,
		dialect:  goqu.Dialect(store.Dialect()),
		names:    NewNamer(cfg.TablePrefix),
		tagCache: cache,
		now:      time.Now,
	}, nil
}

// Register installs the logic for both metric classes. Finds apply the time
// range and tag filters in SQL; clock filters are left to the keeper.
func (b *Backend) Register(r *keeper.Registry) error {
	for _, class := range metric.Classes {
		if err := r.RegisterEnsureClass(class, b.ensureClass); err != nil {
			return err
		}
		if err := r.RegisterEnsureType(class, b.ensureType); err != nil {
			return err
		}
		if err := r.RegisterStore(class, b.persist); err != nil {
			return err
		}
		if err := r.RegisterTypes(class, b.types); err != nil {
			return err
		}
		if err := r.RegisterFind(class, keeper.FindExact, b.find); err != nil {
			return err
		}
		if err := r.RegisterRemove(class, b.remove); err != nil {
			return err
		}
	}
	return nil
}

// Stats counts known types and stored metrics.
func (b *Backend) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	for _, class := range metric.Classes {
		if err := b.ensureClass(ctx, class); err != nil {
			return nil, err
		}
		types, err := b.types(ctx, class)
		if err != nil {
			return nil, err
		}
		stats.TotalTypes += uint64(len(types))

		for _, metricType := range types {
			rows, err := b.store.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", quote(b.tables(metricType, class).data)))
			if err != nil {
				return nil, err
			}
			if len(rows) == 1 {
				n, err := asInt64(rows[0]["n"])
				if err != nil {
					return nil, err
				}
				stats.TotalMetrics += uint64(n)
			}
		}
	}
	return stats, nil
}

// Close closes the underlying store.
func (b *Backend) Close() error {
	return b.store.Close()
}

func (b *Backend) ensureClass(ctx context.Context, class metric.Class) error {
	return b.store.CreateTable(ctx, metaTableDef(b.metaTable(class)))
}

func (b *Backend) ensureType(ctx context.Context, metricType string, class metric.Class) error {
	tt := b.tables(metricType, class)
	if err := b.store.CreateTable(ctx, metaTableDef(tt.meta)); err != nil {
		return err
	}
	for _, t := range typeSchema(tt) {
		if err := b.store.CreateTable(ctx, t); err != nil {
			return err
		}
	}

	where := Record{"metric_type": metricType}
	_, ok, err := b.store.LookupOne(ctx, tt.meta, where, "pk")
	if err != nil || ok {
		return err
	}
	if err := b.store.Insert(ctx, tt.meta, where); err != nil {
		// lost a race with another provisioner
		if _, ok, lerr := b.store.LookupOne(ctx, tt.meta, where, "pk"); lerr == nil && ok {
			return nil
		}
		return err
	}
	return nil
}

func idWhere(id ident.ID) Record {
	w := id.Words()
	return Record{"id1": int64(w[0]), "id2": int64(w[1]), "id3": int64(w[2]), "id4": int64(w[3])}
}

func dataRow(m metric.Metric) Record {
	r := idWhere(m.ID)
	r["count"] = m.Count
	if m.IsEvent() {
		r["occur"] = m.Occurrence.Unix()
		r["qty"] = m.Quantity
		return r
	}
	r["pstart"] = m.Occurrence.Unix()
	r["pstop"] = m.Stop.Unix()
	r["todstart"] = int64(timex.Hundredths(m.TodStart))
	r["todstop"] = int64(timex.Hundredths(m.TodStop))
	r["dur"] = int64(m.Duration / time.Second)
	return r
}

// persist inserts metrics not yet present and reports failures per metric.
func (b *Backend) persist(ctx context.Context, metricType string, class metric.Class, ms []metric.Metric) error {
	tt := b.tables(metricType, class)
	failed := keeper.MetricErrors{}

	for _, m := range ms {
		if err := ctx.Err(); err != nil {
			failed[m.ID] = err
			continue
		}

		_, exists, err := b.store.LookupOne(ctx, tt.data, idWhere(m.ID), "id1")
		if err != nil {
			failed[m.ID] = err
			continue
		}
		if exists {
			continue
		}

		if err := b.store.Insert(ctx, tt.data, dataRow(m)); err != nil {
			failed[m.ID] = err
			continue
		}
		if err := b.persistTags(ctx, tt, m); err != nil {
			// links cascade with the data row
			w := m.ID.Words()
			if _, derr := b.store.DeleteWhere(ctx, tt.data, "id1 = ? AND id2 = ? AND id3 = ? AND id4 = ?",
				int64(w[0]), int64(w[1]), int64(w[2]), int64(w[3])); derr != nil {
				err = multierror.Append(err, errors.Wrap(derr, "untagged row left behind"))
			}
			failed[m.ID] = err
		}
	}

	if len(failed) > 0 {
		return failed
	}
	return nil
}

func (b *Backend) persistTags(ctx context.Context, tt typeTables, m metric.Metric) error {
	for _, sub := range []struct {
		tables tagTables
		set    tags.Set
	}{
		{tt.primary, m.PrimaryTags},
		{tt.minor, m.MinorTags},
	} {
		for _, tag := range sub.set {
			tid, err := b.tagKey(ctx, sub.tables.dict, tag)
			if err != nil {
				return err
			}

			link := idWhere(m.ID)
			link["tid"] = tid
			_, ok, err := b.store.LookupOne(ctx, sub.tables.link, link, "tid")
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := b.store.Insert(ctx, sub.tables.link, link); err != nil {
				return err
			}
		}
	}
	return nil
}

// tagKey returns the dictionary key of tag, inserting it when new.
func (b *Backend) tagKey(ctx context.Context, dict, tag string) (int64, error) {
	cacheKey := dict + "\x00" + tag
	if v, ok := b.tagCache.Get(cacheKey); ok {
		return v.(int64), nil
	}

	where := Record{"tagv": tag}
	row, ok, err := b.store.LookupOne(ctx, dict, where, "pk")
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := b.store.Insert(ctx, dict, where); err != nil {
			return 0, err
		}
		if row, ok, err = b.store.LookupOne(ctx, dict, where, "pk"); err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.Errorf("tag %q missing from %s after insert", tag, dict)
		}
	}

	pk, err := asInt64(row["pk"])
	if err != nil {
		return 0, err
	}
	b.tagCache.Add(cacheKey, pk)
	return pk, nil
}

func (b *Backend) types(ctx context.Context, class metric.Class) ([]string, error) {
	query, args, err := b.dialect.From(b.metaTable(class)).Select("metric_type").Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := b.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, asString(r["metric_type"]))
	}
	return out, nil
}

var dataIDs = []interface{}{goqu.I("d.id1"), goqu.I("d.id2"), goqu.I("d.id3"), goqu.I("d.id4")}

// tagFilter requires every tag staged for the session to be linked to the
// data row "d".
func tagFilter(tg tagTables, sid int64) exp.Expression {
	return goqu.L(fmt.Sprintf(
		`(SELECT COUNT(DISTINCT s.tagv) FROM %s s `+
			`JOIN %s t ON t.tagv = s.tagv `+
			`JOIN %s x ON x.tid = t.pk `+
			`WHERE s.sid = ? AND x.id1 = d.id1 AND x.id2 = d.id2 AND x.id3 = d.id3 AND x.id4 = d.id4) `+
			`= (SELECT COUNT(*) FROM %s WHERE sid = ?)`,
		quote(tg.staging), quote(tg.dict), quote(tg.link), quote(tg.staging)), sid, sid)
}

func rangeFilter(class metric.Class, c *metric.Criteria) []exp.Expression {
	if c == nil {
		return nil
	}
	start, stop := c.Start.Unix(), c.Stop.Unix()
	if class == metric.ClassEvent {
		return []exp.Expression{goqu.I("d.occur").Gte(start), goqu.I("d.occur").Lte(stop)}
	}
	return []exp.Expression{goqu.I("d.pstart").Gte(start), goqu.I("d.pstop").Lte(stop)}
}

func (b *Backend) find(ctx context.Context, metricType string, class metric.Class, c *metric.Criteria) ([]metric.Metric, error) {
	tt := b.tables(metricType, class)
	filters := rangeFilter(class, c)

	if c == nil || (len(c.PrimaryTags) == 0 && len(c.MinorTags) == 0) {
		return b.selectMetrics(ctx, tt, metricType, filters)
	}

	var found []metric.Metric
	err := b.withSession(ctx, tt, func(s *session) error {
		for _, sub := range []struct {
			tables tagTables
			set    tags.Set
		}{
			{tt.primary, c.PrimaryTags},
			{tt.minor, c.MinorTags},
		} {
			if len(sub.set) == 0 {
				continue
			}
			if err := s.stageTags(ctx, sub.tables, sub.set); err != nil {
				return err
			}
			filters = append(filters, tagFilter(sub.tables, s.id))
		}

		var err error
		found, err = b.selectMetrics(ctx, tt, metricType, filters)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// selectMetrics loads matching data rows and then their tags.
func (b *Backend) selectMetrics(ctx context.Context, tt typeTables, metricType string, filters []exp.Expression) ([]metric.Metric, error) {
	cols := append([]interface{}{}, dataIDs...)
	order := "d.occur"
	if tt.class == metric.ClassEvent {
		cols = append(cols, goqu.I("d.count"), goqu.I("d.occur"), goqu.I("d.qty"))
	} else {
		cols = append(cols, goqu.I("d.count"), goqu.I("d.pstart"), goqu.I("d.pstop"),
			goqu.I("d.todstart"), goqu.I("d.todstop"), goqu.I("d.dur"))
		order = "d.pstart"
	}

	query, args, err := b.dialect.From(goqu.T(tt.data).As("d")).
		Select(cols...).
		Where(filters...).
		Order(goqu.I(order).Asc(), goqu.I("d.id1").Asc(), goqu.I("d.id2").Asc(), goqu.I("d.id3").Asc(), goqu.I("d.id4").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := b.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make([]metric.Metric, 0, len(rows))
	index := make(map[ident.ID]int, len(rows))
	for _, r := range rows {
		m, err := decodeRow(metricType, tt.class, r)
		if err != nil {
			return nil, err
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if len(out) == 0 {
		return out, nil
	}

	primary, err := b.loadTags(ctx, tt, tt.primary, filters)
	if err != nil {
		return nil, err
	}
	minor, err := b.loadTags(ctx, tt, tt.minor, filters)
	if err != nil {
		return nil, err
	}
	for id, i := range index {
		out[i].PrimaryTags = tags.NewSet(primary[id]...)
		out[i].MinorTags = tags.NewSet(minor[id]...)
	}
	return out, nil
}

// loadTags fetches the tags of every data row selected by filters.
func (b *Backend) loadTags(ctx context.Context, tt typeTables, tg tagTables, filters []exp.Expression) (map[ident.ID][]string, error) {
	query, args, err := b.dialect.From(goqu.T(tg.link).As("x")).
		Join(goqu.T(tg.dict).As("t"), goqu.On(goqu.I("t.pk").Eq(goqu.I("x.tid")))).
		Join(goqu.T(tt.data).As("d"), goqu.On(
			goqu.I("d.id1").Eq(goqu.I("x.id1")),
			goqu.I("d.id2").Eq(goqu.I("x.id2")),
			goqu.I("d.id3").Eq(goqu.I("x.id3")),
			goqu.I("d.id4").Eq(goqu.I("x.id4")),
		)).
		Select(append(append([]interface{}{}, dataIDs...), goqu.I("t.tagv"))...).
		Where(filters...).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := b.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make(map[ident.ID][]string)
	for _, r := range rows {
		id, err := decodeID(r)
		if err != nil {
			return nil, err
		}
		out[id] = append(out[id], asString(r["tagv"]))
	}
	return out, nil
}

func (b *Backend) remove(ctx context.Context, metricType string, class metric.Class, ids []ident.ID) error {
	tt := b.tables(metricType, class)
	return b.withSession(ctx, tt, func(s *session) error {
		if err := s.stageIDs(ctx, ids); err != nil {
			return err
		}
		data := quote(tt.data)
		_, err := b.store.DeleteWhere(ctx, tt.data, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s s WHERE s.sid = ? `+
				`AND s.mid1 = %s.id1 AND s.mid2 = %s.id2 AND s.mid3 = %s.id3 AND s.mid4 = %s.id4)`,
			quote(tt.ids), data, data, data, data), s.id)
		return err
	})
}

func decodeID(r Record) (ident.ID, error) {
	var w [4]uint32
	for i, col := range idColumns {
		v, err := asInt64(r[col])
		if err != nil {
			return ident.Zero, errors.Wrapf(err, "column %s", col)
		}
		w[i] = uint32(v)
	}
	return ident.FromWords(w), nil
}

func decodeRow(metricType string, class metric.Class, r Record) (metric.Metric, error) {
	id, err := decodeID(r)
	if err != nil {
		return metric.Metric{}, err
	}

	ints := make(map[string]int64, len(r))
	for col, v := range r {
		if col == "tagv" {
			continue
		}
		n, err := asInt64(v)
		if err != nil {
			return metric.Metric{}, errors.Wrapf(err, "column %s", col)
		}
		ints[col] = n
	}

	m := metric.Metric{
		ID:    id,
		Type:  metricType,
		Class: class,
		Count: ints["count"],
	}
	if class == metric.ClassEvent {
		m.Occurrence = time.Unix(ints["occur"], 0).UTC()
		m.Quantity = ints["qty"]
		return m, nil
	}

	m.Occurrence = time.Unix(ints["pstart"], 0).UTC()
	m.Stop = time.Unix(ints["pstop"], 0).UTC()
	m.TodStart = timex.FromHundredths(int(ints["todstart"]))
	m.TodStop = timex.FromHundredths(int(ints["todstop"]))
	m.Duration = time.Duration(ints["dur"]) * time.Second
	return m, nil
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, errors.Errorf("unexpected integer value %T", v)
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}
