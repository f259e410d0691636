package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/metric"
	"github.com/nicktill/tinykeep/pkg/storage"
	"github.com/nicktill/tinykeep/pkg/tags"
	"github.com/nicktill/tinykeep/pkg/timex"
)

var _ storage.Backend = (*Storage)(nil)

// Key layout:
//
//	m/<class>/<type>                      known type, empty value
//	d/<series><occurrence><id>            record JSON
//	i/<series><id>                        occurrence, for lookups by id
//
// series is xxhash64 of "<class>/<type>"; occurrence is big endian Unix
// seconds with the sign bit flipped so keys sort in time order.
var (
	metaPrefix  = []byte("m/")
	dataPrefix  = []byte("d/")
	indexPrefix = []byte("i/")
)

// slowScan is the scan duration after which a warning is logged.
const slowScan = 5 * time.Second

// Storage implements the keeper backend using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Default: 16 MB memtable, below which flushes get excessive
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// Block and index caches grow without bound unless capped
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}

	return &Storage{db: db}, nil
}

// Register installs the logic for both metric classes.
func (s *Storage) Register(r *keeper.Registry) error {
	for _, class := range metric.Classes {
		if err := r.RegisterEnsureClass(class, s.ensureClass); err != nil {
			return err
		}
		if err := r.RegisterEnsureType(class, s.ensureType); err != nil {
			return err
		}
		if err := r.RegisterStore(class, s.store); err != nil {
			return err
		}
		if err := r.RegisterTypes(class, s.types); err != nil {
			return err
		}
		if err := r.RegisterFind(class, keeper.FindExact, s.find); err != nil {
			return err
		}
		if err := r.RegisterRemove(class, s.remove); err != nil {
			return err
		}
	}
	return nil
}

// run executes fn on its own goroutine so a cancelled ctx releases the
// caller even while badger is still busy.
func run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s operation cancelled", op)
	}
}

// cancelled polls ctx every 1000 iterations.
func cancelled(ctx context.Context, i int) error {
	if i%1000 != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func metaKey(class metric.Class, metricType string) []byte {
	return []byte(string(metaPrefix) + string(class) + "/" + metricType)
}

func seriesHash(class metric.Class, metricType string) uint64 {
	return xxhash.Sum64String(string(class) + "/" + metricType)
}

func encodeOccurrence(t time.Time) uint64 {
	return uint64(t.Unix()) ^ (1 << 63)
}

func seriesPrefix(prefix []byte, series uint64) []byte {
	key := make([]byte, len(prefix)+8, len(prefix)+8+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], series)
	return key
}

func dataKey(series uint64, occurrence uint64, id ident.ID) []byte {
	key := seriesPrefix(dataPrefix, series)
	key = binary.BigEndian.AppendUint64(key, occurrence)
	return append(key, id[:]...)
}

func indexKey(series uint64, id ident.ID) []byte {
	return append(seriesPrefix(indexPrefix, series), id[:]...)
}

// record is the stored form of a metric.
type record struct {
	ID         ident.ID `json:"id"`
	Count      int64    `json:"count"`
	Occurrence int64    `json:"occurrence"`
	Quantity   int64    `json:"quantity,omitempty"`
	Stop       int64    `json:"stop,omitempty"`
	Duration   int64    `json:"duration,omitempty"`
	TodStart   int      `json:"tod_start,omitempty"`
	TodStop    int      `json:"tod_stop,omitempty"`
	Primary    []string `json:"primary,omitempty"`
	Minor      []string `json:"minor,omitempty"`
}

func encodeMetric(m metric.Metric) ([]byte, error) {
	r := record{
		ID:         m.ID,
		Count:      m.Count,
		Occurrence: m.Occurrence.Unix(),
		Quantity:   m.Quantity,
		Primary:    m.PrimaryTags.Strings(),
		Minor:      m.MinorTags.Strings(),
	}
	if m.IsPeriod() {
		r.Stop = m.Stop.Unix()
		r.Duration = int64(m.Duration / time.Second)
		r.TodStart = timex.Hundredths(m.TodStart)
		r.TodStop = timex.Hundredths(m.TodStop)
	}
	return json.Marshal(r)
}

func decodeMetric(metricType string, class metric.Class, data []byte) (metric.Metric, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return metric.Metric{}, errors.Wrap(err, "failed to decode metric")
	}

	m := metric.Metric{
		ID:          r.ID,
		Type:        metricType,
		Class:       class,
		Occurrence:  time.Unix(r.Occurrence, 0).UTC(),
		Count:       r.Count,
		PrimaryTags: tags.NewSet(r.Primary...),
		MinorTags:   tags.NewSet(r.Minor...),
	}
	if class == metric.ClassEvent {
		m.Quantity = r.Quantity
		return m, nil
	}
	m.Stop = time.Unix(r.Stop, 0).UTC()
	m.Duration = time.Duration(r.Duration) * time.Second
	m.TodStart = timex.FromHundredths(r.TodStart)
	m.TodStop = timex.FromHundredths(r.TodStop)
	return m, nil
}

// ensureClass has nothing to provision; keys are created on write.
func (s *Storage) ensureClass(ctx context.Context, _ metric.Class) error {
	return ctx.Err()
}

func (s *Storage) ensureType(ctx context.Context, metricType string, class metric.Class) error {
	return run(ctx, "ensure type", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			key := metaKey(class, metricType)
			if _, err := txn.Get(key); err == nil {
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(key, nil)
		})
	})
}

// store writes metrics whose id is not already indexed. Each metric is
// written in its own transaction so one failure does not sink the group.
func (s *Storage) store(ctx context.Context, metricType string, class metric.Class, ms []metric.Metric) error {
	series := seriesHash(class, metricType)
	failed := keeper.MetricErrors{}

	err := run(ctx, "write", func() error {
		for i, m := range ms {
			if err := cancelled(ctx, i); err != nil {
				return err
			}

			value, err := encodeMetric(m)
			if err != nil {
				failed[m.ID] = err
				continue
			}
			occ := encodeOccurrence(m.Occurrence)

			err = s.db.Update(func(txn *badger.Txn) error {
				ik := indexKey(series, m.ID)
				if _, err := txn.Get(ik); err == nil {
					return nil
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}

				var occBuf [8]byte
				binary.BigEndian.PutUint64(occBuf[:], occ)
				if err := txn.Set(ik, occBuf[:]); err != nil {
					return err
				}
				return txn.Set(dataKey(series, occ, m.ID), value)
			})
			if err != nil {
				failed[m.ID] = errors.Wrap(err, "failed to write metric")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return failed
	}
	return nil
}

func (s *Storage) types(ctx context.Context, class metric.Class) ([]string, error) {
	var out []string
	prefix := metaKey(class, "")

	err := run(ctx, "types", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				out = append(out, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
			}
			return nil
		})
	})
	return out, err
}

// find scans the type's records in occurrence order from the criteria start
// to its stop, keeping those that pass the range and tag filters.
func (s *Storage) find(ctx context.Context, metricType string, class metric.Class, c *metric.Criteria) ([]metric.Metric, error) {
	series := seriesHash(class, metricType)
	prefix := seriesPrefix(dataPrefix, series)

	seek := prefix
	var stop []byte
	if c != nil {
		seek = binary.BigEndian.AppendUint64(append([]byte{}, prefix...), encodeOccurrence(c.Start))
		stop = binary.BigEndian.AppendUint64(append([]byte{}, prefix...), encodeOccurrence(c.Stop)+1)
	}

	var results []metric.Metric
	err := run(ctx, "query", func() error {
		startTime := time.Now()
		iterCount := 0

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(seek); it.Valid(); it.Next() {
				iterCount++
				if err := cancelled(ctx, iterCount); err != nil {
					return err
				}

				item := it.Item()
				if stop != nil && bytes.Compare(item.Key(), stop) >= 0 {
					break
				}

				err := item.Value(func(val []byte) error {
					m, err := decodeMetric(metricType, class, val)
					if err != nil {
						return err
					}
					if c == nil || m.MatchCoarse(*c) {
						results = append(results, m)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})

		if elapsed := time.Since(startTime); elapsed > slowScan {
			logrus.WithFields(logrus.Fields{
				"type":       metricType,
				"class":      class,
				"elapsed":    elapsed,
				"iterations": iterCount,
				"results":    len(results),
			}).Warn("slow badger scan")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Storage) remove(ctx context.Context, metricType string, class metric.Class, ids []ident.ID) error {
	series := seriesHash(class, metricType)

	return run(ctx, "delete", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for i, id := range ids {
				if err := cancelled(ctx, i); err != nil {
					return err
				}

				ik := indexKey(series, id)
				item, err := txn.Get(ik)
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				occBuf, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if len(occBuf) != 8 {
					return errors.Errorf("corrupt index entry for %s", id)
				}

				if err := txn.Delete(dataKey(series, binary.BigEndian.Uint64(occBuf), id)); err != nil {
					return err
				}
				if err := txn.Delete(ik); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			iterCount := 0
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if err := cancelled(ctx, iterCount); err != nil {
					return err
				}

				key := it.Item().Key()
				switch {
				case bytes.HasPrefix(key, metaPrefix):
					stats.TotalTypes++
				case bytes.HasPrefix(key, indexPrefix):
					stats.TotalMetrics++
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}
