package memory

import (
	"context"
	"sync"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/metric"
	"github.com/nicktill/tinykeep/pkg/storage"
)

// Storage stores metrics in memory. Data is lost on restart.
// Useful for testing and as the reference for other backends: find returns
// everything and the keeper applies the criteria.
type Storage struct {
	mu      sync.RWMutex
	metrics map[metric.Class]map[string][]metric.Metric
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		metrics: make(map[metric.Class]map[string][]metric.Metric),
	}
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
		if err := r.RegisterFind(class, keeper.FindRaw, s.find); err != nil {
			return err
		}
		if err := r.RegisterRemove(class, s.remove); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) ensureClass(_ context.Context, class metric.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metrics[class]; !ok {
		s.metrics[class] = make(map[string][]metric.Metric)
	}
	return nil
}

func (s *Storage) ensureType(ctx context.Context, metricType string, class metric.Class) error {
	if err := s.ensureClass(ctx, class); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metrics[class][metricType]; !ok {
		s.metrics[class][metricType] = make([]metric.Metric, 0, 64)
	}
	return nil
}

// store appends metrics whose id is not already present.
func (s *Storage) store(ctx context.Context, metricType string, class metric.Class, ms []metric.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.metrics[class][metricType]
	seen := make(map[ident.ID]struct{}, len(list)+len(ms))
	for _, m := range list {
		seen[m.ID] = struct{}{}
	}
	for _, m := range ms {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		list = append(list, detached(m))
	}

	if s.metrics[class] == nil {
		s.metrics[class] = make(map[string][]metric.Metric)
	}
	s.metrics[class][metricType] = list
	return nil
}

// detached copies m so no tag slice is shared with callers.
func detached(m metric.Metric) metric.Metric {
	m.PrimaryTags = m.PrimaryTags.Clone()
	m.MinorTags = m.MinorTags.Clone()
	return m
}

func (s *Storage) types(_ context.Context, class metric.Class) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.metrics[class]))
	for metricType := range s.metrics[class] {
		out = append(out, metricType)
	}
	return out, nil
}

// find returns a copy of every metric of the type in insertion order.
func (s *Storage) find(ctx context.Context, metricType string, class metric.Class, _ *metric.Criteria) ([]metric.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.metrics[class][metricType]
	out := make([]metric.Metric, len(list))
	for i, m := range list {
		out[i] = detached(m)
	}
	return out, nil
}

func (s *Storage) remove(ctx context.Context, metricType string, class metric.Class, ids []ident.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	drop := make(map[ident.ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.metrics[class][metricType]
	if list == nil {
		return nil
	}
	filtered := make([]metric.Metric, 0, len(list))
	for _, m := range list {
		if _, ok := drop[m.ID]; !ok {
			filtered = append(filtered, m)
		}
	}
	s.metrics[class][metricType] = filtered
	return nil
}

// Len reports how many metrics are held across all classes and types.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byType := range s.metrics {
		for _, list := range byType {
			n += len(list)
		}
	}
	return n
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{}
	for _, byType := range s.metrics {
		stats.TotalTypes += uint64(len(byType))
		for _, list := range byType {
			stats.TotalMetrics += uint64(len(list))
		}
	}
	return stats, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
