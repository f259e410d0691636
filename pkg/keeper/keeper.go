// Package keeper is the persistence façade for metrics. It dispatches a fixed
// operation set to per-class backend logic held in a Registry, provisions
// schema lazily, and recovers from backend failures by logging them.
package keeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/metric"
)

// ErrInvalidBatch wraps every structurally invalid metric handed to Store.
var ErrInvalidBatch = errors.New("invalid metric in batch")

// Backend registers its logic for one or more metric classes.
type Backend interface {
	Register(r *Registry) error
}

// MetricErrors lets store logic report failures for individual metrics of a
// group. Metrics not listed are considered stored.
type MetricErrors map[ident.ID]error

func (e MetricErrors) Error() string {
	ids := make([]string, 0, len(e))
	for id, err := range e {
		ids = append(ids, fmt.Sprintf("%s: %v", id, err))
	}
	sort.Strings(ids)
	return fmt.Sprintf("%d metrics failed: %s", len(e), strings.Join(ids, "; "))
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the failure logger. The default discards.
func WithLogger(l Logger) Option {
	return func(k *Keeper) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithInstrumentation enables Prometheus counters.
func WithInstrumentation(i *Instrumentation) Option {
	return func(k *Keeper) { k.inst = i }
}

// WithUniformMatching filters every find result with the full criteria,
// including time-of-day and weekday, whatever the backend's find mode.
func WithUniformMatching() Option {
	return func(k *Keeper) { k.uniform = true }
}

// WithStoredHook calls fn for each metric the backend stored without error.
func WithStoredHook(fn func(metric.Metric)) Option {
	return func(k *Keeper) { k.onStored = fn }
}

// Keeper is safe for concurrent use as far as its own state goes; backend
// logic brings its own synchronization.
type Keeper struct {
	registry *Registry
	logger   Logger
	inst     *Instrumentation
	uniform  bool
	onStored func(metric.Metric)

	// Only map access is guarded. Two callers racing on first use may both
	// run provisioning, which backends tolerate.
	mu      sync.Mutex
	classes map[metric.Class]bool
	types   map[metric.Class]map[string]bool
}

// New creates a keeper and lets backend register its logic.
func New(backend Backend, opts ...Option) (*Keeper, error) {
	k := &Keeper{
		registry: NewRegistry(),
		logger:   NopLogger{},
		classes:  make(map[metric.Class]bool),
		types:    make(map[metric.Class]map[string]bool),
	}
	for _, opt := range opts {
		opt(k)
	}
	if backend == nil {
		return nil, errors.New("keeper: nil backend")
	}
	if err := backend.Register(k.registry); err != nil {
		return nil, errors.Wrap(err, "keeper: registering backend")
	}
	return k, nil
}

// Registry exposes the logic table, mostly for tests and diagnostics.
func (k *Keeper) Registry() *Registry {
	return k.registry
}

func (k *Keeper) logf(format string, args ...interface{}) {
	k.logger.Error(fmt.Sprintf(format, args...))
}

func (k *Keeper) classEnsured(class metric.Class) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.classes[class]
}

func (k *Keeper) typeEnsured(metricType string, class metric.Class) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.types[class][metricType]
}

func (k *Keeper) ensureClass(ctx context.Context, class metric.Class) error {
	if k.classEnsured(class) {
		return nil
	}

	k.inst.operation(OpEnsureClass, class)
	logic, err := k.registry.lookup(OpEnsureClass, class)
	if err != nil {
		return err
	}
	if err := logic.ensureClass(ctx, class); err != nil {
		k.inst.failure(OpEnsureClass, class)
		return errors.Wrapf(err, "ensure class %s", class)
	}

	k.mu.Lock()
	k.classes[class] = true
	k.mu.Unlock()
	return nil
}

func (k *Keeper) ensureType(ctx context.Context, metricType string, class metric.Class) error {
	if k.typeEnsured(metricType, class) {
		return nil
	}
	if err := k.ensureClass(ctx, class); err != nil {
		return err
	}

	k.inst.operation(OpEnsureType, class)
	logic, err := k.registry.lookup(OpEnsureType, class)
	if err != nil {
		return err
	}
	if err := logic.ensureType(ctx, metricType, class); err != nil {
		k.inst.failure(OpEnsureType, class)
		return errors.Wrapf(err, "ensure type %q of class %s", metricType, class)
	}

	k.mu.Lock()
	if k.types[class] == nil {
		k.types[class] = make(map[string]bool)
	}
	k.types[class][metricType] = true
	k.mu.Unlock()
	return nil
}

// EnsureMetricClass provisions class-level schema once. Failures are logged
// and reported as false.
func (k *Keeper) EnsureMetricClass(ctx context.Context, class metric.Class) bool {
	if err := k.ensureClass(ctx, class); err != nil {
		k.logf("%v", err)
		return false
	}
	return true
}

// EnsureMetricType provisions the schema of a type within class once,
// ensuring the class first.
func (k *Keeper) EnsureMetricType(ctx context.Context, metricType string, class metric.Class) bool {
	if err := k.ensureType(ctx, metricType, class); err != nil {
		k.logf("%v", err)
		return false
	}
	return true
}

type groupKey struct {
	class      metric.Class
	metricType string
}

// Store persists metrics grouped by (class, type). Items whose type cannot be
// provisioned are logged and skipped; backend failures are logged per
// affected metric. The returned error only describes invalid items, which
// are never handed to a backend.
func (k *Keeper) Store(ctx context.Context, metrics ...metric.Metric) error {
	var invalid *multierror.Error
	groups := make(map[groupKey][]metric.Metric)
	var order []groupKey

	for _, m := range metrics {
		if err := m.Validate(); err != nil {
			invalid = multierror.Append(invalid, errors.Wrapf(ErrInvalidBatch, "metric %s: %v", m.ID, err))
			continue
		}
		key := groupKey{class: m.Class, metricType: m.Type}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	for _, key := range order {
		k.storeGroup(ctx, key, groups[key])
	}
	return invalid.ErrorOrNil()
}

func (k *Keeper) storeGroup(ctx context.Context, key groupKey, group []metric.Metric) {
	if err := k.ensureType(ctx, key.metricType, key.class); err != nil {
		for _, m := range group {
			k.logf("store: skipping metric %s: %v", m.ID, err)
		}
		return
	}

	k.inst.operation(OpStore, key.class)
	logic, err := k.registry.lookup(OpStore, key.class)
	if err == nil {
		err = logic.store(ctx, key.metricType, key.class, group)
	}

	var failed MetricErrors
	if err != nil {
		k.inst.failure(OpStore, key.class)
		if !errors.As(err, &failed) {
			for _, m := range group {
				k.logf("store: metric %s of type %q (%s): %v", m.ID, key.metricType, key.class, err)
			}
			return
		}
	}

	stored := 0
	for _, m := range group {
		if ferr, ok := failed[m.ID]; ok {
			k.logf("store: metric %s of type %q (%s): %v", m.ID, key.metricType, key.class, ferr)
			continue
		}
		stored++
		if k.onStored != nil {
			k.onStored(m)
		}
	}
	k.inst.storedMetrics(key.class, stored)
}

// MetricTypes lists the types known for class, or nil after logging a failure.
func (k *Keeper) MetricTypes(ctx context.Context, class metric.Class) []string {
	if err := k.ensureClass(ctx, class); err != nil {
		k.logf("metric types: %v", err)
		return nil
	}

	k.inst.operation(OpTypes, class)
	logic, err := k.registry.lookup(OpTypes, class)
	if err != nil {
		k.logf("metric types: %v", err)
		return nil
	}
	types, err := logic.types(ctx, class)
	if err != nil {
		k.inst.failure(OpTypes, class)
		k.logf("metric types of class %s: %v", class, err)
		return nil
	}
	sort.Strings(types)
	return types
}

// Find returns the metrics of a type matching c. A nil c selects every
// metric. Failures are logged and yield nil.
func (k *Keeper) Find(ctx context.Context, metricType string, class metric.Class, c *metric.Criteria) []metric.Metric {
	if err := k.ensureType(ctx, metricType, class); err != nil {
		k.logf("find: %v", err)
		return nil
	}

	k.inst.operation(OpFind, class)
	logic, err := k.registry.lookup(OpFind, class)
	if err != nil {
		k.logf("find: %v", err)
		return nil
	}
	found, err := logic.find(ctx, metricType, class, c)
	if err != nil {
		k.inst.failure(OpFind, class)
		k.logf("find %q (%s): %v", metricType, class, err)
		return nil
	}

	if c != nil && (logic.findMode == FindRaw || k.uniform) {
		found = c.Filter(found)
	}
	return found
}

// Remove deletes metrics of a type by id. It is best-effort: failures are
// logged and otherwise ignored.
func (k *Keeper) Remove(ctx context.Context, metricType string, class metric.Class, ids ...ident.ID) {
	if len(ids) == 0 {
		return
	}
	if err := k.ensureType(ctx, metricType, class); err != nil {
		k.logf("remove: %v", err)
		return
	}

	k.inst.operation(OpRemove, class)
	logic, err := k.registry.lookup(OpRemove, class)
	if err != nil {
		k.logf("remove: %v", err)
		return
	}
	if err := logic.remove(ctx, metricType, class, ids); err != nil {
		k.inst.failure(OpRemove, class)
		k.logf("remove %d metrics of %q (%s): %v", len(ids), metricType, class, err)
	}
}

// Replace removes oldIDs from m's type and then stores m. The two steps are
// not atomic.
func (k *Keeper) Replace(ctx context.Context, m metric.Metric, oldIDs ...ident.ID) error {
	k.Remove(ctx, m.Type, m.Class, oldIDs...)
	return k.Store(ctx, m)
}
