package keeper

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/metric"
)

var (
	// ErrUnsupportedClass is returned when logic is registered for, or
	// requested from, a class the keeper does not know.
	ErrUnsupportedClass = errors.New("unsupported metric class")

	// ErrNilLogic is returned when a nil function is registered.
	ErrNilLogic = errors.New("nil backend logic")

	// ErrNoLogic means no backend registered the operation for the class.
	ErrNoLogic = errors.New("no backend logic registered")
)

// Op names one of the pluggable keeper operations.
type Op string

const (
	OpEnsureClass Op = "ensure_class"
	OpEnsureType  Op = "ensure_type"
	OpStore       Op = "store"
	OpTypes       Op = "types"
	OpFind        Op = "find"
	OpRemove      Op = "remove"
)

// Backend logic signatures, one per operation.
type (
	EnsureClassFunc func(ctx context.Context, class metric.Class) error
	EnsureTypeFunc  func(ctx context.Context, metricType string, class metric.Class) error
	StoreFunc       func(ctx context.Context, metricType string, class metric.Class, metrics []metric.Metric) error
	TypesFunc       func(ctx context.Context, class metric.Class) ([]string, error)
	FindFunc        func(ctx context.Context, metricType string, class metric.Class, c *metric.Criteria) ([]metric.Metric, error)
	RemoveFunc      func(ctx context.Context, metricType string, class metric.Class, ids []ident.ID) error
)

// FindMode tells the keeper how much of the criteria a find applies itself.
type FindMode int

const (
	// FindExact finds apply the time range and tag filters themselves;
	// time-of-day and weekday narrowing is left out unless the keeper is
	// configured for uniform matching.
	FindExact FindMode = iota

	// FindRaw finds return every stored metric of the type and the keeper
	// always filters the result with the full criteria.
	FindRaw
)

type classLogic struct {
	ensureClass EnsureClassFunc
	ensureType  EnsureTypeFunc
	store       StoreFunc
	types       TypesFunc
	find        FindFunc
	findMode    FindMode
	remove      RemoveFunc
}

// Registry maps (operation, class) to backend logic. Backends populate it
// from their Register method.
type Registry struct {
	mu    sync.RWMutex
	logic map[metric.Class]*classLogic
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{logic: make(map[metric.Class]*classLogic)}
}

func (r *Registry) set(class metric.Class, op Op, isNil bool, apply func(*classLogic)) error {
	if !class.Valid() {
		return errors.Wrapf(ErrUnsupportedClass, "%s for class %q", op, class)
	}
	if isNil {
		return errors.Wrapf(ErrNilLogic, "%s for class %s", op, class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logic[class]
	if !ok {
		l = &classLogic{}
		r.logic[class] = l
	}
	apply(l)
	return nil
}

func (r *Registry) RegisterEnsureClass(class metric.Class, fn EnsureClassFunc) error {
	return r.set(class, OpEnsureClass, fn == nil, func(l *classLogic) { l.ensureClass = fn })
}

func (r *Registry) RegisterEnsureType(class metric.Class, fn EnsureTypeFunc) error {
	return r.set(class, OpEnsureType, fn == nil, func(l *classLogic) { l.ensureType = fn })
}

func (r *Registry) RegisterStore(class metric.Class, fn StoreFunc) error {
	return r.set(class, OpStore, fn == nil, func(l *classLogic) { l.store = fn })
}

func (r *Registry) RegisterTypes(class metric.Class, fn TypesFunc) error {
	return r.set(class, OpTypes, fn == nil, func(l *classLogic) { l.types = fn })
}

// RegisterFind registers find logic together with how much filtering it does.
func (r *Registry) RegisterFind(class metric.Class, mode FindMode, fn FindFunc) error {
	return r.set(class, OpFind, fn == nil, func(l *classLogic) { l.find, l.findMode = fn, mode })
}

func (r *Registry) RegisterRemove(class metric.Class, fn RemoveFunc) error {
	return r.set(class, OpRemove, fn == nil, func(l *classLogic) { l.remove = fn })
}

// Supports reports whether logic for op is registered for class.
func (r *Registry) Supports(op Op, class metric.Class) bool {
	l := r.get(class)
	if l == nil {
		return false
	}
	switch op {
	case OpEnsureClass:
		return l.ensureClass != nil
	case OpEnsureType:
		return l.ensureType != nil
	case OpStore:
		return l.store != nil
	case OpTypes:
		return l.types != nil
	case OpFind:
		return l.find != nil
	case OpRemove:
		return l.remove != nil
	}
	return false
}

func (r *Registry) get(class metric.Class) *classLogic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logic[class]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

func (r *Registry) lookup(op Op, class metric.Class) (*classLogic, error) {
	if !r.Supports(op, class) {
		return nil, errors.Wrapf(ErrNoLogic, "%s for class %q", op, class)
	}
	return r.get(class), nil
}
