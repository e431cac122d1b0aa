package domain

import (
	"context"
	"errors"
	"sync"

	"example.com/sadhana/internal/observability"
)

// rollupStore is what a roll-up writes to.
type rollupStore interface {
	GetFamily(ctx context.Context, id string) (*Family, error)
	SaveFamilyCache(ctx context.Context, familyID string, cache PointsCache) (bool, error)
}

// Rollup recomputes and persists a family's cached total for the current window.
// Roll-ups of the same family are serialised in-process; across processes the store
// keeps whichever complete cache was computed last.
type Rollup struct {
	engine *Engine
	store  rollupStore
	clock  DayClock
	locks  keyedMutex
}

// NewRollup constructs a Rollup.
func NewRollup(engine *Engine, store rollupStore, clock DayClock) *Rollup {
	return &Rollup{engine: engine, store: store, clock: clock}
}

// Run rolls up familyID and returns the updated family. It returns a NotFound error
// when the family no longer exists.
func (r *Rollup) Run(ctx context.Context, familyID string) (*Family, error) {
	unlock := r.locks.lock(familyID)
	defer unlock()

	family, err := r.run(ctx, familyID)
	switch {
	case err == nil:
		observability.RecordRollup("ok")
	case errors.Is(err, ErrNotFound):
		observability.RecordRollup("not_found")
	default:
		observability.RecordRollup("error")
	}
	return family, err
}

func (r *Rollup) run(ctx context.Context, familyID string) (*Family, error) {
	w, err := r.clock.Today()
	if err != nil {
		return nil, err
	}
	standing, err := r.engine.FamilyTotals(ctx, familyID, w)
	if err != nil {
		return nil, err
	}

	cache := PointsCache{
		Total:      standing.Totals.Points,
		Units:      standing.Totals.Units,
		Window:     w,
		ComputedAt: r.clock.Current(),
	}
	found, err := r.store.SaveFamilyCache(ctx, familyID, cache)
	if err != nil {
		return nil, transient("save family cache", err)
	}
	if !found {
		return nil, notFound("family", familyID)
	}

	family, err := r.store.GetFamily(ctx, familyID)
	if err != nil {
		return nil, transient("load family", err)
	}
	if family == nil {
		return nil, notFound("family", familyID)
	}
	return family, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
