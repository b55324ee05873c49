package stream

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the concurrency-safe arena of stream slots. A start reserves a
// slot before launching and activates it once the worker is ready; a stop
// claims the active slot and releases it after the worker is gone.
type Registry struct {
	mu    sync.RWMutex
	store Store
}

// NewRegistry returns a registry backed by an InMemoryStore.
func NewRegistry() *Registry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore returns a registry that uses the given Store.
func NewRegistryWithStore(store Store) *Registry {
	return &Registry{store: store}
}

// Reserve takes a pending slot for id. admit sees the number of occupied slots
// and may refuse; the check and the insert happen under one lock. It returns the
// number of other occupied slots.
func (r *Registry) Reserve(id StreamID, admit func(count int) error) (others int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.Get(id); exists {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	others = r.store.Len()
	if admit != nil {
		if err := admit(others); err != nil {
			return 0, err
		}
	}
	r.store.Put(&entry{id: id, state: statePending})
	return others, nil
}

// Activate makes a pending slot visible with its record.
func (r *Registry) Activate(id StreamID, rec *record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.store.Get(id)
	if !ok || e.state != statePending {
		return fmt.Errorf("activate %s: %w", id, ErrNotFound)
	}
	e.state = stateActive
	e.rec = rec
	return nil
}

// Release frees the slot for id in any state.
func (r *Registry) Release(id StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Delete(id)
}

// Claim moves the active slot for id to stopping and hands its record to the
// caller. Exactly one caller wins; the slot stays occupied until Release.
func (r *Registry) Claim(id StreamID) (*record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.store.Get(id)
	if !ok || e.state != stateActive {
		return nil, false
	}
	e.state = stateStopping
	return e.rec, true
}

// ClaimRecord is Claim for a specific record. It fails when the slot has
// already been claimed or now belongs to a newer record.
func (r *Registry) ClaimRecord(rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.store.Get(rec.id)
	if !ok || e.state != stateActive || e.rec != rec {
		return false
	}
	e.state = stateStopping
	return true
}

// ClaimAll claims every active slot.
func (r *Registry) ClaimAll() []*record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []*record
	for _, id := range r.store.IDs() {
		e, _ := r.store.Get(id)
		if e.state == stateActive {
			e.state = stateStopping
			recs = append(recs, e.rec)
		}
	}
	return recs
}

// Get returns a snapshot of the active stream id.
func (r *Registry) Get(id StreamID, urlPrefix string) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.store.Get(id)
	if !ok || e.state != stateActive {
		return Stream{}, false
	}
	return e.rec.snapshot(urlPrefix), true
}

// List returns snapshots of all active streams ordered by start time, then id.
func (r *Registry) List(urlPrefix string) []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stream, 0, r.store.Len())
	for _, id := range r.store.IDs() {
		if e, _ := r.store.Get(id); e.state == stateActive {
			out = append(out, e.rec.snapshot(urlPrefix))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCount returns the number of visible streams.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.IDs() {
		if e, _ := r.store.Get(id); e.state == stateActive {
			n++
		}
	}
	return n
}

// Len returns the number of occupied slots in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Len()
}
