package service

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FAI3/orchestra/internal/model"
)

// Registry holds the active process entries, at most one per test kind.
// The Dispatcher is its only writer, the Poller and the API only read it.
type Registry struct {
	mx       sync.Mutex
	entries  map[model.TestKind]*model.ProcessEntry
	watchers []func(model.JobID)
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[model.TestKind]*model.ProcessEntry),
		now:     time.Now,
	}
}

// OnRegister adds a function called for every job id registered. It is
// called without the registry lock held.
func (r *Registry) OnRegister(fn func(model.JobID)) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reserve creates an entry without a job for kind. It returns
// model.ErrConflict if kind already has one.
func (r *Registry) Reserve(kind model.TestKind, runID uuid.UUID) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.entries[kind]; ok {
		return fmt.Errorf("%s: %w", kind, model.ErrConflict)
	}
	r.entries[kind] = &model.ProcessEntry{
		Kind:    kind,
		RunID:   runID,
		Started: r.now().UTC(),
	}
	return nil
}

// Register records jobID for the run currently holding kind. It returns
// false if the run no longer holds the entry.
func (r *Registry) Register(kind model.TestKind, runID uuid.UUID, jobID model.JobID) bool {
	r.mx.Lock()
	e, ok := r.entries[kind]
	if !ok || e.RunID != runID {
		r.mx.Unlock()
		return false
	}
	e.JobID = jobID
	e.JobIDs = append(e.JobIDs, jobID)
	watchers := slices.Clone(r.watchers)
	r.mx.Unlock()

	for _, fn := range watchers {
		fn(jobID)
	}
	return true
}

// Release removes the entry of kind when it still belongs to runID.
func (r *Registry) Release(kind model.TestKind, runID uuid.UUID) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.entries[kind]; ok && e.RunID == runID {
		delete(r.entries, kind)
	}
}

func (r *Registry) Lookup(kind model.TestKind) (model.ProcessEntry, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.entries[kind]
	if !ok {
		return model.ProcessEntry{}, false
	}
	return clone(e), true
}

// Active returns a copy of all entries ordered by start time.
func (r *Registry) Active() []model.ProcessEntry {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]model.ProcessEntry, 0, len(r.entries))
	for _, e := range r.entries {
		ret = append(ret, clone(e))
	}
	slices.SortFunc(ret, func(a, b model.ProcessEntry) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return ret
}

// JobIDs returns every job id held by the active entries.
func (r *Registry) JobIDs() []model.JobID {
	r.mx.Lock()
	defer r.mx.Unlock()
	var ret []model.JobID
	for _, e := range r.entries {
		ret = append(ret, e.JobIDs...)
	}
	return ret
}

func clone(e *model.ProcessEntry) model.ProcessEntry {
	c := *e
	c.JobIDs = slices.Clone(e.JobIDs)
	return c
}
