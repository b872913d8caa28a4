package realtime

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type Predicate = func(entity Entity) bool

// three-way comparator for the projection order
type CompareFunction = func(a Entity, b Entity) int

type ProjectionUpdateFunction = func()

// fetches the authoritative baseline for this projection's scope
type BaselineFunction = func(ctx context.Context) ([]Entity, error)

type ProjectionSettings struct {
	// maximum size of the exposed list. 0 means unbounded.
	Limit int
}

func DefaultProjectionSettings() *ProjectionSettings {
	return &ProjectionSettings{
		Limit: 0,
	}
}

// a live filtered, sorted view over one entity kind.
//
// change notices re-evaluate only the affected entity against the
// predicate, so steady-state updates are O(changed entities). a baseline
// refresh re-runs the predicate over the whole kind, which is where
// wall-clock derived filters (e.g. "only future games") are recomputed.
//
// the projection holds store snapshots by reference and never forks
// payload copies.
type Projection struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *Store
	kind     EntityKind
	predicate Predicate
	compare  CompareFunction
	baseline BaselineFunction

	settings *ProjectionSettings

	stateLock sync.Mutex
	ids       []Id
	entities  map[Id]Entity
	loading   bool
	// stale-response guard. a baseline result is discarded when the
	// generation moved on (filter change or close) while it was in flight.
	generation int
	closed     bool

	updateCallbacks *CallbackList[ProjectionUpdateFunction]

	unsubChange func()
}

func NewProjectionWithDefaults(
	ctx context.Context,
	store *Store,
	kind EntityKind,
	predicate Predicate,
	compare CompareFunction,
	baseline BaselineFunction,
) *Projection {
	return NewProjection(ctx, store, kind, predicate, compare, baseline, DefaultProjectionSettings())
}

func NewProjection(
	ctx context.Context,
	store *Store,
	kind EntityKind,
	predicate Predicate,
	compare CompareFunction,
	baseline BaselineFunction,
	settings *ProjectionSettings,
) *Projection {
	cancelCtx, cancel := context.WithCancel(ctx)
	projection := &Projection{
		ctx:             cancelCtx,
		cancel:          cancel,
		store:           store,
		kind:            kind,
		predicate:       predicate,
		compare:         compare,
		baseline:        baseline,
		settings:        settings,
		entities:        map[Id]Entity{},
		updateCallbacks: NewCallbackList[ProjectionUpdateFunction](),
	}
	projection.unsubChange = store.AddChangeCallback(projection.applyChange)
	projection.rebuild()
	return projection
}

func (self *Projection) AddUpdateCallback(updateCallback ProjectionUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// current ordered list, capped at the settings limit
func (self *Projection) List() []Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.ids)
	if 0 < self.settings.Limit && self.settings.Limit < n {
		n = self.settings.Limit
	}
	entities := make([]Entity, 0, n)
	for _, id := range self.ids[0:n] {
		entities = append(entities, self.entities[id])
	}
	return entities
}

func (self *Projection) Ids() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.ids)
	if 0 < self.settings.Limit && self.settings.Limit < n {
		n = self.settings.Limit
	}
	return slices.Clone(self.ids[0:n])
}

func (self *Projection) Contains(id Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.entities[id]
	return ok
}

// true only during the initial baseline fetch or an explicit refresh
func (self *Projection) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

// replaces the predicate (e.g. the user picked a new date or city) and
// re-baselines. entities matched only by the old predicate drop out
// immediately; the refresh fills in the newly-covered scope.
func (self *Projection) SetScope(predicate Predicate, baseline BaselineFunction, callback func(err error)) {
	self.stateLock.Lock()
	self.predicate = predicate
	self.baseline = baseline
	self.generation += 1
	self.stateLock.Unlock()

	self.rebuild()
	self.Refresh(callback)
}

// re-runs the baseline fetch and merges it into the store. a failed
// fetch leaves the current list untouched and surfaces the error to the
// callback; it never clears a populated projection.
func (self *Projection) Refresh(callback func(err error)) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		if callback != nil {
			callback(context.Canceled)
		}
		return
	}
	generation := self.generation
	baseline := self.baseline
	self.loading = true
	self.stateLock.Unlock()

	self.fireUpdate()

	go func() {
		entities, err := baseline(self.ctx)

		self.stateLock.Lock()
		stale := self.closed || generation != self.generation
		if !stale {
			self.loading = false
		}
		self.stateLock.Unlock()

		if stale {
			glog.V(1).Infof("[proj]discard stale baseline %s gen=%d\n", self.kind, generation)
			if callback != nil {
				callback(context.Canceled)
			}
			return
		}

		if err == nil {
			self.store.MergeBaseline(entities)
		}
		// the full rebuild recomputes derived wall-clock filtering
		self.rebuild()

		if callback != nil {
			callback(err)
		}
	}()
}

func (self *Projection) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.generation += 1
	self.stateLock.Unlock()

	self.unsubChange()
	self.cancel()
}

func (self *Projection) Kind() EntityKind {
	return self.kind
}

func (self *Projection) compareIds(a Id, b Id) int {
	c := self.compare(self.entities[a], self.entities[b])
	if c != 0 {
		return c
	}
	// deterministic order for equal sort keys
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// re-evaluates the whole kind against the predicate. used at
// construction, scope change and baseline refresh.
func (self *Projection) rebuild() {
	entities := self.store.List(self.kind)

	self.stateLock.Lock()
	self.entities = map[Id]Entity{}
	self.ids = self.ids[0:0]
	for _, entity := range entities {
		if self.predicate(entity) {
			id := entity.EntityId()
			self.entities[id] = entity
			self.ids = append(self.ids, id)
		}
	}
	sort.SliceStable(self.ids, func(i int, j int) bool {
		return self.compareIds(self.ids[i], self.ids[j]) < 0
	})
	self.stateLock.Unlock()

	self.fireUpdate()
}

// incremental update for one change notice
func (self *Projection) applyChange(notice ChangeNotice) {
	if notice.Kind != self.kind {
		return
	}

	entity := self.store.Get(self.kind, notice.Id)

	changed := false
	self.stateLock.Lock()
	_, present := self.entities[notice.Id]
	matches := entity != nil && notice.Change != ChangeTypeDeleted && self.predicate(entity)

	if matches {
		self.entities[notice.Id] = entity
		if present {
			// position may have changed under the new snapshot
			i := slices.Index(self.ids, notice.Id)
			self.ids = slices.Delete(self.ids, i, i+1)
		}
		at := sort.Search(len(self.ids), func(i int) bool {
			return 0 < self.compareIds(self.ids[i], notice.Id)
		})
		self.ids = slices.Insert(self.ids, at, notice.Id)
		changed = true
	} else if present {
		delete(self.entities, notice.Id)
		i := slices.Index(self.ids, notice.Id)
		self.ids = slices.Delete(self.ids, i, i+1)
		changed = true
	}
	self.stateLock.Unlock()

	if changed {
		self.fireUpdate()
	}
}

func (self *Projection) fireUpdate() {
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback()
	}
}
