package realtime

import (
	"sync"

	"golang.org/x/exp/maps"
)

type ChangeType string

const (
	ChangeTypeCreated ChangeType = "created"
	ChangeTypeUpdated ChangeType = "updated"
	ChangeTypeDeleted ChangeType = "deleted"
)

type ChangeNotice struct {
	Kind   EntityKind
	Id     Id
	Change ChangeType
}

type ChangeFunction = func(notice ChangeNotice)

// in-memory canonical state, one id->snapshot map per entity kind.
// entries are replaced copy-on-write: writers clone, mutate the clone and
// swap it in, so a snapshot handed out by `Get` is never mutated under a
// reader. the only writers are the delta reducer and the optimistic
// mutation tracker.
type Store struct {
	stateLock sync.Mutex

	entities map[EntityKind]map[Id]Entity

	// ids with a terminal delete. a delete wins over any stale update or
	// late-arriving baseline row for the same id.
	deleted map[EntityKind]map[Id]bool

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewStore() *Store {
	return &Store{
		entities:        map[EntityKind]map[Id]Entity{},
		deleted:         map[EntityKind]map[Id]bool{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Store) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Store) Get(kind EntityKind, id Id) Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.entities[kind][id]
}

func (self *Store) List(kind EntityKind) []Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entities := make([]Entity, 0, len(self.entities[kind]))
	for _, entity := range self.entities[kind] {
		entities = append(entities, entity)
	}
	return entities
}

func (self *Store) Size(kind EntityKind) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entities[kind])
}

func (self *Store) IsDeleted(kind EntityKind, id Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.deleted[kind][id]
}

// swaps in a snapshot and notifies. the caller owns `entity` and must not
// mutate it after the call.
func (self *Store) put(entity Entity, change ChangeType) {
	kind := entity.EntityKind()
	id := entity.EntityId()
	self.stateLock.Lock()
	kindEntities, ok := self.entities[kind]
	if !ok {
		kindEntities = map[Id]Entity{}
		self.entities[kind] = kindEntities
	}
	kindEntities[id] = entity
	self.stateLock.Unlock()

	self.notify(ChangeNotice{Kind: kind, Id: id, Change: change})
}

// removes an entity and records the terminal delete.
// removing an absent id is a silent no-op.
func (self *Store) remove(kind EntityKind, id Id) {
	self.stateLock.Lock()
	_, present := self.entities[kind][id]
	delete(self.entities[kind], id)
	kindDeleted, ok := self.deleted[kind]
	if !ok {
		kindDeleted = map[Id]bool{}
		self.deleted[kind] = kindDeleted
	}
	kindDeleted[id] = true
	self.stateLock.Unlock()

	if present {
		self.notify(ChangeNotice{Kind: kind, Id: id, Change: ChangeTypeDeleted})
	}
}

// rollback path for the optimistic tracker: restore the exact prior
// snapshot, or drop the entry entirely when there was none.
func (self *Store) restore(kind EntityKind, id Id, prior Entity) {
	self.stateLock.Lock()
	if prior != nil {
		kindEntities, ok := self.entities[kind]
		if !ok {
			kindEntities = map[Id]Entity{}
			self.entities[kind] = kindEntities
		}
		kindEntities[id] = prior
	} else {
		delete(self.entities[kind], id)
	}
	self.stateLock.Unlock()

	if prior != nil {
		self.notify(ChangeNotice{Kind: kind, Id: id, Change: ChangeTypeUpdated})
	} else {
		self.notify(ChangeNotice{Kind: kind, Id: id, Change: ChangeTypeDeleted})
	}
}

// merges an authoritative baseline snapshot. the baseline is a floor:
// rows older than the stored version are ignored, and rows for ids with a
// terminal delete are never resurrected.
func (self *Store) MergeBaseline(entities []Entity) {
	notices := []ChangeNotice{}

	self.stateLock.Lock()
	for _, entity := range entities {
		kind := entity.EntityKind()
		id := entity.EntityId()

		if self.deleted[kind][id] {
			continue
		}

		kindEntities, ok := self.entities[kind]
		if !ok {
			kindEntities = map[Id]Entity{}
			self.entities[kind] = kindEntities
		}

		stored, ok := kindEntities[id]
		if !ok {
			kindEntities[id] = entity
			notices = append(notices, ChangeNotice{Kind: kind, Id: id, Change: ChangeTypeCreated})
		} else if stored.EntityVersion() < entity.EntityVersion() {
			kindEntities[id] = entity
			notices = append(notices, ChangeNotice{Kind: kind, Id: id, Change: ChangeTypeUpdated})
		}
		// else a delta arrived after the baseline request was issued. keep the store's version.
	}
	self.stateLock.Unlock()

	for _, notice := range notices {
		self.notify(notice)
	}
}

// drops entities of one kind not matched by `keep`. used to bound memory
// when a projection deactivates. eviction is not deletion: no change
// notices are emitted and the ids may be re-fetched later.
func (self *Store) EvictUnmatched(kind EntityKind, keep func(entity Entity) bool) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	evicted := 0
	for id, entity := range self.entities[kind] {
		if !keep(entity) {
			delete(self.entities[kind], id)
			evicted += 1
		}
	}
	// terminal-delete markers only guard against baselines already in
	// flight; a future server baseline never returns a deleted entity.
	// once an id has no held snapshot its marker can go too, keeping
	// tombstone memory bounded by the active scopes.
	for id := range self.deleted[kind] {
		if _, ok := self.entities[kind][id]; !ok {
			delete(self.deleted[kind], id)
		}
	}
	return evicted
}

func (self *Store) notify(notice ChangeNotice) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(notice)
	}
}

// deep snapshot of one kind, for tests and diagnostics
func (self *Store) SnapshotKind(kind EntityKind) map[Id]Entity {
	self.stateLock.Lock()
	entities := maps.Clone(self.entities[kind])
	self.stateLock.Unlock()

	snapshot := map[Id]Entity{}
	for id, entity := range entities {
		snapshot[id] = entity.Clone()
	}
	return snapshot
}
