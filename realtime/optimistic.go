package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/google/uuid"
)

var ErrDuplicatePending = errors.New("identical mutation already pending")
var ErrMutationTimeout = errors.New("mutation timed out waiting for confirmation")

type MutationAction string

const (
	MutationActionJoin        MutationAction = "join"
	MutationActionLeave       MutationAction = "leave"
	MutationActionSendMessage MutationAction = "send_message"
	MutationActionEditMessage MutationAction = "edit_message"
	MutationActionDeleteMessage MutationAction = "delete_message"
	MutationActionReact       MutationAction = "react"
	MutationActionSubscribe   MutationAction = "subscribe"
	MutationActionUnsubscribe MutationAction = "unsubscribe"
	MutationActionMarkRead    MutationAction = "mark_read"
)

// resolves when the mutation is confirmed by the server (nil) or rolled
// back (the rejection or timeout error)
type MutationFunction = func(err error)

type pendingKey struct {
	userId   Id
	targetId Id
	action   MutationAction
}

type OptimisticRecord struct {
	LocalId     string
	Kind        EntityKind
	Action      MutationAction
	UserId      Id
	TargetId    Id
	SubmittedAt time.Time
	ExpiresAfter time.Duration

	// exact snapshot before the provisional patch. nil means the entity
	// did not exist, so rollback removes it entirely.
	prior Entity
	// the provisional entry was a creation with a client-local id that
	// must be dropped once the authoritative entity arrives
	provisionalCreate bool

	timer    *time.Timer
	callback MutationFunction
}

type OptimisticTrackerSettings struct {
	// bounded wait before a pending mutation rolls back on its own, so
	// the UI can never get stuck in a pending state
	ConfirmTimeout time.Duration
}

func DefaultOptimisticTrackerSettings() *OptimisticTrackerSettings {
	return &OptimisticTrackerSettings{
		ConfirmTimeout: 10 * time.Second,
	}
}

// records locally-initiated mutations before server confirmation and
// reconciles them against the authoritative response, the matching
// delta event, or a timeout. the tracker and the delta reducer are the
// only writers to the store.
type OptimisticTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	store *Store

	settings *OptimisticTrackerSettings

	stateLock      sync.Mutex
	pendingByToken map[string]*OptimisticRecord
	pendingByKey   map[pendingKey]string
}

func NewOptimisticTrackerWithDefaults(ctx context.Context, store *Store) *OptimisticTracker {
	return NewOptimisticTracker(ctx, store, DefaultOptimisticTrackerSettings())
}

func NewOptimisticTracker(ctx context.Context, store *Store, settings *OptimisticTrackerSettings) *OptimisticTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &OptimisticTracker{
		ctx:            cancelCtx,
		cancel:         cancel,
		store:          store,
		settings:       settings,
		pendingByToken: map[string]*OptimisticRecord{},
		pendingByKey:   map[pendingKey]string{},
	}
}

// inserts the provisional result of `apply` into the store and returns
// the correlation token the mutation submission must carry. `apply`
// receives a clone of the current snapshot (nil when absent) and
// returns the provisional entity, which must carry `targetId` as its id.
// for a creation (e.g. send-message) `targetId` is a client-local
// temporary id that is dropped when the server-assigned entity arrives.
//
// while a mutation for the same (user, target, action) is pending, an
// identical request is rejected with `ErrDuplicatePending` instead of
// being re-submitted.
func (self *OptimisticTracker) Begin(
	kind EntityKind,
	action MutationAction,
	userId Id,
	targetId Id,
	apply func(prior Entity) Entity,
	callback MutationFunction,
) (string, error) {
	key := pendingKey{
		userId:   userId,
		targetId: targetId,
		action:   action,
	}

	self.stateLock.Lock()
	if _, ok := self.pendingByKey[key]; ok {
		self.stateLock.Unlock()
		return "", ErrDuplicatePending
	}

	stored := self.store.Get(kind, targetId)
	var prior Entity
	var applyArg Entity
	if stored != nil {
		prior = stored
		applyArg = stored.Clone()
	}

	provisional := apply(applyArg)

	record := &OptimisticRecord{
		LocalId:           uuid.NewString(),
		Kind:              kind,
		Action:            action,
		UserId:            userId,
		TargetId:          targetId,
		SubmittedAt:       time.Now(),
		ExpiresAfter:      self.settings.ConfirmTimeout,
		prior:             prior,
		provisionalCreate: prior == nil && provisional != nil,
		callback:          callback,
	}
	self.pendingByToken[record.LocalId] = record
	self.pendingByKey[key] = record.LocalId

	localId := record.LocalId
	record.timer = time.AfterFunc(self.settings.ConfirmTimeout, func() {
		self.Fail(localId, ErrMutationTimeout)
	})
	self.stateLock.Unlock()

	if provisional != nil {
		if prior == nil {
			self.store.put(provisional, ChangeTypeCreated)
		} else {
			self.store.put(provisional, ChangeTypeUpdated)
		}
	}

	return record.LocalId, nil
}

// true while an identical action is pending for the user and target
func (self *OptimisticTracker) IsPending(action MutationAction, userId Id, targetId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.pendingByKey[pendingKey{
		userId:   userId,
		targetId: targetId,
		action:   action,
	}]
	return ok
}

func (self *OptimisticTracker) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingByToken)
}

// the authoritative response or matching delta arrived. the provisional
// entry is superseded: for a provisional creation the client-local
// entity is dropped in favor of the server-assigned one; for a patch
// the authoritative delta already replaced it through the reducer.
func (self *OptimisticTracker) Confirm(localId string) {
	record := self.take(localId)
	if record == nil {
		// already resolved, or a delta for someone else's mutation
		return
	}

	if record.provisionalCreate {
		self.store.remove(record.Kind, record.TargetId)
	}

	if record.callback != nil {
		record.callback(nil)
	}
}

// rolls the provisional entry back to the exact prior snapshot and
// surfaces the error to the caller
func (self *OptimisticTracker) Fail(localId string, err error) {
	record := self.take(localId)
	if record == nil {
		return
	}

	glog.V(1).Infof("[opt]rollback %s %s = %s\n", record.Action, record.TargetId, err)
	self.store.restore(record.Kind, record.TargetId, record.prior)

	if record.callback != nil {
		record.callback(err)
	}
}

// removes and returns the record, stopping its timer. nil when unknown.
func (self *OptimisticTracker) take(localId string) *OptimisticRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.pendingByToken[localId]
	if !ok {
		return nil
	}
	delete(self.pendingByToken, localId)
	delete(self.pendingByKey, pendingKey{
		userId:   record.UserId,
		targetId: record.TargetId,
		action:   record.Action,
	})
	if record.timer != nil {
		record.timer.Stop()
	}
	return record
}

func (self *OptimisticTracker) Close() {
	self.cancel()

	self.stateLock.Lock()
	records := make([]*OptimisticRecord, 0, len(self.pendingByToken))
	for _, record := range self.pendingByToken {
		records = append(records, record)
	}
	self.stateLock.Unlock()

	for _, record := range records {
		self.Fail(record.LocalId, context.Canceled)
	}
}
