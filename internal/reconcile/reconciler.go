package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"basket-core/internal/auth"
	"basket-core/internal/model"
)

// EventKind discriminates reconciler notifications.
type EventKind int

const (
	// EventChanged carries a new basket snapshot after a successful
	// mutation, merge, remote delivery, or recovery.
	EventChanged EventKind = iota

	// EventDegraded announces that the remote store became unreachable
	// and the local mirror is now authoritative.
	EventDegraded
)

// Event is the reconciler's sole outward notification. Every kind carries
// the full snapshot; listeners never need to read back.
type Event struct {
	Kind     EventKind
	Snapshot model.Snapshot
}

// LocalStore is the device-local basket persistence used for the guest
// basket and per-user mirrors. Satisfied by localstore.Store.
type LocalStore interface {
	Load(owner model.Owner) ([]model.BasketItem, int64, error)
	Save(owner model.Owner, items []model.BasketItem, expectVersion int64) (int64, error)
	Remove(owner model.Owner)
	Watch(owner model.Owner, fn func()) (cancel func())
}

// RemoteStore is the hosted per-user basket persistence. Satisfied by
// remotestore.Store.
type RemoteStore interface {
	Load(ctx context.Context, owner model.Owner) ([]model.BasketItem, error)
	SaveItem(ctx context.Context, owner model.Owner, item model.BasketItem) (model.BasketItem, error)
	SetQuantity(ctx context.Context, owner model.Owner, itemID string, quantity int) error
	DeleteItem(ctx context.Context, owner model.Owner, itemID string) error
	Clear(ctx context.Context, owner model.Owner) error
	Subscribe(ctx context.Context, owner model.Owner, fn func([]model.BasketItem)) (cancel func(), err error)
}

// Session supplies the current owner and its transitions. Satisfied by
// auth.Session.
type Session interface {
	Current() model.Owner
	OnTransition(fn auth.TransitionFunc) (cancel func())
}

// Config tunes reconciler behavior. Zero values select defaults.
type Config struct {
	// OperationTimeout bounds each remote call before the local-mirror
	// fallback kicks in. Default 5s.
	OperationTimeout time.Duration

	// RetryMin/RetryMax bound the degraded-mode flush backoff.
	// Defaults 1s / 1m.
	RetryMin time.Duration
	RetryMax time.Duration

	// Clock drives retry pacing. Default wall clock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.RetryMin <= 0 {
		c.RetryMin = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ownerState is the reconciler's view of one owner's basket. Access only
// while holding that owner's lane.
type ownerState struct {
	loaded       bool
	items        []model.BasketItem
	localVersion int64

	// degraded: remote unreachable, mirror authoritative.
	degraded bool
	// dirty: mirror holds writes the remote store has not seen.
	dirty bool
	// pendingMerge: guest items still owed to the remote basket.
	pendingMerge []model.BasketItem
	// tombstones: remote ids removed while degraded.
	tombstones map[string]struct{}
}

// Reconciler is the basket state machine. It decides the active store for
// the current owner, serializes all mutations per owner, migrates baskets
// across sign-in/sign-out, and publishes every state change on one channel.
type Reconciler struct {
	session Session
	local   LocalStore
	remote  RemoteStore
	logger  *slog.Logger

	cfg Config

	lanes  *xsync.MapOf[string, *sync.Mutex]
	states *xsync.MapOf[string, *ownerState]

	refreshGroup singleflight.Group

	listenerMu sync.Mutex
	listeners  map[int]func(Event)
	nextID     int

	sessionCancel func()
	guestWatch    func()

	subMu     sync.Mutex
	subCancel func()

	retryMu     sync.Mutex
	retryCancel context.CancelFunc

	closeOnce sync.Once
	closedCtx context.Context
	closeFn   context.CancelFunc
}

// New builds a reconciler and synchronizes it with the session's current
// owner: the guest basket is primed from local storage, and an already
// signed-in user gets an initial remote load.
func New(session Session, local LocalStore, remote RemoteStore, logger *slog.Logger, cfg Config) *Reconciler {
	cfg.applyDefaults()
	closedCtx, closeFn := context.WithCancel(context.Background())
	r := &Reconciler{
		session:   session,
		local:     local,
		remote:    remote,
		logger:    logger,
		cfg:       cfg,
		lanes:     xsync.NewMapOf[string, *sync.Mutex](),
		states:    xsync.NewMapOf[string, *ownerState](),
		listeners: make(map[int]func(Event)),
		closedCtx: closedCtx,
		closeFn:   closeFn,
	}

	r.guestWatch = local.Watch(model.Guest(), func() {
		go r.onForeignGuestWrite()
	})
	r.sessionCancel = session.OnTransition(r.handleTransition)

	// Adopt whatever owner the session already has.
	owner := session.Current()
	events := r.withLane(owner, func(st *ownerState) []Event {
		return r.ensureLoadedLocked(owner, st)
	})
	r.dispatch(events)
	if !owner.IsGuest() {
		r.subscribeRemote(owner)
	}
	return r
}

// Close releases subscriptions and stops background retries. In-flight
// operations finish; their results are discarded by the owner guard if the
// session has moved on.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.closeFn()
		if r.sessionCancel != nil {
			r.sessionCancel()
		}
		if r.guestWatch != nil {
			r.guestWatch()
		}
		r.cancelSubscription()
		r.stopRetry()
	})
}

// Notify registers a listener for basket events. The returned func cancels
// the registration. Listener panics are contained: a broken UI listener
// must never break the state machine.
func (r *Reconciler) Notify(fn func(Event)) (cancel func()) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		delete(r.listeners, id)
	}
}

// Snapshot returns the last-known state for the current owner, loading it
// on first access. Refresh forces a reload.
func (r *Reconciler) Snapshot() model.Snapshot {
	owner, unlock := r.lockOwner()
	st := r.state(owner)
	events := r.ensureLoadedLocked(owner, st)
	snap := r.snapshotLocked(owner, st)
	unlock()
	r.dispatch(events)
	return snap
}

// Refresh reloads the current owner's basket from its active store.
// Concurrent refreshes for the same owner share one load.
func (r *Reconciler) Refresh(ctx context.Context) (model.Snapshot, error) {
	owner := r.session.Current()
	v, err, _ := r.refreshGroup.Do(owner.Key(), func() (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	return v.(model.Snapshot), nil
}

func (r *Reconciler) refresh(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	var opErr error
	owner, unlock := r.lockOwner()
	st := r.state(owner)

	var events []Event
	if owner.IsGuest() || st.degraded {
		items, version, err := r.local.Load(owner)
		if err != nil {
			opErr = err
		} else {
			st.loaded = true
			st.items = items
			st.localVersion = version
		}
	} else {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
		items, err := r.remote.Load(opCtx, owner)
		cancel()
		if err != nil {
			if errors.Is(err, model.ErrPermissionDenied) {
				opErr = err
			} else {
				events = append(events, r.enterDegradedLocked(owner, st)...)
			}
		} else {
			st.loaded = true
			st.items = items
			r.saveMirrorLocked(owner, st)
		}
	}
	snap = r.snapshotLocked(owner, st)
	events = append(events, Event{Kind: EventChanged, Snapshot: snap})
	unlock()

	if opErr != nil {
		return model.Snapshot{}, opErr
	}
	r.dispatch(events)
	return snap, nil
}

// Add puts quantity units of the described product into the current
// owner's basket. A variant already present absorbs the quantity.
func (r *Reconciler) Add(ctx context.Context, desc model.Descriptor, quantity int) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if quantity < 1 {
		return model.NewInvalidArgumentError("quantity", "must be at least 1")
	}
	return r.mutate(ctx, func(owner model.Owner, st *ownerState, opCtx context.Context) error {
		idx := model.FindVariant(st.items, desc.Item(quantity, time.Time{}).VariantKey())
		if owner.IsGuest() || st.degraded {
			return r.mutateLocalLocked(owner, st, func(items []model.BasketItem) []model.BasketItem {
				return addToItems(items, desc, quantity)
			})
		}

		if idx >= 0 {
			existing := st.items[idx]
			newQty := existing.Quantity + quantity
			if err := r.remoteSetQuantity(opCtx, owner, existing, newQty); err != nil {
				return err
			}
			st.items[idx].Quantity = newQty
			return nil
		}

		saved, err := r.remote.SaveItem(opCtx, owner, desc.Item(quantity, time.Time{}))
		if err != nil {
			return err
		}
		st.items = append([]model.BasketItem{saved}, st.items...)
		return nil
	}, func(items []model.BasketItem) []model.BasketItem {
		return addToItems(items, desc, quantity)
	}, nil)
}

// Remove deletes the item with the given id. A missing id is a no-op, not
// an error: removing twice equals removing once.
func (r *Reconciler) Remove(ctx context.Context, itemID string) error {
	return r.mutate(ctx, func(owner model.Owner, st *ownerState, opCtx context.Context) error {
		idx := model.FindByID(st.items, itemID)
		if idx < 0 {
			return nil
		}
		if owner.IsGuest() || st.degraded {
			if st.degraded {
				r.tombstoneLocked(st, itemID)
			}
			return r.mutateLocalLocked(owner, st, func(items []model.BasketItem) []model.BasketItem {
				return removeByID(items, itemID)
			})
		}
		if err := r.remote.DeleteItem(opCtx, owner, itemID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		st.items = removeByID(st.items, itemID)
		return nil
	}, func(items []model.BasketItem) []model.BasketItem {
		return removeByID(items, itemID)
	}, func(st *ownerState) {
		r.tombstoneLocked(st, itemID)
	})
}

// SetQuantity sets the item's quantity; zero or less removes the item.
func (r *Reconciler) SetQuantity(ctx context.Context, itemID string, quantity int) error {
	if quantity <= 0 {
		return r.Remove(ctx, itemID)
	}
	return r.mutate(ctx, func(owner model.Owner, st *ownerState, opCtx context.Context) error {
		idx := model.FindByID(st.items, itemID)
		if idx < 0 {
			return nil
		}
		if owner.IsGuest() || st.degraded {
			return r.mutateLocalLocked(owner, st, func(items []model.BasketItem) []model.BasketItem {
				return setQuantityByID(items, itemID, quantity)
			})
		}
		if err := r.remoteSetQuantity(opCtx, owner, st.items[idx], quantity); err != nil {
			return err
		}
		st.items[idx].Quantity = quantity
		return nil
	}, func(items []model.BasketItem) []model.BasketItem {
		return setQuantityByID(items, itemID, quantity)
	}, nil)
}

// Clear empties the current owner's basket. Remote mode issues a batch
// delete of all item records.
func (r *Reconciler) Clear(ctx context.Context) error {
	return r.mutate(ctx, func(owner model.Owner, st *ownerState, opCtx context.Context) error {
		if owner.IsGuest() || st.degraded {
			if st.degraded {
				for _, it := range st.items {
					r.tombstoneLocked(st, it.ID)
				}
			}
			return r.mutateLocalLocked(owner, st, func([]model.BasketItem) []model.BasketItem {
				return nil
			})
		}
		if err := r.remote.Clear(opCtx, owner); err != nil {
			return err
		}
		st.items = nil
		return nil
	}, func([]model.BasketItem) []model.BasketItem {
		return nil
	}, func(st *ownerState) {
		for _, it := range st.items {
			r.tombstoneLocked(st, it.ID)
		}
	})
}

// mutate runs one serialized basket mutation for the current owner.
//
// apply performs the primary-path mutation against st under the owner's
// lane. fallback re-expresses the mutation as a pure items transform; it is
// replayed against the local mirror when the remote store fails in a way
// that permits degraded operation. onPark, if set, runs before the fallback
// so removal-style mutations can record tombstones against the pre-park
// state.
func (r *Reconciler) mutate(
	ctx context.Context,
	apply func(owner model.Owner, st *ownerState, opCtx context.Context) error,
	fallback func([]model.BasketItem) []model.BasketItem,
	onPark func(st *ownerState),
) error {
	var events []Event
	var opErr error

	owner, unlock := r.lockOwner()
	st := r.state(owner)
	events = append(events, r.ensureLoadedLocked(owner, st)...)

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	err := apply(owner, st, opCtx)
	cancel()

	switch {
	case err == nil:
		if owner.IsGuest() || st.degraded {
			if st.degraded {
				st.dirty = true
			}
		} else {
			r.saveMirrorLocked(owner, st)
		}
		// Discard the result if the owner changed mid-flight: the
		// snapshot would describe a basket nobody is looking at.
		if r.session.Current() == owner {
			events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(owner, st)})
		}

	case errors.Is(err, model.ErrPermissionDenied),
		errors.Is(err, model.ErrInvalidArgument),
		errors.Is(err, model.ErrQuotaExceeded),
		errors.Is(err, model.ErrConflict):
		// Hard failures: no fallback, no notification of unpersisted state.
		opErr = err

	default:
		// Remote unreachable (network, timeout, or a canceled call): park
		// the mutation in the local mirror and degrade. The operation
		// still succeeds from the caller's perspective.
		opErr = r.parkLocked(owner, st, fallback, onPark, err)
		if opErr == nil && r.session.Current() == owner {
			events = append(events, r.enterDegradedLocked(owner, st)...)
			events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(owner, st)})
		}
	}
	unlock()

	r.dispatch(events)
	return opErr
}

// parkLocked applies the fallback transform to the local mirror after a
// remote failure.
func (r *Reconciler) parkLocked(owner model.Owner, st *ownerState, fallback func([]model.BasketItem) []model.BasketItem, onPark func(st *ownerState), cause error) error {
	if fallback == nil {
		return cause
	}
	r.logger.Warn("remote basket write failed, parking in local mirror",
		slog.String("owner", owner.String()),
		slog.Any("error", cause),
	)
	if st.tombstones == nil {
		st.tombstones = make(map[string]struct{})
	}
	if onPark != nil {
		onPark(st)
	}
	if err := r.mutateLocalLocked(owner, st, fallback); err != nil {
		return err
	}
	st.dirty = true
	return nil
}

// enterDegradedLocked flips the owner into degraded mode and starts the
// flush retry loop. Returns the DegradedMode event to dispatch.
func (r *Reconciler) enterDegradedLocked(owner model.Owner, st *ownerState) []Event {
	if st.degraded {
		return nil
	}
	st.degraded = true
	if st.tombstones == nil {
		st.tombstones = make(map[string]struct{})
	}
	r.startRetry(owner)
	return []Event{{Kind: EventDegraded, Snapshot: r.snapshotLocked(owner, st)}}
}

// === transitions ===

func (r *Reconciler) handleTransition(from, to model.Owner) {
	switch {
	case from.IsGuest() && !to.IsGuest():
		r.signIn(to)
	case !from.IsGuest() && to.IsGuest():
		r.signOut(from)
	default:
		r.switchUser(from, to)
	}
}

// signIn merges the guest basket into the user's remote basket, clears the
// merged items out of guest storage, and activates the user basket.
//
// The merge is per-item: a failure mid-way leaves the unmerged remainder in
// guest storage for retry and degrades until it lands.
func (r *Reconciler) signIn(user model.Owner) {
	var events []Event

	guestMu := r.lane(model.Guest().Key())
	guestMu.Lock()
	userMu := r.lane(user.Key())
	userMu.Lock()

	guestState := r.state(model.Guest())
	r.ensureLoadedLocked(model.Guest(), guestState)
	guestItems := model.CloneItems(guestState.items)

	st := r.state(user)

	// A mirror slot surviving from a previous session holds writes that
	// were parked during a degraded episode and never flushed. Signing
	// out dropped the in-memory flush state; the slot is all that is
	// left, so replay it against the fresh remote load below.
	survivor, _, _ := r.local.Load(user)

	ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
	remoteItems, err := r.remote.Load(ctx, user)
	cancel()

	switch {
	case errors.Is(err, model.ErrPermissionDenied):
		// Hard auth problem: activate an empty user basket, keep the
		// guest items where they are. Nothing is lost.
		r.logger.Error("remote basket load rejected on sign-in",
			slog.String("owner", user.String()),
			slog.Any("error", err),
		)
		st.loaded = true
		st.items = nil
		// Keep the slot around so a later healthy sign-in can replay it.
		st.dirty = len(survivor) > 0

	case err != nil:
		// Remote unreachable: adopt the guest basket as the mirror and
		// owe the whole merge. Parked items from a prior session stay in
		// the mirror too and flush through the same dirty diff.
		st.loaded = true
		st.items = guestItems
		st.pendingMerge = guestItems
		if len(survivor) > 0 {
			st.items = coalesceVariants(append(model.CloneItems(guestItems), survivor...))
			st.dirty = true
		}
		r.saveMirrorLocked(user, st)
		events = append(events, r.enterDegradedLocked(user, st)...)

	default:
		report := r.applyMergeLocked(user, st, guestItems, remoteItems)
		r.storeGuestRemainderLocked(guestState, report.Unmerged)
		if !report.FullyMerged() {
			st.pendingMerge = report.Unmerged
			events = append(events, r.enterDegradedLocked(user, st)...)
		}
		events = append(events, r.replaySurvivorLocked(user, st, survivor)...)
		r.saveMirrorLocked(user, st)
	}

	if r.session.Current() == user {
		events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(user, st)})
	}
	userMu.Unlock()
	guestMu.Unlock()

	if r.session.Current() == user {
		r.subscribeRemote(user)
	}
	r.dispatch(events)
}

// applyMergeLocked executes the merge plan against the remote store and
// rebuilds the user's cached basket. Holds the user lane.
func (r *Reconciler) applyMergeLocked(user model.Owner, st *ownerState, guestItems, remoteItems []model.BasketItem) *MergeReport {
	plan := PlanMerge(guestItems, remoteItems)
	report := &MergeReport{}
	merged := model.CloneItems(remoteItems)

	for _, bump := range plan.ToIncrement {
		ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
		err := r.remote.SetQuantity(ctx, user, bump.ItemID, bump.NewQuantity)
		cancel()
		if err != nil {
			report.Unmerged = append(report.Unmerged, bump.Source)
			report.Errs = append(report.Errs, err)
			continue
		}
		if idx := model.FindByID(merged, bump.ItemID); idx >= 0 {
			merged[idx].Quantity = bump.NewQuantity
		}
		report.Merged = append(report.Merged, bump.Source)
	}

	for _, item := range plan.ToInsert {
		ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
		saved, err := r.remote.SaveItem(ctx, user, item)
		cancel()
		if err != nil {
			report.Unmerged = append(report.Unmerged, item)
			report.Errs = append(report.Errs, err)
			continue
		}
		merged = append([]model.BasketItem{saved}, merged...)
		report.Merged = append(report.Merged, item)
	}

	if len(report.Errs) > 0 {
		r.logger.Warn("guest basket merge incomplete",
			slog.String("owner", user.String()),
			slog.Int("merged", len(report.Merged)),
			slog.Int("unmerged", len(report.Unmerged)),
			slog.Any("first_error", report.Errs[0]),
		)
	}

	st.loaded = true
	st.items = merged
	return report
}

// storeGuestRemainderLocked rewrites guest storage to hold exactly the
// unmerged items. Holds the guest lane.
func (r *Reconciler) storeGuestRemainderLocked(guestState *ownerState, remainder []model.BasketItem) {
	if len(remainder) == 0 {
		r.local.Remove(model.Guest())
		guestState.items = nil
		guestState.localVersion = 0
		guestState.loaded = true
		return
	}
	if err := r.mutateLocalLocked(model.Guest(), guestState, func([]model.BasketItem) []model.BasketItem {
		return remainder
	}); err != nil {
		r.logger.Warn("could not rewrite guest storage after merge", slog.Any("error", err))
	}
}

// replaySurvivorLocked pushes writes recovered from a previous session's
// mirror slot to the remote store. The diff is against the basket as it
// stands after the guest merge, so already-flushed items are no-ops.
// Removals cannot be replayed: their tombstones died with the old session,
// and absence from the mirror never deletes. Holds the user lane.
func (r *Reconciler) replaySurvivorLocked(user model.Owner, st *ownerState, survivor []model.BasketItem) []Event {
	if len(survivor) == 0 {
		return nil
	}
	plan := PlanFlush(st.items, survivor, nil)
	if plan.IsEmpty() {
		return nil
	}

	failed := false
	for _, bump := range plan.ToSet {
		if idx := model.FindByID(st.items, bump.ItemID); idx >= 0 {
			st.items[idx].Quantity = bump.NewQuantity
		}
		ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
		err := r.remote.SetQuantity(ctx, user, bump.ItemID, bump.NewQuantity)
		cancel()
		if err != nil {
			failed = true
		}
	}
	for _, item := range plan.ToInsert {
		ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
		saved, err := r.remote.SaveItem(ctx, user, item)
		cancel()
		if err != nil {
			failed = true
			item.ID = item.DerivedID()
			st.items = append(st.items, item)
			continue
		}
		st.items = append(st.items, saved)
	}

	if failed {
		// Desired state is back in st.items; the retry loop finishes
		// the job through the usual dirty flush.
		st.dirty = true
		r.logger.Warn("recovered basket writes still unflushed",
			slog.String("owner", user.String()),
		)
		return r.enterDegradedLocked(user, st)
	}
	r.logger.Info("replayed basket writes parked in a previous session",
		slog.String("owner", user.String()),
		slog.Int("inserted", len(plan.ToInsert)),
		slog.Int("updated", len(plan.ToSet)),
	)
	return nil
}

// signOut deactivates the user basket. The remote basket stays untouched;
// guest storage resets to empty rather than restoring any pre-login basket
// (that basket was already merged away at sign-in).
func (r *Reconciler) signOut(user model.Owner) {
	r.cancelSubscription()
	r.stopRetry()

	var events []Event

	guestMu := r.lane(model.Guest().Key())
	guestMu.Lock()
	userMu := r.lane(user.Key())
	userMu.Lock()

	st := r.state(user)
	if st.degraded || st.dirty {
		// Parked writes survive in the mirror slot; sign-in replays the
		// slot against the remote basket.
		r.logger.Warn("signing out with unflushed basket writes",
			slog.String("owner", user.String()),
			slog.Int("items", len(st.items)),
		)
	} else {
		r.local.Remove(user)
	}
	r.states.Delete(user.Key())

	guestState := r.state(model.Guest())
	r.local.Remove(model.Guest())
	guestState.loaded = true
	guestState.items = nil
	guestState.localVersion = 0
	guestState.degraded = false

	if r.session.Current().IsGuest() {
		events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(model.Guest(), guestState)})
	}
	userMu.Unlock()
	guestMu.Unlock()

	r.dispatch(events)
}

// switchUser moves directly between two authenticated identities. No merge:
// the identity changed, not guest→user.
func (r *Reconciler) switchUser(from, to model.Owner) {
	r.cancelSubscription()
	r.stopRetry()

	var events []Event
	mu := r.lane(to.Key())
	mu.Lock()
	st := r.state(to)
	st.loaded = false
	events = append(events, r.ensureLoadedLocked(to, st)...)
	if r.session.Current() == to {
		events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(to, st)})
	}
	mu.Unlock()

	if r.session.Current() == to {
		r.subscribeRemote(to)
	}
	r.dispatch(events)
}

// === loading and local persistence ===

// ensureLoadedLocked populates the owner state on first access. Guest
// baskets come from local storage; user baskets from the remote store with
// mirror fallback. Returns any degraded-mode events to dispatch.
func (r *Reconciler) ensureLoadedLocked(owner model.Owner, st *ownerState) []Event {
	if st.loaded {
		return nil
	}
	if owner.IsGuest() {
		items, version, err := r.local.Load(owner)
		if err != nil {
			r.logger.Warn("guest basket load failed", slog.Any("error", err))
			items, version = nil, 0
		}
		st.loaded = true
		st.items = items
		st.localVersion = version
		return nil
	}

	ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
	items, err := r.remote.Load(ctx, owner)
	cancel()
	if err != nil {
		r.logger.Warn("remote basket load failed, serving mirror",
			slog.String("owner", owner.String()),
			slog.Any("error", err),
		)
		mirror, version, lerr := r.local.Load(owner)
		if lerr != nil {
			mirror, version = nil, 0
		}
		st.loaded = true
		st.items = mirror
		st.localVersion = version
		if errors.Is(err, model.ErrPermissionDenied) {
			return nil
		}
		return r.enterDegradedLocked(owner, st)
	}
	st.loaded = true
	st.items = items
	r.saveMirrorLocked(owner, st)
	return nil
}

// mutateLocalLocked applies a transform to the owner's local slot with
// compare-and-swap semantics: a concurrent tab's write forces a re-read and
// re-apply rather than being overwritten.
func (r *Reconciler) mutateLocalLocked(owner model.Owner, st *ownerState, transform func([]model.BasketItem) []model.BasketItem) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		next := transform(model.CloneItems(st.items))
		version, err := r.local.Save(owner, next, st.localVersion)
		if err == nil {
			st.items = next
			st.localVersion = version
			return nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return err
		}
		items, version, lerr := r.local.Load(owner)
		if lerr != nil {
			return lerr
		}
		st.items = items
		st.localVersion = version
	}
	return model.NewConflictError(owner.Key())
}

// saveMirrorLocked mirrors the cached user basket into local storage for
// offline fallback. Best effort: a full mirror never fails the operation
// that triggered it.
func (r *Reconciler) saveMirrorLocked(owner model.Owner, st *ownerState) {
	if owner.IsGuest() {
		return
	}
	items := st.items
	err := r.mutateLocalLocked(owner, st, func([]model.BasketItem) []model.BasketItem {
		return items
	})
	if err != nil {
		r.logger.Warn("basket mirror write failed",
			slog.String("owner", owner.String()),
			slog.Any("error", err),
		)
	}
}

// === remote subscription ===

// subscribeRemote attaches a realtime listener to the user's remote basket.
// Deliveries funnel through a single goroutine to preserve order, and every
// application re-checks the current owner before touching state.
func (r *Reconciler) subscribeRemote(owner model.Owner) {
	ch := make(chan []model.BasketItem, 16)
	ctx, cancel := context.WithCancel(r.closedCtx)

	storeCancel, err := r.remote.Subscribe(ctx, owner, func(items []model.BasketItem) {
		select {
		case ch <- items:
		default:
			// A full queue means deliveries are outpacing application;
			// dropping one is safe because each carries the full state.
		}
	})
	if err != nil {
		cancel()
		r.logger.Warn("remote basket subscription unavailable",
			slog.String("owner", owner.String()),
			slog.Any("error", err),
		)
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case items := <-ch:
				r.applyRemoteSnapshot(owner, items)
			}
		}
	}()

	r.subMu.Lock()
	if r.subCancel != nil {
		r.subCancel()
	}
	r.subCancel = func() {
		cancel()
		storeCancel()
	}
	r.subMu.Unlock()
}

func (r *Reconciler) cancelSubscription() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
}

// applyRemoteSnapshot folds a realtime delivery into local state, unless
// the owner has changed or the mirror is authoritative (degraded).
func (r *Reconciler) applyRemoteSnapshot(owner model.Owner, items []model.BasketItem) {
	var events []Event

	mu := r.lane(owner.Key())
	mu.Lock()
	st := r.state(owner)
	switch {
	case r.session.Current() != owner:
		// Stale delivery for a previous owner; discard.
	case st.degraded:
		// Mirror is authoritative until the flush completes.
	case st.loaded && itemsEqual(st.items, items):
		// Echo of our own write.
	default:
		st.loaded = true
		st.items = items
		r.saveMirrorLocked(owner, st)
		events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(owner, st)})
	}
	mu.Unlock()

	r.dispatch(events)
}

// onForeignGuestWrite re-reads the guest slot after another tab changed it.
func (r *Reconciler) onForeignGuestWrite() {
	if !r.session.Current().IsGuest() {
		return
	}
	var events []Event
	guest := model.Guest()
	mu := r.lane(guest.Key())
	mu.Lock()
	st := r.state(guest)
	items, version, err := r.local.Load(guest)
	if err == nil && r.session.Current().IsGuest() && !(st.loaded && itemsEqual(st.items, items)) {
		st.loaded = true
		st.items = items
		st.localVersion = version
		events = append(events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(guest, st)})
	} else if err == nil {
		st.localVersion = version
	}
	mu.Unlock()

	r.dispatch(events)
}

// === degraded-mode flush ===

// startRetry launches the backoff-paced flush loop for a degraded owner.
// Idempotent while a loop is already running.
func (r *Reconciler) startRetry(owner model.Owner) {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	if r.retryCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.closedCtx)
	r.retryCancel = cancel

	go func() {
		b := &backoff.Backoff{
			Min:    r.cfg.RetryMin,
			Max:    r.cfg.RetryMax,
			Jitter: true,
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.cfg.Clock.After(b.Duration()):
			}
			if r.tryFlush(owner) {
				r.retryMu.Lock()
				if r.retryCancel != nil {
					r.retryCancel()
					r.retryCancel = nil
				}
				r.retryMu.Unlock()
				return
			}
		}
	}()
}

func (r *Reconciler) stopRetry() {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	if r.retryCancel != nil {
		r.retryCancel()
		r.retryCancel = nil
	}
}

// tryFlush attempts to replay everything the owner owes the remote store:
// first the pending guest merge, then the degraded-mode writes. Returns
// true when the owner is fully reconciled and no longer degraded.
func (r *Reconciler) tryFlush(owner model.Owner) bool {
	var events []Event
	flushed := false

	guestMu := r.lane(model.Guest().Key())
	guestMu.Lock()
	userMu := r.lane(owner.Key())
	userMu.Lock()

	st := r.state(owner)
	switch {
	case r.session.Current() != owner:
		// Owner changed while we were backing off; this loop is obsolete.
		flushed = true
	case !st.degraded:
		flushed = true
	default:
		flushed = r.flushLocked(owner, st, &events)
	}

	userMu.Unlock()
	guestMu.Unlock()

	r.dispatch(events)
	return flushed
}

func (r *Reconciler) flushLocked(owner model.Owner, st *ownerState, events *[]Event) bool {
	ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
	remoteItems, err := r.remote.Load(ctx, owner)
	cancel()
	if err != nil {
		return false
	}

	if len(st.pendingMerge) > 0 {
		report := r.applyMergeLocked(owner, st, st.pendingMerge, remoteItems)
		guestState := r.state(model.Guest())
		r.ensureLoadedLocked(model.Guest(), guestState)
		r.storeGuestRemainderLocked(guestState, report.Unmerged)
		st.pendingMerge = report.Unmerged
		if !report.FullyMerged() {
			return false
		}
		remoteItems = model.CloneItems(st.items)
	}

	if st.dirty {
		plan := PlanFlush(remoteItems, st.items, st.tombstones)
		for _, bump := range plan.ToSet {
			ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
			err := r.remote.SetQuantity(ctx, owner, bump.ItemID, bump.NewQuantity)
			cancel()
			if err != nil {
				return false
			}
		}
		for _, item := range plan.ToInsert {
			ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
			_, err := r.remote.SaveItem(ctx, owner, item)
			cancel()
			if err != nil {
				return false
			}
		}
		for _, id := range plan.ToDelete {
			ctx, cancel := context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
			err := r.remote.DeleteItem(ctx, owner, id)
			cancel()
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return false
			}
		}
	}

	ctx, cancel = context.WithTimeout(r.closedCtx, r.cfg.OperationTimeout)
	final, err := r.remote.Load(ctx, owner)
	cancel()
	if err != nil {
		return false
	}

	st.items = final
	st.degraded = false
	st.dirty = false
	st.pendingMerge = nil
	st.tombstones = nil
	r.saveMirrorLocked(owner, st)
	r.logger.Info("basket flushed after degraded episode", slog.String("owner", owner.String()))

	*events = append(*events, Event{Kind: EventChanged, Snapshot: r.snapshotLocked(owner, st)})
	return true
}

// === plumbing ===

func (r *Reconciler) lane(key string) *sync.Mutex {
	mu, _ := r.lanes.LoadOrCompute(key, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

func (r *Reconciler) state(owner model.Owner) *ownerState {
	st, _ := r.states.LoadOrCompute(owner.Key(), func() *ownerState { return &ownerState{} })
	return st
}

// lockOwner resolves the current owner and acquires its lane, re-resolving
// if a transition slipped in between.
func (r *Reconciler) lockOwner() (model.Owner, func()) {
	for {
		owner := r.session.Current()
		mu := r.lane(owner.Key())
		mu.Lock()
		if r.session.Current() == owner {
			return owner, mu.Unlock
		}
		mu.Unlock()
	}
}

func (r *Reconciler) withLane(owner model.Owner, fn func(st *ownerState) []Event) []Event {
	mu := r.lane(owner.Key())
	mu.Lock()
	defer mu.Unlock()
	return fn(r.state(owner))
}

func (r *Reconciler) snapshotLocked(owner model.Owner, st *ownerState) model.Snapshot {
	return model.Snapshot{
		Owner:    owner,
		Items:    model.CloneItems(st.items),
		Totals:   model.CalculateTotals(st.items),
		Degraded: st.degraded,
	}
}

func (r *Reconciler) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	r.listenerMu.Lock()
	fns := make([]func(Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()

	for _, event := range events {
		for _, fn := range fns {
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.logger.Error("basket listener panicked", slog.Any("panic", p))
					}
				}()
				fn(event)
			}()
		}
	}
}

// remoteSetQuantity patches an item's quantity, falling back to a full
// upsert when the record vanished under us (stale cache).
func (r *Reconciler) remoteSetQuantity(ctx context.Context, owner model.Owner, item model.BasketItem, quantity int) error {
	err := r.remote.SetQuantity(ctx, owner, item.ID, quantity)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return err
	}
	item.Quantity = quantity
	if _, err := r.remote.SaveItem(ctx, owner, item); err != nil {
		return fmt.Errorf("upserting vanished item %s: %w", item.ID, err)
	}
	return nil
}

func (r *Reconciler) tombstoneLocked(st *ownerState, itemID string) {
	if st.tombstones == nil {
		st.tombstones = make(map[string]struct{})
	}
	st.tombstones[itemID] = struct{}{}
}

// === pure item transforms ===

func addToItems(items []model.BasketItem, desc model.Descriptor, quantity int) []model.BasketItem {
	probe := desc.Item(quantity, time.Time{})
	if idx := model.FindVariant(items, probe.VariantKey()); idx >= 0 {
		items[idx].Quantity += quantity
		return items
	}
	return append([]model.BasketItem{desc.Item(quantity, time.Now())}, items...)
}

func removeByID(items []model.BasketItem, itemID string) []model.BasketItem {
	out := items[:0]
	for _, it := range items {
		if it.ID != itemID {
			out = append(out, it)
		}
	}
	return out
}

func setQuantityByID(items []model.BasketItem, itemID string, quantity int) []model.BasketItem {
	for i := range items {
		if items[i].ID == itemID {
			items[i].Quantity = quantity
		}
	}
	return items
}

func itemsEqual(a, b []model.BasketItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Quantity != b[i].Quantity || a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}
