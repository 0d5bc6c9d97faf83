// Package reconcile merges authoritative deal state from polls, broadcasts and mutation
// responses into the state a client displays.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/editguard"
	"go.uber.org/zap"
)

var (
	// ErrUnknownDeal reports an operation on a deal the reconciler has never seen.
	ErrUnknownDeal = errors.New("reconcile: unknown deal")
	// ErrUnknownField reports a field that cannot be guarded.
	ErrUnknownField = errors.New("reconcile: unknown field")
	// ErrFieldNotGuarded reports an edit on a field without an editing guard.
	ErrFieldNotGuarded = errors.New("reconcile: field is not guarded")
)

// ChangeKind describes how the displayed state of a deal changed.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change reports one transition of the displayed state. Diverged lists guarded fields
// whose server value now differs from the value being edited locally.
type Change struct {
	Kind     ChangeKind
	DealID   string
	Deal     Deal
	Diverged []string
}

type Config struct {
	// GuardedFields defaults to notes.
	GuardedFields []string
	IdleTimeout   time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// OptimisticToken identifies a pending optimistic overlay.
type OptimisticToken uint64

type overlay struct {
	token  OptimisticToken
	mutate func(*Deal)
}

type entry struct {
	server      Deal
	confirmedAt time.Time
	guards      map[string]*editguard.Guard
	overlays    []overlay
}

// Reconciler owns the client-visible deal set. Server state always wins over event payloads;
// the only ordering it trusts is UpdatedAtMillis.
type Reconciler struct {
	mu            sync.Mutex
	entries       map[string]*entry
	tombstones    map[string]int64
	guardedFields []string
	guardConfig   editguard.Config
	clock         func() time.Time
	logger        *zap.Logger
	nextToken     OptimisticToken
}

func New(cfg Config) *Reconciler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	guarded := cfg.GuardedFields
	if len(guarded) == 0 {
		guarded = []string{FieldNotes}
	}
	return &Reconciler{
		entries:       make(map[string]*entry),
		tombstones:    make(map[string]int64),
		guardedFields: append([]string(nil), guarded...),
		guardConfig:   editguard.Config{IdleTimeout: cfg.IdleTimeout, Clock: clock},
		clock:         clock,
		logger:        logger,
	}
}

// ApplyDeal merges one authoritative deal. Responses older than the displayed version,
// or not newer than a known deletion, are discarded.
func (r *Reconciler) ApplyDeal(incoming Deal) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(incoming.Clone(), r.clock())
}

// ApplyList merges an authoritative list fetched for the visible set. Deals missing from the
// list are removed only when their last confirmation predates requestedAt, so a list that
// was in flight while a deal appeared cannot hide it.
func (r *Reconciler) ApplyList(deals []Deal, requestedAt time.Time) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	changes := make([]Change, 0)
	present := make(map[string]struct{}, len(deals))
	for _, incoming := range deals {
		present[incoming.DealID] = struct{}{}
		if change, ok := r.applyLocked(incoming.Clone(), now); ok {
			changes = append(changes, change)
		}
	}

	for dealID, current := range r.entries {
		if _, ok := present[dealID]; ok {
			continue
		}
		if !current.confirmedAt.Before(requestedAt) || len(current.overlays) > 0 {
			continue
		}
		changes = append(changes, r.removeLocked(dealID, current.server.UpdatedAtMillis))
	}
	sortChanges(changes)
	return changes
}

// ApplyDeleted removes a deal. A zero version tombstones whatever version is displayed.
func (r *Reconciler) ApplyDeleted(dealID string, version int64) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[dealID]
	if ok {
		if version == 0 {
			version = current.server.UpdatedAtMillis
		}
		if version < current.server.UpdatedAtMillis {
			return Change{}, false
		}
		return r.removeLocked(dealID, version), true
	}
	if version > r.tombstones[dealID] {
		r.tombstones[dealID] = version
	}
	return Change{}, false
}

// Edit records user input on a guarded field.
func (r *Reconciler) Edit(dealID, field, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.guardLocked(dealID, field)
	if err != nil {
		return err
	}
	guard.Input(value)
	return nil
}

// FieldState reports the editing guard of a field.
func (r *Reconciler) FieldState(dealID, field string) (editguard.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.guardLocked(dealID, field)
	if err != nil {
		return editguard.Snapshot{}, err
	}
	return guard.Snapshot(), nil
}

// RefreshField adopts the last known server value of a diverged field. This is the only path
// through which another party's concurrent edit replaces local input.
func (r *Reconciler) RefreshField(dealID, field string) (Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.guardLocked(dealID, field)
	if err != nil {
		return Deal{}, err
	}
	guard.RefreshFromServer()
	return r.viewLocked(r.entries[dealID]), nil
}

// MarkSaved tells the guard of field that value was persisted.
func (r *Reconciler) MarkSaved(dealID, field, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.guardLocked(dealID, field)
	if err != nil {
		return err
	}
	guard.Saved(value)
	return nil
}

// BeginOptimistic overlays a local mutation on the displayed deal until it is committed
// or rolled back.
func (r *Reconciler) BeginOptimistic(dealID string, mutate func(*Deal)) (OptimisticToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[dealID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDeal, dealID)
	}
	r.nextToken++
	current.overlays = append(current.overlays, overlay{token: r.nextToken, mutate: mutate})
	return r.nextToken, nil
}

// Commit drops the overlay and applies the mutation response, which is always at least as
// fresh as anything displayed for that deal.
func (r *Reconciler) Commit(token OptimisticToken, response Deal) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropOverlayLocked(response.DealID, token)
	change, ok := r.applyLocked(response.Clone(), r.clock())
	if !ok {
		if current, exists := r.entries[response.DealID]; exists {
			return Change{Kind: ChangeUpdated, DealID: response.DealID, Deal: r.viewLocked(current)}, true
		}
	}
	return change, ok
}

// Rollback drops the overlay; the deal displays its last known-good authoritative value.
func (r *Reconciler) Rollback(dealID string, token OptimisticToken) (Deal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dropOverlayLocked(dealID, token) {
		return Deal{}, false
	}
	return r.viewLocked(r.entries[dealID]), true
}

// View returns the displayed deal.
func (r *Reconciler) View(dealID string) (Deal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[dealID]
	if !ok {
		return Deal{}, false
	}
	return r.viewLocked(current), true
}

// Authoritative returns the last server snapshot of the deal without local input.
func (r *Reconciler) Authoritative(dealID string) (Deal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[dealID]
	if !ok {
		return Deal{}, false
	}
	return current.server.Clone(), true
}

// Deals returns every displayed deal, most recently updated first.
func (r *Reconciler) Deals() []Deal {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Deal, 0, len(r.entries))
	for _, current := range r.entries {
		result = append(result, r.viewLocked(current))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAtMillis == result[j].UpdatedAtMillis {
			return result[i].DealID < result[j].DealID
		}
		return result[i].UpdatedAtMillis > result[j].UpdatedAtMillis
	})
	return result
}

func (r *Reconciler) applyLocked(incoming Deal, now time.Time) (Change, bool) {
	if incoming.DealID == "" {
		return Change{}, false
	}
	if deletedAt, ok := r.tombstones[incoming.DealID]; ok {
		if incoming.UpdatedAtMillis <= deletedAt {
			r.logger.Debug("reconcile discarded deleted deal",
				zap.String("deal_id", incoming.DealID),
				zap.Int64("updated_at_ms", incoming.UpdatedAtMillis))
			return Change{}, false
		}
		delete(r.tombstones, incoming.DealID)
	}

	current, ok := r.entries[incoming.DealID]
	if !ok {
		current = &entry{server: incoming, confirmedAt: now, guards: make(map[string]*editguard.Guard)}
		for _, field := range r.guardedFields {
			value, err := incoming.TextField(field)
			if err != nil {
				continue
			}
			current.guards[field] = editguard.New(field, value, r.guardConfig)
		}
		r.entries[incoming.DealID] = current
		return Change{Kind: ChangeAdded, DealID: incoming.DealID, Deal: r.viewLocked(current)}, true
	}

	if incoming.UpdatedAtMillis < current.server.UpdatedAtMillis {
		r.logger.Debug("reconcile discarded stale deal",
			zap.String("deal_id", incoming.DealID),
			zap.Int64("incoming_updated_at_ms", incoming.UpdatedAtMillis),
			zap.Int64("displayed_updated_at_ms", current.server.UpdatedAtMillis))
		return Change{}, false
	}
	current.confirmedAt = now
	if incoming.UpdatedAtMillis == current.server.UpdatedAtMillis {
		if !r.resyncIdleLocked(current) {
			return Change{}, false
		}
		return Change{Kind: ChangeUpdated, DealID: incoming.DealID, Deal: r.viewLocked(current)}, true
	}

	current.server = incoming
	diverged := make([]string, 0)
	for field, guard := range current.guards {
		value, err := incoming.TextField(field)
		if err != nil {
			continue
		}
		guard.Incoming(value)
		if guard.Snapshot().Diverged {
			diverged = append(diverged, field)
		}
	}
	sort.Strings(diverged)
	return Change{Kind: ChangeUpdated, DealID: incoming.DealID, Deal: r.viewLocked(current), Diverged: diverged}, true
}

// resyncIdleLocked lets guards whose editing window has lapsed fall back to the server value
// when the version did not move. Diverged fields wait for an explicit refresh.
func (r *Reconciler) resyncIdleLocked(current *entry) bool {
	resynced := false
	for field, guard := range current.guards {
		value, err := current.server.TextField(field)
		if err != nil {
			continue
		}
		state := guard.Snapshot()
		if state.Editing || state.Diverged || state.LocalValue == value {
			continue
		}
		if guard.Incoming(value) {
			resynced = true
		}
	}
	return resynced
}

func (r *Reconciler) removeLocked(dealID string, version int64) Change {
	current := r.entries[dealID]
	delete(r.entries, dealID)
	if version > r.tombstones[dealID] {
		r.tombstones[dealID] = version
	}
	change := Change{Kind: ChangeRemoved, DealID: dealID}
	if current != nil {
		change.Deal = current.server.Clone()
	}
	return change
}

func (r *Reconciler) guardLocked(dealID, field string) (*editguard.Guard, error) {
	current, ok := r.entries[dealID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeal, dealID)
	}
	guard, ok := current.guards[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotGuarded, field)
	}
	return guard, nil
}

func (r *Reconciler) dropOverlayLocked(dealID string, token OptimisticToken) bool {
	current, ok := r.entries[dealID]
	if !ok {
		return false
	}
	for index, pending := range current.overlays {
		if pending.token == token {
			current.overlays = append(current.overlays[:index], current.overlays[index+1:]...)
			return true
		}
	}
	return false
}

// viewLocked layers optimistic overlays and guarded local values over the server snapshot.
func (r *Reconciler) viewLocked(current *entry) Deal {
	view := current.server.Clone()
	for _, pending := range current.overlays {
		pending.mutate(&view)
	}
	for field, guard := range current.guards {
		view.setTextField(field, guard.Value())
	}
	return view
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].DealID < changes[j].DealID
	})
}
