package geofence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"geofence/bridge-server/internal/model"
)

// FenceStore is the persistence surface the engine and facade operate on.
// *store.Store satisfies it.
type FenceStore interface {
	UpsertFence(ctx context.Context, f model.Fence) error
	SetInsideState(ctx context.Context, id string, inside bool) error
	GetFence(ctx context.Context, id string) (*model.Fence, error)
	ListFences(ctx context.Context) ([]model.Fence, error)
	RemoveFence(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	TouchLastTriggered(ctx context.Context, notificationID string, ts time.Time) error
}

// Dispatcher receives accepted transitions for downstream side effects
// (local notification, webhook). Called off the engine lock.
type Dispatcher interface {
	Dispatch(ctx context.Context, fence model.Fence, tr model.Transition)
}

// Engine evaluates location fixes against every stored fence and drives the
// per-fence inside/outside state machine.
//
// A single mutex serializes the read-modify-write of fence state, the snooze
// table, and the external fence mutations from the facade; the fix cadence is
// seconds-to-minutes, so contention is not a concern. Dispatch runs in
// separate goroutines so no network or notification call ever happens under
// the lock.
type Engine struct {
	store      FenceStore
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	snooze *snoozeTable
	active atomic.Bool

	events chan model.Transition
}

// NewEngine constructs an inactive engine around the given store and
// dispatcher.
func NewEngine(s FenceStore, d Dispatcher, logger *slog.Logger) *Engine {
	now := time.Now
	return &Engine{
		store:      s,
		dispatcher: d,
		logger:     logger,
		now:        now,
		snooze:     newSnoozeTable(now),
		events:     make(chan model.Transition, 64),
	}
}

// SetActive switches between the polling trigger path (active) and the
// region-callback trigger path (inactive).
func (e *Engine) SetActive(active bool) {
	e.active.Store(active)
	e.logger.Info("engine activity changed", "active", active)
}

// Active reports whether the polling path is live.
func (e *Engine) Active() bool {
	return e.active.Load()
}

// Events returns the stream of accepted transitions for the facade layer.
func (e *Engine) Events() <-chan model.Transition {
	return e.events
}

// Snooze quiets a fence for the given duration.
func (e *Engine) Snooze(id string, d time.Duration) {
	e.snooze.Snooze(id, d)
}

// IsSnoozed reports whether a fence is currently quieted.
func (e *Engine) IsSnoozed(id string) bool {
	return e.snooze.IsSnoozed(id)
}

// UpsertFence writes a fence under the cycle lock so an external write never
// interleaves with a running fix evaluation.
func (e *Engine) UpsertFence(ctx context.Context, f model.Fence) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.UpsertFence(ctx, f)
}

// RemoveFence deletes the fence and its snooze entry under the cycle lock;
// a removal that arrives mid-cycle completes once the cycle finishes, so the
// next cycle no longer evaluates the fence.
func (e *Engine) RemoveFence(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.RemoveFence(ctx, id); err != nil {
		return err
	}
	e.snooze.Clear(id)
	return nil
}

// RemoveAllFences clears the store and every snooze entry under the cycle
// lock.
func (e *Engine) RemoveAllFences(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	e.snooze.Reset()
	return nil
}

type acceptedTransition struct {
	fence model.Fence
	tr    model.Transition
}

// ProcessFix evaluates every stored fence against the fix and fires the
// resulting transitions. Fixes are ignored while the engine is inactive; the
// OS region-callback path covers that case.
func (e *Engine) ProcessFix(ctx context.Context, fix model.LocationFix) {
	if !e.Active() {
		e.logger.Debug("engine inactive, ignoring location fix")
		return
	}

	e.mu.Lock()
	fences, err := e.store.ListFences(ctx)
	if err != nil {
		e.mu.Unlock()
		// A transient read failure must not take down location tracking;
		// the next fix retries from scratch.
		e.logger.Warn("fence list unavailable, skipping fix cycle", "error", err)
		return
	}

	var accepted []acceptedTransition
	for _, f := range fences {
		d := distanceMeters(fix.Latitude, fix.Longitude, f.Latitude, f.Longitude)
		inside := d <= f.Radius
		if inside == f.IsInside {
			continue
		}

		tt := model.TransitionExit
		if inside {
			tt = model.TransitionEnter
		}

		if a := e.evaluateLocked(ctx, f, tt); a != nil {
			accepted = append(accepted, *a)
		}
	}
	e.mu.Unlock()

	for _, a := range accepted {
		e.emit(a)
	}
}

// HandleRegionEvent feeds an OS-delivered region callback through the same
// gate pipeline, without recomputing distance. Region callbacks are only
// honored while the polling path is suspended; while active, fixes own the
// state machine.
func (e *Engine) HandleRegionEvent(ctx context.Context, ev model.RegionEvent) {
	if e.Active() {
		e.logger.Debug("polling path active, ignoring region callback", "fence", ev.FenceID)
		return
	}
	if ev.TransitionType != model.TransitionEnter && ev.TransitionType != model.TransitionExit {
		e.logger.Warn("region callback with unknown transition type", "fence", ev.FenceID, "type", int(ev.TransitionType))
		return
	}

	e.mu.Lock()
	f, err := e.store.GetFence(ctx, ev.FenceID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("fence lookup failed, dropping region callback", "fence", ev.FenceID, "error", err)
		return
	}
	if f == nil {
		e.mu.Unlock()
		e.logger.Debug("region callback for unknown fence", "fence", ev.FenceID)
		return
	}

	a := e.evaluateLocked(ctx, *f, ev.TransitionType)
	e.mu.Unlock()

	if a != nil {
		e.emit(*a)
	}
}

// evaluateLocked gates a candidate transition and persists the state flip.
//
// Gate order matters: a mask-disabled transition still advances the state
// machine (tracking stays accurate) but fires nothing, while a snoozed or
// out-of-window transition suppresses the flip entirely so the same candidate
// is re-evaluated on the next fix.
func (e *Engine) evaluateLocked(ctx context.Context, f model.Fence, tt model.TransitionType) *acceptedTransition {
	if !f.TransitionMask.Has(tt) {
		f.IsInside = tt == model.TransitionEnter
		if err := e.store.SetInsideState(ctx, f.ID, f.IsInside); err != nil {
			e.logger.Warn("failed to persist containment state", "fence", f.ID, "error", err)
		}
		return nil
	}

	if e.snooze.IsSnoozed(f.ID) {
		e.logger.Debug("fence snoozed, suppressing transition", "fence", f.ID, "type", tt.String())
		return nil
	}

	now := e.now()
	if !withinTimeWindow(f, now) {
		e.logger.Debug("outside fence time window, suppressing transition", "fence", f.ID, "type", tt.String())
		return nil
	}

	f.IsInside = tt == model.TransitionEnter
	if err := e.store.SetInsideState(ctx, f.ID, f.IsInside); err != nil {
		e.logger.Warn("failed to persist transition state", "fence", f.ID, "error", err)
		return nil
	}

	return &acceptedTransition{
		fence: f,
		tr: model.Transition{
			FenceID:   f.ID,
			Type:      tt,
			Timestamp: now.UTC(),
		},
	}
}

func (e *Engine) emit(a acceptedTransition) {
	e.logger.Info("fence transition", "fence", a.tr.FenceID, "type", a.tr.Type.String())

	go e.dispatcher.Dispatch(context.Background(), a.fence, a.tr)

	select {
	case e.events <- a.tr:
	default:
		e.logger.Warn("transition event dropped, consumer too slow", "fence", a.tr.FenceID)
	}
}

// withinTimeWindow checks the optional [startTime, endTime) bounds; a missing
// bound is unbounded on that side.
func withinTimeWindow(f model.Fence, now time.Time) bool {
	if f.StartTime != nil && now.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !now.Before(*f.EndTime) {
		return false
	}
	return true
}
