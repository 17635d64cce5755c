package geofence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofence/bridge-server/internal/model"
)

func testFence(id string, mask model.TransitionMask) model.Fence {
	return model.Fence{
		ID:             id,
		Latitude:       0,
		Longitude:      0,
		Radius:         100,
		TransitionMask: mask,
	}
}

func fixAt(meters float64, ts time.Time) model.LocationFix {
	return model.LocationFix{Latitude: latitudeOffset(meters), Longitude: 0, Timestamp: ts}
}

func TestEnterThenExit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	ctx := context.Background()

	e.ProcessFix(ctx, fixAt(50, clock.Now()))

	call := rec.wait(t)
	assert.Equal(t, "A", call.tr.FenceID)
	assert.Equal(t, model.TransitionEnter, call.tr.Type)
	assert.True(t, store.get(t, "A").IsInside)

	ev := waitEvent(t, e)
	assert.Equal(t, model.TransitionEnter, ev.Type)

	e.ProcessFix(ctx, fixAt(150, clock.Now()))

	call = rec.wait(t)
	assert.Equal(t, model.TransitionExit, call.tr.Type)
	assert.False(t, store.get(t, "A").IsInside)

	ev = waitEvent(t, e)
	assert.Equal(t, model.TransitionExit, ev.Type)
}

func TestNoBoundaryCrossingNoAction(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	// Already outside, fix outside: nothing happens, not even a store write.
	e.ProcessFix(context.Background(), fixAt(500, clock.Now()))

	rec.expectNone(t)
	expectNoEvent(t, e)
	assert.Zero(t, store.upserts)
}

func TestMaskDisabledStillTracksState(t *testing.T) {
	clock := newFakeClock(time.Now())
	f := testFence("A", model.TransitionMask(model.TransitionEnter))
	f.IsInside = true
	store := newFakeStore(f)
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	// Outward crossing with an ENTER-only mask: state flips, no event fires.
	e.ProcessFix(context.Background(), fixAt(150, clock.Now()))

	rec.expectNone(t)
	expectNoEvent(t, e)
	assert.False(t, store.get(t, "A").IsInside)
}

func TestSnoozeSuppressesTransitionAndStateFlip(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	ctx := context.Background()
	e.Snooze("A", 10*time.Minute)

	e.ProcessFix(ctx, fixAt(50, clock.Now()))
	rec.expectNone(t)
	expectNoEvent(t, e)
	// The flip is suppressed entirely so the candidate stays pending.
	assert.False(t, store.get(t, "A").IsInside)

	clock.Advance(5 * time.Minute)
	e.ProcessFix(ctx, fixAt(50, clock.Now()))
	rec.expectNone(t)
	assert.False(t, store.get(t, "A").IsInside)

	clock.Advance(5 * time.Minute)
	e.ProcessFix(ctx, fixAt(50, clock.Now()))
	call := rec.wait(t)
	assert.Equal(t, model.TransitionEnter, call.tr.Type)
	assert.True(t, store.get(t, "A").IsInside)
}

func TestSnoozeZeroDurationUnsnoozes(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	e.Snooze("A", time.Hour)
	require.True(t, e.IsSnoozed("A"))

	e.Snooze("A", 0)
	require.False(t, e.IsSnoozed("A"))
}

func TestTimeWindowGatesTransitions(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	start := base.Add(time.Hour)
	end := base.Add(2 * time.Hour)

	clock := newFakeClock(base)
	f := testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit))
	f.StartTime = &start
	f.EndTime = &end
	store := newFakeStore(f)
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	ctx := context.Background()

	// Before the window: suppressed, state unchanged.
	e.ProcessFix(ctx, fixAt(50, clock.Now()))
	rec.expectNone(t)
	assert.False(t, store.get(t, "A").IsInside)

	// Inside the window (inclusive start): fires.
	clock.Advance(time.Hour)
	e.ProcessFix(ctx, fixAt(50, clock.Now()))
	call := rec.wait(t)
	assert.Equal(t, model.TransitionEnter, call.tr.Type)
	assert.True(t, store.get(t, "A").IsInside)

	// At the exclusive end bound: suppressed again.
	clock.Advance(time.Hour)
	e.ProcessFix(ctx, fixAt(150, clock.Now()))
	rec.expectNone(t)
	assert.True(t, store.get(t, "A").IsInside)
}

func TestInactiveEngineIgnoresFixes(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)
	e.SetActive(false)

	e.ProcessFix(context.Background(), fixAt(50, clock.Now()))

	rec.expectNone(t)
	assert.False(t, store.get(t, "A").IsInside)
}

func TestRegionEventWhileInactive(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)
	e.SetActive(false)

	e.HandleRegionEvent(context.Background(), model.RegionEvent{FenceID: "A", TransitionType: model.TransitionEnter})

	call := rec.wait(t)
	assert.Equal(t, "A", call.tr.FenceID)
	assert.Equal(t, model.TransitionEnter, call.tr.Type)
	assert.True(t, store.get(t, "A").IsInside)
}

func TestRegionEventIgnoredWhileActive(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	e.HandleRegionEvent(context.Background(), model.RegionEvent{FenceID: "A", TransitionType: model.TransitionEnter})

	rec.expectNone(t)
	assert.False(t, store.get(t, "A").IsInside)
}

func TestRegionEventUnknownFence(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore()
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)
	e.SetActive(false)

	e.HandleRegionEvent(context.Background(), model.RegionEvent{FenceID: "ghost", TransitionType: model.TransitionExit})

	rec.expectNone(t)
	expectNoEvent(t, e)
}

func TestListFailureSkipsCycle(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter)))
	store.listErr = errors.New("disk hiccup")
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	e.ProcessFix(context.Background(), fixAt(50, clock.Now()))

	rec.expectNone(t)
	expectNoEvent(t, e)
	assert.False(t, store.get(t, "A").IsInside)

	// The next cycle recovers once the store does.
	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()

	e.ProcessFix(context.Background(), fixAt(50, clock.Now()))
	call := rec.wait(t)
	assert.Equal(t, model.TransitionEnter, call.tr.Type)
}

func TestRemovalDuringFixCycleIsNotUndone(t *testing.T) {
	clock := newFakeClock(time.Now())
	store := newFakeStore(testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit)))
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	listing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.listHook = func() {
		once.Do(func() {
			close(listing)
			<-release
		})
	}

	cycleDone := make(chan struct{})
	go func() {
		e.ProcessFix(context.Background(), fixAt(50, clock.Now()))
		close(cycleDone)
	}()

	<-listing

	// A removal landing mid-cycle must wait for the cycle lock instead of
	// interleaving with the list-evaluate-write sequence.
	removeDone := make(chan error, 1)
	go func() {
		removeDone <- e.RemoveFence(context.Background(), "A")
	}()

	select {
	case <-removeDone:
		t.Fatal("removal completed while the fix cycle held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-cycleDone
	require.NoError(t, <-removeDone)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.fences)
}

func TestStateFlipLeavesThrottleStampIntact(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	f := testFence("A", model.TransitionMask(model.TransitionEnter|model.TransitionExit))
	f.Notification = &model.Notification{ID: "n-1", FrequencySeconds: 300}
	store := newFakeStore(f)
	rec := newDispatchRecorder()
	e := newTestEngine(store, rec, clock)

	ctx := context.Background()

	e.ProcessFix(ctx, fixAt(50, clock.Now()))
	rec.wait(t)

	// The dispatcher stamps the throttle after the cycle's state write.
	stamp := clock.Now()
	require.NoError(t, store.TouchLastTriggered(ctx, "n-1", stamp))

	clock.Advance(time.Minute)
	e.ProcessFix(ctx, fixAt(150, clock.Now()))
	rec.wait(t)

	// State flips go through the containment-only write, so the stamp is
	// never rewritten from a stale snapshot.
	got := store.get(t, "A")
	require.NotNil(t, got.Notification)
	assert.Equal(t, stamp, got.Notification.LastTriggeredAt)
	assert.False(t, got.IsInside)
	assert.Zero(t, store.upserts)
	assert.Equal(t, 2, store.insideSets)
}

func TestWithinTimeWindowBounds(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	cases := []struct {
		name  string
		start *time.Time
		end   *time.Time
		want  bool
	}{
		{"unbounded", nil, nil, true},
		{"after start", &before, nil, true},
		{"at start", &now, nil, true},
		{"before start", &after, nil, false},
		{"before end", nil, &after, true},
		{"at end", nil, &now, false},
		{"past end", nil, &before, false},
		{"within both", &before, &after, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := model.Fence{StartTime: tc.start, EndTime: tc.end}
			assert.Equal(t, tc.want, withinTimeWindow(f, now))
		})
	}
}
