package geofence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"geofence/bridge-server/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeStore is an in-memory FenceStore for engine and facade tests.
type fakeStore struct {
	mu         sync.Mutex
	fences     map[string]model.Fence
	listErr    error
	getErr     error
	touches    []touchCall
	upserts    int
	insideSets int

	// listHook runs before ListFences takes the store lock; tests use it to
	// pause a fix cycle at a known point.
	listHook func()
}

type touchCall struct {
	notificationID string
	ts             time.Time
}

func newFakeStore(fences ...model.Fence) *fakeStore {
	s := &fakeStore{fences: make(map[string]model.Fence)}
	for _, f := range fences {
		s.fences[f.ID] = f
	}
	return s
}

func (s *fakeStore) UpsertFence(ctx context.Context, f model.Fence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fences[f.ID] = f
	s.upserts++
	return nil
}

func (s *fakeStore) GetFence(ctx context.Context, id string) (*model.Fence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	f, ok := s.fences[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *fakeStore) SetInsideState(ctx context.Context, id string, inside bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insideSets++
	f, ok := s.fences[id]
	if !ok {
		return nil
	}
	f.IsInside = inside
	s.fences[id] = f
	return nil
}

func (s *fakeStore) ListFences(ctx context.Context) ([]model.Fence, error) {
	if s.listHook != nil {
		s.listHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]model.Fence, 0, len(s.fences))
	for _, f := range s.fences {
		out = append(out, f)
	}
	return out, nil
}

func (s *fakeStore) RemoveFence(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fences, id)
	return nil
}

func (s *fakeStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fences = make(map[string]model.Fence)
	return nil
}

func (s *fakeStore) TouchLastTriggered(ctx context.Context, notificationID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches = append(s.touches, touchCall{notificationID: notificationID, ts: ts})
	for id, f := range s.fences {
		if f.Notification != nil && f.Notification.ID == notificationID {
			n := *f.Notification
			n.LastTriggeredAt = ts
			f.Notification = &n
			s.fences[id] = f
		}
	}
	return nil
}

func (s *fakeStore) get(t *testing.T, id string) model.Fence {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fences[id]
	if !ok {
		t.Fatalf("fence %q not stored", id)
	}
	return f
}

type dispatchCall struct {
	fence model.Fence
	tr    model.Transition
}

// dispatchRecorder captures dispatcher invocations, which happen on separate
// goroutines.
type dispatchRecorder struct {
	calls chan dispatchCall
}

func newDispatchRecorder() *dispatchRecorder {
	return &dispatchRecorder{calls: make(chan dispatchCall, 16)}
}

func (r *dispatchRecorder) Dispatch(ctx context.Context, fence model.Fence, tr model.Transition) {
	r.calls <- dispatchCall{fence: fence, tr: tr}
}

func (r *dispatchRecorder) wait(t *testing.T) dispatchCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return dispatchCall{}
	}
}

func (r *dispatchRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected dispatch for fence %q", c.tr.FenceID)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitEvent(t *testing.T, e *Engine) model.Transition {
	t.Helper()
	select {
	case tr := <-e.Events():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition event")
		return model.Transition{}
	}
}

func expectNoEvent(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case tr := <-e.Events():
		t.Fatalf("unexpected transition event for fence %q", tr.FenceID)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestEngine(s FenceStore, d Dispatcher, clock *fakeClock) *Engine {
	e := NewEngine(s, d, discardLogger())
	e.now = clock.Now
	e.snooze.now = clock.Now
	e.SetActive(true)
	return e
}

// latitudeOffset converts a north/south distance in meters to degrees.
func latitudeOffset(meters float64) float64 {
	return meters / 111195.0
}
