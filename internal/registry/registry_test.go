package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/scanner"
)

type fakeRunner struct {
	id  string
	run func(ctx context.Context) scanner.Result
}

func (f *fakeRunner) RunID() string                          { return f.id }
func (f *fakeRunner) Run(ctx context.Context) scanner.Result { return f.run(ctx) }

// untilCancelled behaves like a scan that never finds a slot.
func untilCancelled(ctx context.Context) scanner.Result {
	<-ctx.Done()
	return scanner.Result{Status: scanner.StatusCancelled}
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	got    chan notify.Event
}

func newRecorder() *recorder { return &recorder{got: make(chan notify.Event, 16)} }

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- ev
	return nil
}

func seeded(t *testing.T, ids ...int64) *profiles.Memory {
	t.Helper()
	m := profiles.NewMemory()
	for _, id := range ids {
		require.NoError(t, m.Upsert(context.Background(), profiles.Profile{UserID: id, Username: "u", Password: "p", City: "c",
			StartMonth: 6, StartDay: 1, FinalMonth: 6, FinalDay: 30}))
	}
	return m
}

func TestStartStop(t *testing.T) {
	store := seeded(t, 1)
	var n atomic.Int32
	reg := New(func(userID int64) Runner {
		return &fakeRunner{id: fmt.Sprintf("run-%d", n.Add(1)), run: untilCancelled}
	}, store, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, reg.Start(ctx, 1))
	assert.ErrorIs(t, reg.Start(ctx, 1), ErrAlreadyRunning)
	assert.True(t, reg.Running(1))

	p, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	require.NotNil(t, p.StartTime)

	active := reg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].UserID)
	assert.Equal(t, "run-1", active[0].RunID)

	require.NoError(t, reg.Stop(ctx, 1))
	assert.False(t, reg.Running(1))
	p, err = store.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	assert.ErrorIs(t, reg.Stop(ctx, 1), ErrNotRunning)
}

func TestStopWaitsForSessionToUnwind(t *testing.T) {
	store := seeded(t, 1)
	var finished atomic.Bool
	reg := New(func(int64) Runner {
		return &fakeRunner{id: "r", run: func(ctx context.Context) scanner.Result {
			<-ctx.Done()
			time.Sleep(30 * time.Millisecond) // in-flight request completing
			finished.Store(true)
			return scanner.Result{Status: scanner.StatusCancelled}
		}}
	}, store, nil, nil)

	require.NoError(t, reg.Start(context.Background(), 1))
	require.NoError(t, reg.Stop(context.Background(), 1))
	assert.True(t, finished.Load())
}

func TestStartFailsForUnknownProfile(t *testing.T) {
	reg := New(func(int64) Runner { return &fakeRunner{id: "r", run: untilCancelled} }, profiles.NewMemory(), nil, nil)
	err := reg.Start(context.Background(), 42)
	assert.ErrorIs(t, err, profiles.ErrNotFound)
	assert.False(t, reg.Running(42))
}

func TestFinishedSessionNotifiesAndDeactivates(t *testing.T) {
	store := seeded(t, 1, 2)
	rec := newRecorder()
	date := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	reg := New(func(userID int64) Runner {
		return &fakeRunner{id: "r", run: func(context.Context) scanner.Result {
			if userID == 1 {
				return scanner.Result{Status: scanner.StatusBooked, RunID: "r", Slot: scanner.Slot{Date: date, Time: "09:00"}, Attempts: 4}
			}
			return scanner.Result{Status: scanner.StatusExhausted, RunID: "r"}
		}}
	}, store, rec, nil)

	require.NoError(t, reg.Start(context.Background(), 1))
	require.NoError(t, reg.Start(context.Background(), 2))

	got := map[int64]notify.Event{}
	for range 2 {
		select {
		case ev := <-rec.got:
			got[ev.UserID] = ev
		case <-time.After(2 * time.Second):
			t.Fatal("no notification")
		}
	}
	assert.Equal(t, notify.KindBooked, got[1].Kind)
	assert.Equal(t, "2023-06-01", got[1].Date)
	assert.Equal(t, "09:00", got[1].Time)
	assert.Equal(t, 4, got[1].Attempts)
	assert.Equal(t, notify.KindExhausted, got[2].Kind)

	require.Eventually(t, func() bool { return len(reg.Active()) == 0 }, time.Second, 5*time.Millisecond)
	for _, id := range []int64{1, 2} {
		require.Eventually(t, func() bool {
			p, err := store.Load(context.Background(), id)
			return err == nil && !p.IsActive
		}, time.Second, 5*time.Millisecond)
	}
}

func TestStoppedSessionDoesNotNotify(t *testing.T) {
	store := seeded(t, 1)
	rec := newRecorder()
	reg := New(func(int64) Runner { return &fakeRunner{id: "r", run: untilCancelled} }, store, rec, nil)

	require.NoError(t, reg.Start(context.Background(), 1))
	require.NoError(t, reg.Stop(context.Background(), 1))
	assert.Empty(t, rec.events)
}

func TestRescheduleAllRecomputesWindow(t *testing.T) {
	store := seeded(t, 1, 2)
	msk := time.FixedZone("MSK", 3*60*60)

	var mu sync.Mutex
	now := time.Date(2023, 5, 30, 8, 0, 0, 0, msk) // Tuesday
	windows := map[int64][]time.Time{}
	var runs atomic.Int32

	reg := New(func(userID int64) Runner {
		mu.Lock()
		windows[userID] = scanner.DateWindow(scanner.MonthDay{Month: 5, Day: 1}, scanner.MonthDay{Month: 6, Day: 30}, now)
		mu.Unlock()
		return &fakeRunner{id: fmt.Sprintf("run-%d", runs.Add(1)), run: untilCancelled}
	}, store, nil, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = reg.Close(ctx) })

	require.NoError(t, reg.Start(ctx, 1))
	require.NoError(t, reg.Start(ctx, 2))
	before := reg.Active()

	mu.Lock()
	now = now.AddDate(0, 0, 1)
	mu.Unlock()

	restarted, err := reg.RescheduleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, restarted)

	after := reg.Active()
	require.Len(t, after, 2)
	for i := range after {
		assert.NotEqual(t, before[i].RunID, after[i].RunID)
	}
	mu.Lock()
	defer mu.Unlock()
	tomorrow := time.Date(2023, 6, 1, 0, 0, 0, 0, msk)
	for _, id := range []int64{1, 2} {
		require.NotEmpty(t, windows[id])
		assert.Equal(t, tomorrow, windows[id][0])
	}

	for _, id := range []int64{1, 2} {
		p, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.True(t, p.IsActive)
	}
}

func TestCloseRefusesNewSessions(t *testing.T) {
	store := seeded(t, 1)
	reg := New(func(int64) Runner { return &fakeRunner{id: "r", run: untilCancelled} }, store, nil, nil)
	require.NoError(t, reg.Start(context.Background(), 1))

	require.NoError(t, reg.Close(context.Background()))
	assert.Empty(t, reg.Active())
	assert.ErrorIs(t, reg.Start(context.Background(), 1), ErrClosed)

	// left active for a later resume
	p, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, p.IsActive)
}

func TestStopTimeoutKeepsUserReserved(t *testing.T) {
	store := seeded(t, 1)
	var live, peak atomic.Int32
	release := make(chan struct{})
	reg := New(func(int64) Runner {
		return &fakeRunner{id: "r", run: func(ctx context.Context) scanner.Result {
			if n := live.Add(1); n > peak.Load() {
				peak.Store(n)
			}
			defer live.Add(-1)
			<-ctx.Done()
			<-release // request still in flight
			return scanner.Result{Status: scanner.StatusCancelled}
		}}
	}, store, nil, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = reg.Close(ctx) })

	require.NoError(t, reg.Start(ctx, 1))
	require.Eventually(t, func() bool { return live.Load() == 1 }, time.Second, time.Millisecond)

	expired, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, reg.Stop(expired, 1), context.Canceled)

	assert.True(t, reg.Running(1))
	assert.ErrorIs(t, reg.Start(ctx, 1), ErrAlreadyRunning)
	active := reg.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].Stopping)

	time.Sleep(100 * time.Millisecond)
	assert.ErrorIs(t, reg.Start(ctx, 1), ErrAlreadyRunning)
	close(release)

	require.Eventually(t, func() bool { return !reg.Running(1) }, time.Second, 5*time.Millisecond)
	p, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	require.NoError(t, reg.Start(ctx, 1))
	require.Eventually(t, func() bool { return live.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRescheduleAllIgnoresCallerCancellation(t *testing.T) {
	store := seeded(t, 1)
	var runs atomic.Int32
	reg := New(func(int64) Runner {
		return &fakeRunner{id: fmt.Sprintf("run-%d", runs.Add(1)), run: func(ctx context.Context) scanner.Result {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return scanner.Result{Status: scanner.StatusCancelled}
		}}
	}, store, nil, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = reg.Close(ctx) })
	require.NoError(t, reg.Start(ctx, 1))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	restarted, err := reg.RescheduleAll(cancelled)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, restarted)

	active := reg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "run-2", active[0].RunID)
	p, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.IsActive)
}

func TestRescheduleAllLeavesFinishedSessionsEnded(t *testing.T) {
	store := seeded(t, 1)
	rec := newRecorder()
	var runs atomic.Int32
	reg := New(func(int64) Runner {
		n := runs.Add(1)
		return &fakeRunner{id: fmt.Sprintf("run-%d", n), run: func(ctx context.Context) scanner.Result {
			<-ctx.Done()
			// booked while the in-flight request completed
			return scanner.Result{Status: scanner.StatusBooked, RunID: fmt.Sprintf("run-%d", n)}
		}}
	}, store, rec, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = reg.Close(ctx) })
	require.NoError(t, reg.Start(ctx, 1))

	restarted, err := reg.RescheduleAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, restarted)
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, reg.Running(1))

	select {
	case ev := <-rec.got:
		assert.Equal(t, notify.KindBooked, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
	p, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
}
