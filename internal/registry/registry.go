// Package registry owns the running scan sessions: at most one per user.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/scanner"
)

var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("no running session")
	ErrClosed         = errors.New("registry closed")
)

// Runner is one scan session.
type Runner interface {
	RunID() string
	Run(ctx context.Context) scanner.Result
}

// Factory builds a fresh session for userID; it is called on every start so
// the date window is recomputed.
type Factory func(userID int64) Runner

type Store interface {
	SetMany(ctx context.Context, userID int64, fields []profiles.Field, values []any) error
}

type task struct {
	runID     string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	stopping  bool
	finished  bool
}

// Info describes a running session.
type Info struct {
	UserID    int64     `json:"user_id"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Stopping  bool      `json:"stopping,omitempty"`
}

type Registry struct {
	newRunner Factory
	store     Store
	notifier  notify.Notifier
	log       *zap.Logger
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[int64]*task
	closed bool
	wg     sync.WaitGroup
}

func New(factory Factory, store Store, notifier notify.Notifier, log *zap.Logger) *Registry {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		newRunner: factory,
		store:     store,
		notifier:  notifier,
		log:       log.Named("registry"),
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		tasks:     make(map[int64]*task),
	}
}

// Start launches a session for userID, marks the profile active and stamps its start time.
func (r *Registry) Start(ctx context.Context, userID int64) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.tasks[userID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("user %d: %w", userID, ErrAlreadyRunning)
	}
	runner := r.newRunner(userID)
	taskCtx, cancel := context.WithCancel(r.base)
	t := &task{runID: runner.RunID(), startedAt: r.now(), cancel: cancel, done: make(chan struct{})}
	r.tasks[userID] = t
	r.wg.Add(1)
	r.mu.Unlock()

	err := r.store.SetMany(ctx, userID,
		[]profiles.Field{profiles.FieldIsActive, profiles.FieldStartTime},
		[]any{true, t.startedAt})
	if err != nil {
		r.mu.Lock()
		if r.tasks[userID] == t {
			delete(r.tasks, userID)
		}
		r.mu.Unlock()
		cancel()
		close(t.done)
		r.wg.Done()
		return fmt.Errorf("activate user %d: %w", userID, err)
	}

	go r.run(taskCtx, userID, t, runner)
	r.log.Info("session started", zap.Int64("user_id", userID), zap.String("run_id", t.runID))
	return nil
}

func (r *Registry) run(ctx context.Context, userID int64, t *task, runner Runner) {
	defer r.wg.Done()
	defer close(t.done)
	defer t.cancel()

	res := runner.Run(ctx)
	if res.Status == scanner.StatusCancelled {
		return
	}

	// the session ended on its own; a pending stop releases the entry itself
	r.mu.Lock()
	t.finished = true
	owned := r.tasks[userID] == t && !t.stopping
	r.mu.Unlock()
	if owned {
		r.release(userID, t, true)
	}

	ev := notify.Event{UserID: userID, RunID: res.RunID, Attempts: res.Attempts, At: r.now()}
	switch res.Status {
	case scanner.StatusBooked:
		ev.Kind = notify.KindBooked
		ev.Date = res.Slot.Date.Format("2006-01-02")
		ev.Time = res.Slot.Time
	case scanner.StatusExhausted:
		ev.Kind = notify.KindExhausted
	default:
		ev.Kind = notify.KindInvalid
		if res.Err != nil {
			ev.Message = res.Err.Error()
		}
	}
	r.log.Info("session ended", zap.Int64("user_id", userID), zap.String("run_id", res.RunID), zap.Stringer("status", res.Status))
	if err := r.notifier.Notify(context.Background(), ev); err != nil {
		r.log.Error("notify", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Stop cancels userID's session, waits for it to unwind and marks the
// profile inactive. If ctx ends first the entry stays registered until the
// session has actually exited, so Start keeps refusing the user meanwhile.
func (r *Registry) Stop(ctx context.Context, userID int64) error {
	return r.stop(ctx, userID, true)
}

func (r *Registry) stop(ctx context.Context, userID int64, deactivate bool) error {
	r.mu.Lock()
	t, ok := r.tasks[userID]
	if ok {
		t.stopping = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotRunning)
	}

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		go func() {
			<-t.done
			r.release(userID, t, deactivate)
		}()
		return ctx.Err()
	}
	r.mu.Lock()
	finished := t.finished
	r.mu.Unlock()
	if finished {
		r.release(userID, t, true)
		return fmt.Errorf("user %d: %w", userID, ErrNotRunning)
	}
	r.release(userID, t, deactivate)
	r.log.Info("session stopped", zap.Int64("user_id", userID), zap.String("run_id", t.runID))
	return nil
}

// release writes the flag before dropping the entry.
func (r *Registry) release(userID int64, t *task, deactivate bool) {
	if deactivate {
		r.deactivate(userID)
	}
	r.mu.Lock()
	if r.tasks[userID] == t {
		delete(r.tasks, userID)
	}
	r.mu.Unlock()
}

func (r *Registry) deactivate(userID int64) {
	err := r.store.SetMany(context.Background(), userID,
		[]profiles.Field{profiles.FieldIsActive}, []any{false})
	if err != nil && !errors.Is(err, profiles.ErrNotFound) {
		r.log.Error("deactivate", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (r *Registry) Running(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[userID]
	return ok
}

// Active lists running sessions ordered by user id.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.tasks))
	for id, t := range r.tasks {
		out = append(out, Info{UserID: id, RunID: t.runID, StartedAt: t.startedAt, Stopping: t.stopping})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) activeIDs() []int64 {
	var ids []int64
	for _, in := range r.Active() {
		if !in.Stopping {
			ids = append(ids, in.UserID)
		}
	}
	return ids
}

// RescheduleAll restarts every running session so each recomputes its
// window from today. Sessions that end on their own meanwhile stay ended.
// The caller's cancellation is ignored once the pass begins: every session
// it stops is waited for and started again, and its active flag is only
// cleared when the restart fails for a reason other than shutdown.
func (r *Registry) RescheduleAll(ctx context.Context) ([]int64, error) {
	ctx = context.WithoutCancel(ctx)
	var stopped []int64
	for _, id := range r.activeIDs() {
		if err := r.stop(ctx, id, false); err != nil {
			continue
		}
		stopped = append(stopped, id)
	}
	var (
		restarted []int64
		errs      []error
	)
	for _, id := range stopped {
		if err := r.Start(ctx, id); err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrAlreadyRunning) {
				r.deactivate(id)
			}
			errs = append(errs, err)
			continue
		}
		restarted = append(restarted, id)
	}
	r.log.Info("rescheduled", zap.Int("stopped", len(stopped)), zap.Int("restarted", len(restarted)))
	return restarted, errors.Join(errs...)
}

// Close cancels every session and waits for them to unwind. Active flags
// are left as they are so a restarted process can resume them.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	n := len(r.tasks)
	r.tasks = make(map[int64]*task)
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("registry closed", zap.Int("sessions", n))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
