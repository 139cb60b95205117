package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/slot-scheduler/internal/dedup"
	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/target"
)

// Phase is where a session is in its state machine.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseScanning
	PhaseAuthenticating
	PhaseAttemptingBooking
	PhaseSucceeded
	PhaseExhausted
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseScanning:
		return "scanning"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAttemptingBooking:
		return "attempting_booking"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseExhausted:
		return "exhausted"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Status is how a session ended.
type Status int

const (
	StatusCancelled Status = iota
	StatusBooked
	StatusExhausted
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusBooked:
		return "booked"
	case StatusExhausted:
		return "exhausted"
	case StatusInvalid:
		return "invalid"
	default:
		return "cancelled"
	}
}

type Result struct {
	Status   Status
	RunID    string
	Slot     Slot
	Attempts int
	Err      error
}

// Session is one user's scan from activation to a terminal result.
type Session struct {
	deps   Deps
	userID int64
	runID  string
	log    *zap.Logger

	auth   *Authenticator
	poller *Poller
	booker *Booker

	mu       sync.Mutex
	phase    Phase
	date     time.Time
	escalate map[int]bool
}

func NewSession(d Deps, userID int64) *Session {
	runID := uuid.NewString()
	log := d.logger().Named("session").With(zap.Int64("user_id", userID), zap.String("run_id", runID))
	d.Logger = log
	return &Session{
		deps:     d,
		userID:   userID,
		runID:    runID,
		log:      log,
		auth:     NewAuthenticator(d),
		poller:   NewPoller(d),
		booker:   NewBooker(d),
		escalate: make(map[int]bool),
	}
}

func (s *Session) RunID() string { return s.runID }

// Phase returns the current phase and, while scanning, the date being polled.
func (s *Session) Phase() (Phase, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.date
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	prev := s.phase
	s.phase = p
	s.mu.Unlock()
	if prev != p {
		s.log.Debug("phase", zap.Stringer("from", prev), zap.Stringer("to", p))
	}
}

// Run scans until a slot is booked, the window turns out empty, the profile
// is unusable, or ctx is cancelled. Cancellation is observed between
// requests; an in-flight request completes and its store writes land.
func (s *Session) Run(ctx context.Context) Result {
	st, dates, err := s.prepare(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(st)
		}
		s.log.Warn("cannot start scan", zap.Error(err))
		s.setPhase(PhaseStopped)
		return Result{Status: StatusInvalid, RunID: s.runID, Err: err}
	}
	if len(dates) == 0 {
		s.log.Info("no eligible dates")
		s.setPhase(PhaseExhausted)
		return Result{Status: StatusExhausted, RunID: s.runID, Attempts: st.Attempts}
	}
	s.log.Info("scan started", zap.String("city", st.City), zap.Int("dates", len(dates)),
		zap.String("first", dates[0].Format("2006-01-02")), zap.String("last", dates[len(dates)-1].Format("2006-01-02")))

	if st.Headers.Token() == "" {
		s.setPhase(PhaseAuthenticating)
	} else {
		s.setPhase(PhaseScanning)
	}

	cursor := 0
	for {
		if ctx.Err() != nil {
			return s.cancelled(st)
		}
		phase, _ := s.Phase()
		switch phase {
		case PhaseAuthenticating:
			if err := s.reauthenticate(ctx, st); err != nil && ctx.Err() != nil {
				return s.cancelled(st)
			}
			s.setPhase(PhaseScanning)

		case PhaseScanning:
			date := dates[cursor]
			s.mu.Lock()
			s.date = date
			s.mu.Unlock()

			times, err := s.poller.FreeTimes(ctx, st, date)
			switch {
			case ctx.Err() != nil:
				return s.cancelled(st)
			case errors.Is(err, ErrAuthExpired):
				s.log.Info("token expired")
				s.setPhase(PhaseAuthenticating)
				continue
			case err != nil:
				s.upstreamError(ctx, err)
			}

			for _, tm := range times {
				if res, done := s.trySlot(ctx, st, Slot{Date: date, Time: tm}); done {
					return res
				}
			}
			cursor = (cursor + 1) % len(dates)
		}
	}
}

// trySlot claims and attempts one free time. done is true when the session must end.
func (s *Session) trySlot(ctx context.Context, st *State, slot Slot) (Result, bool) {
	if ctx.Err() != nil {
		return s.cancelled(st), true
	}
	fp := dedup.Fingerprint(st.City, slot.Month(), slot.Day(), slot.Time)

	var claimed bool
	onRetry := func(n uint, err error) { s.log.Error("claim failed, retrying", zap.Uint("n", n), zap.Error(err)) }
	err := s.deps.Retry.Do(ctx, onRetry, func() error {
		var err error
		claimed, err = s.deps.Claims.TryClaim(ctx, fp)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(st), true
		}
		s.log.Error("claim", zap.String("fingerprint", fp), zap.Error(err))
		return Result{}, false
	}
	if !claimed {
		s.log.Debug("slot claimed elsewhere", zap.String("fingerprint", fp))
		if err := s.deps.Delays.ClaimDenied.Wait(ctx); err != nil {
			return s.cancelled(st), true
		}
		return Result{}, false
	}

	s.setPhase(PhaseAttemptingBooking)
	out, err := s.booker.Attempt(ctx, st, slot)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(st), true
		}
		s.upstreamError(ctx, err)
		s.setPhase(PhaseScanning)
		return Result{}, false
	}
	if out.Kind == Booked {
		s.setPhase(PhaseSucceeded)
		attempts := st.Attempts
		st.Attempts = 0
		return Result{Status: StatusBooked, RunID: s.runID, Slot: slot, Attempts: attempts}, true
	}
	if out.Kind == Unknown {
		s.upstreamError(ctx, &UnexpectedStatusError{Op: "appointment validation", Status: out.Status})
	}
	s.setPhase(PhaseScanning)
	return Result{}, false
}

// prepare loads the profile and decrypts the working state.
func (s *Session) prepare(ctx context.Context) (*State, []time.Time, error) {
	st := &State{UserID: s.userID}
	p, err := s.deps.Store.Load(ctx, s.userID)
	if err != nil {
		return st, nil, err
	}
	st.Attempts = p.Attempts
	if !p.Ready() {
		return st, nil, ErrIncomplete
	}

	city, err := s.deps.Crypto.Decrypt(p.City)
	if err != nil {
		return st, nil, fmt.Errorf("decrypt city: %w", err)
	}
	st.City = strings.ToLower(strings.TrimSpace(city))
	siteID, ok := s.deps.Sites.Lookup(st.City)
	if !ok {
		return st, nil, fmt.Errorf("%w: %q", ErrUnknownCity, st.City)
	}
	st.SiteID = siteID

	if p.AuthToken != "" {
		token, err := s.deps.Crypto.Decrypt(p.AuthToken)
		if err != nil {
			// a bad token is recoverable; log in again
			s.log.Warn("stored token unreadable", zap.Error(err))
		} else {
			st.Headers = target.NewHeaders(token)
		}
	}

	dates := DateWindow(
		MonthDay{Month: p.StartMonth, Day: p.StartDay},
		MonthDay{Month: p.FinalMonth, Day: p.FinalDay},
		s.deps.now(),
	)
	return st, dates, nil
}

// reauthenticate logs in again. Failure keeps the old headers; the next 401 retries.
func (s *Session) reauthenticate(ctx context.Context, st *State) error {
	res, err := s.auth.Login(ctx, s.userID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("re-authentication failed", zap.Error(err))
		}
		return err
	}
	switch res.Outcome {
	case LoginOK:
		st.Headers = res.Headers
	case LoginUnexpected:
		s.upstreamError(ctx, &UnexpectedStatusError{Op: "login", Status: res.Status})
	default:
		s.log.Warn("re-authentication refused", zap.Int("status", res.Status), zap.Stringer("outcome", res.Outcome))
	}
	return nil
}

// upstreamError logs err and escalates each unexpected status once per session.
func (s *Session) upstreamError(ctx context.Context, err error) {
	var us *UnexpectedStatusError
	if !errors.As(err, &us) {
		s.log.Warn("request failed", zap.Error(err))
		return
	}
	s.log.Warn("unexpected upstream response", zap.String("op", us.Op), zap.Int("status", us.Status))

	s.mu.Lock()
	seen := s.escalate[us.Status]
	s.escalate[us.Status] = true
	s.mu.Unlock()
	if seen {
		return
	}
	ev := notify.Event{
		Kind:    notify.KindEscalation,
		UserID:  s.userID,
		RunID:   s.runID,
		Status:  us.Status,
		Message: us.Error(),
		At:      s.deps.now(),
	}
	if nerr := s.deps.notifier().Notify(context.WithoutCancel(ctx), ev); nerr != nil {
		s.log.Error("escalate", zap.Error(nerr))
	}
}

func (s *Session) cancelled(st *State) Result {
	s.setPhase(PhaseStopped)
	s.log.Info("scan cancelled")
	res := Result{Status: StatusCancelled, RunID: s.runID}
	if st != nil {
		res.Attempts = st.Attempts
	}
	return res
}
