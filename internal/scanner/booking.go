package scanner

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/target"
)

type OutcomeKind int

const (
	Booked OutcomeKind = iota
	Occupied
	Unknown
)

func (k OutcomeKind) String() string {
	switch k {
	case Booked:
		return "booked"
	case Occupied:
		return "occupied"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind   OutcomeKind
	Status int
}

// Booker submits booking attempts for claimed slots.
type Booker struct {
	deps  Deps
	pause Pause
	log   *zap.Logger
}

func NewBooker(d Deps) *Booker {
	return &Booker{deps: d, pause: d.Delays.BeforeBooking, log: d.logger().Named("booking")}
}

// Attempt waits, submits the booking and records the result. Store failures
// after the target answered are logged, never returned, so a confirmed
// booking is always reported as Booked.
func (b *Booker) Attempt(ctx context.Context, st *State, slot Slot) (Outcome, error) {
	if err := b.pause.Wait(ctx); err != nil {
		return Outcome{}, err
	}
	log := b.log.With(zap.Int64("user_id", st.UserID), zap.String("date", slot.Date.Format("2006/01/02")), zap.String("time", slot.Time))

	var res target.ValidationResponse
	onRetry := func(n uint, err error) { log.Error("booking request failed, retrying", zap.Uint("n", n), zap.Error(err)) }
	err := b.deps.Retry.Do(ctx, onRetry, func() error {
		var err error
		res, err = b.deps.Target.ValidateAppointment(context.WithoutCancel(ctx), st.Headers, st.SiteID, slot.Date, slot.Time)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	// writes below must land even if the session is being stopped
	wctx := context.WithoutCancel(ctx)
	switch {
	case res.Confirmed():
		log.Info("slot booked", zap.Int("attempts", st.Attempts))
		s := profiles.Success{
			UserID:    st.UserID,
			Month:     slot.Month(),
			Day:       slot.Day(),
			Time:      slot.Time,
			Attempts:  st.Attempts,
			CreatedAt: b.deps.now(),
		}
		if err := b.deps.Store.AddSuccess(wctx, s); err != nil {
			log.Error("record success", zap.Error(err))
		}
		if err := b.deps.Store.Set(wctx, st.UserID, profiles.FieldAttempts, 0); err != nil {
			log.Error("reset attempts", zap.Error(err))
		}
		return Outcome{Kind: Booked, Status: res.Status}, nil
	case res.Taken():
		st.Attempts++
		log.Info("slot already taken", zap.Int("attempts", st.Attempts))
		err := b.deps.Store.SetMany(wctx, st.UserID,
			[]profiles.Field{profiles.FieldLastRequest, profiles.FieldAttempts},
			[]any{b.deps.now(), st.Attempts})
		if err != nil {
			log.Error("record attempt", zap.Error(err))
		}
		return Outcome{Kind: Occupied, Status: res.Status}, nil
	default:
		log.Warn("unrecognised booking response", zap.Int("status", res.Status), zap.String("body", truncate(res.Body, 200)))
		return Outcome{Kind: Unknown, Status: res.Status}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
