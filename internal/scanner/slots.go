package scanner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/slot-scheduler/internal/profiles"
)

// UnexpectedStatusError is a status the poller has no rule for.
type UnexpectedStatusError struct {
	Op     string
	Status int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// Poller fetches the free times of one date.
type Poller struct {
	deps  Deps
	pause Pause
	log   *zap.Logger
}

func NewPoller(d Deps) *Poller {
	return &Poller{deps: d, pause: d.Delays.BeforePoll, log: d.logger().Named("poll")}
}

// FreeTimes waits, asks the target for date's slots and records the poll
// time. A 401 yields ErrAuthExpired.
func (p *Poller) FreeTimes(ctx context.Context, st *State, date time.Time) ([]string, error) {
	if err := p.pause.Wait(ctx); err != nil {
		return nil, err
	}
	log := p.log.With(zap.Int64("user_id", st.UserID), zap.String("date", date.Format("2006/01/02")))
	log.Debug("scanning")

	var (
		status int
		times  []string
	)
	onRetry := func(n uint, err error) { log.Error("slots request failed, retrying", zap.Uint("n", n), zap.Error(err)) }
	err := p.deps.Retry.Do(ctx, onRetry, func() error {
		res, err := p.deps.Target.AppointmentSlots(context.WithoutCancel(ctx), st.Headers, st.SiteID, date)
		status = res.Status
		if err == nil {
			times = res.FreeTimes()
		}
		return err
	})
	// the request went through if we have a status, even if the body was garbage
	if status != 0 {
		if serr := p.deps.Store.Set(context.WithoutCancel(ctx), st.UserID, profiles.FieldLastRequest, p.deps.now()); serr != nil {
			log.Error("record poll time", zap.Error(serr))
		}
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		if len(times) > 0 {
			log.Info("free times", zap.Strings("times", times))
		}
		return times, nil
	case http.StatusUnauthorized:
		return nil, ErrAuthExpired
	default:
		return nil, &UnexpectedStatusError{Op: "appointment slots", Status: status}
	}
}
