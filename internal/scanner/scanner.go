// Package scanner runs one user's polling session: it walks the user's date
// window, asks the target for free times, claims slots in the shared dedup
// cache and tries to book them until one is confirmed or the session ends.
package scanner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/target"
)

var (
	ErrAuthExpired = errors.New("auth token rejected")
	ErrUnknownCity = errors.New("unknown city")
	ErrIncomplete  = errors.New("profile incomplete")
)

// Store is the slice of the credential store a session touches.
type Store interface {
	Load(ctx context.Context, userID int64) (profiles.Profile, error)
	Get(ctx context.Context, userID int64, field profiles.Field) (any, error)
	Set(ctx context.Context, userID int64, field profiles.Field, value any) error
	SetMany(ctx context.Context, userID int64, fields []profiles.Field, values []any) error
	AddSuccess(ctx context.Context, s profiles.Success) error
}

type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Claimer interface {
	TryClaim(ctx context.Context, fingerprint string) (bool, error)
}

// Target is the remote booking service.
type Target interface {
	Login(ctx context.Context, email, password string) (target.LoginResponse, error)
	AppointmentSlots(ctx context.Context, h target.Headers, siteID int, date time.Time) (target.SlotsResponse, error)
	ValidateAppointment(ctx context.Context, h target.Headers, siteID int, date time.Time, timeOfDay string) (target.ValidationResponse, error)
}

// Deps is everything a session needs. Zero Delays mean no pauses; nil Now
// means time.Now; nil Notifier drops escalations.
type Deps struct {
	Store    Store
	Crypto   Encryptor
	Claims   Claimer
	Target   Target
	Sites    target.Sites
	Notifier notify.Notifier
	Logger   *zap.Logger

	Retry    RetryPolicy
	Delays   Delays
	Location *time.Location
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if d.Location != nil {
		return now().In(d.Location)
	}
	return now()
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) notifier() notify.Notifier {
	if d.Notifier == nil {
		return notify.Discard{}
	}
	return d.Notifier
}

// State is the decrypted working copy of a profile for one run.
type State struct {
	UserID   int64
	City     string
	SiteID   int
	Headers  target.Headers
	Attempts int
}

// Slot is a candidate appointment: a date and a time-of-day label.
type Slot struct {
	Date time.Time
	Time string
}

func (s Slot) Month() int { return int(s.Date.Month()) }
func (s Slot) Day() int   { return s.Date.Day() }
