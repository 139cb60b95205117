// Package profiles is the credential store: one row per user holding the
// encrypted identity, date window, city and token plus scanning bookkeeping.
package profiles

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("profile not found")
	ErrUnknownField = errors.New("unknown profile field")
)

// Field names an accounts column. Only the constants below are accepted.
type Field string

const (
	FieldUsername    Field = "username"
	FieldPassword    Field = "password"
	FieldCity        Field = "city"
	FieldStartMonth  Field = "st_month"
	FieldStartDay    Field = "st_day"
	FieldFinalMonth  Field = "fin_month"
	FieldFinalDay    Field = "fin_day"
	FieldAuthToken   Field = "auth_token"
	FieldStartTime   Field = "start_time"
	FieldIsActive    Field = "is_active"
	FieldLastRequest Field = "last_request"
	FieldAttempts    Field = "attempts"
)

var knownFields = map[Field]struct{}{
	FieldUsername: {}, FieldPassword: {}, FieldCity: {},
	FieldStartMonth: {}, FieldStartDay: {}, FieldFinalMonth: {}, FieldFinalDay: {},
	FieldAuthToken: {}, FieldStartTime: {}, FieldIsActive: {}, FieldLastRequest: {}, FieldAttempts: {},
}

func (f Field) Valid() bool {
	_, ok := knownFields[f]
	return ok
}

func checkFields(fields []Field, values []any) error {
	if len(fields) != len(values) {
		return fmt.Errorf("profiles: %d fields but %d values", len(fields), len(values))
	}
	if len(fields) == 0 {
		return errors.New("profiles: no fields")
	}
	for _, f := range fields {
		if !f.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
	}
	return nil
}

// Profile is the stored record. Username, Password, City and AuthToken hold ciphertext.
type Profile struct {
	UserID int64

	Username string
	Password string
	City     string

	StartMonth int
	StartDay   int
	FinalMonth int
	FinalDay   int

	AuthToken   string
	StartTime   *time.Time
	IsActive    bool
	LastRequest *time.Time
	Attempts    int
}

// Ready reports whether the profile has everything a scan needs to start.
func (p Profile) Ready() bool {
	return p.Username != "" && p.Password != "" && p.City != "" &&
		p.StartMonth > 0 && p.StartDay > 0 && p.FinalMonth > 0 && p.FinalDay > 0
}

// Success is written once per booked slot.
type Success struct {
	UserID    int64
	Month     int
	Day       int
	Time      string
	Attempts  int
	CreatedAt time.Time
}

// AsInt converts a value returned by Get into an int. NULL yields 0.
func AsInt(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("profiles: %T is not an integer", v)
	}
}

// AsString converts a value returned by Get into a string. NULL yields "".
func AsString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("profiles: %T is not a string", v)
	}
}

func normalize(v any) any {
	switch n := v.(type) {
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	}
	return v
}
