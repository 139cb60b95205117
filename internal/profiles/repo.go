package profiles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/slot-scheduler/internal/db"
)

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) Get(ctx context.Context, userID int64, field Field) (any, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	var v any
	err := r.db.QueryRow(ctx, `SELECT `+string(field)+` FROM accounts WHERE user_id=$1`, userID).Scan(&v)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, db.WrapNotFound(err)
	}
	return normalize(v), nil
}

func (r *Repo) Set(ctx context.Context, userID int64, field Field, value any) error {
	return r.SetMany(ctx, userID, []Field{field}, []any{value})
}

// SetMany updates several columns of one row in a single statement.
func (r *Repo) SetMany(ctx context.Context, userID int64, fields []Field, values []any) error {
	if err := checkFields(fields, values); err != nil {
		return err
	}
	sql, args := updateSQL(userID, fields, values)
	n, err := r.db.ExecAffected(ctx, sql, args...)
	if err != nil {
		return db.WrapNotFound(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func updateSQL(userID int64, fields []Field, values []any) (string, []any) {
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	args = append(args, userID)
	for i, f := range fields {
		args = append(args, values[i])
		sets = append(sets, fmt.Sprintf("%s=$%d", f, len(args)))
	}
	sets = append(sets, "updated_at=now()")
	return `UPDATE accounts SET ` + strings.Join(sets, ", ") + ` WHERE user_id=$1`, args
}

const profileColumns = `user_id, COALESCE(username,''), COALESCE(password,''), COALESCE(city,''),
COALESCE(st_month,0), COALESCE(st_day,0), COALESCE(fin_month,0), COALESCE(fin_day,0),
COALESCE(auth_token,''), start_time, is_active, last_request, attempts`

func scanProfile(row db.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.UserID, &p.Username, &p.Password, &p.City,
		&p.StartMonth, &p.StartDay, &p.FinalMonth, &p.FinalDay,
		&p.AuthToken, &p.StartTime, &p.IsActive, &p.LastRequest, &p.Attempts)
	return p, err
}

func (r *Repo) Load(ctx context.Context, userID int64) (Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM accounts WHERE user_id=$1`, userID))
	if err != nil {
		if db.IsNotFound(err) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, db.WrapNotFound(err)
	}
	return p, nil
}

// Upsert writes the user-supplied part of a profile. Bookkeeping columns
// (start_time, is_active, last_request, attempts) are left untouched on update.
func (r *Repo) Upsert(ctx context.Context, p Profile) error {
	return r.db.Exec(ctx, `
INSERT INTO accounts(user_id, username, password, city, st_month, st_day, fin_month, fin_day, auth_token)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (user_id) DO UPDATE SET
	username=EXCLUDED.username, password=EXCLUDED.password, city=EXCLUDED.city,
	st_month=EXCLUDED.st_month, st_day=EXCLUDED.st_day, fin_month=EXCLUDED.fin_month, fin_day=EXCLUDED.fin_day,
	auth_token=COALESCE(EXCLUDED.auth_token, accounts.auth_token), updated_at=now()`,
		p.UserID, nullText(p.Username), nullText(p.Password), nullText(p.City),
		nullInt(p.StartMonth), nullInt(p.StartDay), nullInt(p.FinalMonth), nullInt(p.FinalDay),
		nullText(p.AuthToken))
}

// Delete removes the account and its success history in one transaction.
func (r *Repo) Delete(ctx context.Context, userID int64) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		return deleteAccount(ctx, tx, userID)
	})
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// deleteAccount returns ErrNotFound when no account row exists, which rolls
// back the history delete as well.
func deleteAccount(ctx context.Context, q execer, userID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM successes WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete successes: %w", err)
	}
	tag, err := q.Exec(ctx, `DELETE FROM accounts WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return r.ids(ctx, `SELECT user_id FROM accounts WHERE is_active ORDER BY user_id`)
}

// ReadyUserIDs lists users whose profile has credentials, city and a date window.
func (r *Repo) ReadyUserIDs(ctx context.Context) ([]int64, error) {
	return r.ids(ctx, `
SELECT user_id FROM accounts
WHERE username IS NOT NULL AND password IS NOT NULL AND city IS NOT NULL
  AND st_month IS NOT NULL AND st_day IS NOT NULL AND fin_month IS NOT NULL AND fin_day IS NOT NULL
ORDER BY user_id`)
}

func (r *Repo) ids(ctx context.Context, sql string) ([]int64, error) {
	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ResetActive clears every active flag; used at process start.
func (r *Repo) ResetActive(ctx context.Context) error {
	return r.db.Exec(ctx, `UPDATE accounts SET is_active=false WHERE is_active`)
}

func (r *Repo) AddSuccess(ctx context.Context, s Success) error {
	return r.db.Exec(ctx, `
INSERT INTO successes(user_id, success_month, success_day, success_time, attempts, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6::timestamptz, now()))`,
		s.UserID, s.Month, s.Day, s.Time, s.Attempts, nullTime(s.CreatedAt))
}

func (r *Repo) Successes(ctx context.Context, userID int64) ([]Success, error) {
	rows, err := r.db.Query(ctx, `
SELECT user_id, success_month, success_day, success_time, attempts, created_at
FROM successes WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Success
	for rows.Next() {
		var s Success
		if err := rows.Scan(&s.UserID, &s.Month, &s.Day, &s.Time, &s.Attempts, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
