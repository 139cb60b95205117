package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/slot-scheduler/internal/db"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Operators is the persistent set of console accounts.
type Operators interface {
	Lookup(ctx context.Context, username string) (id int64, hash string, err error)
	Insert(ctx context.Context, username, hash string) (int64, error)
}

type PGOperators struct{ db *db.DB }

func NewPGOperators(d *db.DB) *PGOperators { return &PGOperators{db: d} }

func (p *PGOperators) Lookup(ctx context.Context, username string) (int64, string, error) {
	var id int64
	var hash string
	err := p.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM operators WHERE username=$1`, username).Scan(&id, &hash)
	return id, hash, db.WrapNotFound(err)
}

func (p *PGOperators) Insert(ctx context.Context, username, hash string) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx, `INSERT INTO operators(username, password_bcrypt) VALUES ($1,$2) RETURNING id`, username, hash).Scan(&id)
	return id, db.WrapNotFound(err)
}

type Store struct {
	sc  *securecookie.SecureCookie
	ops Operators
}

type ctxKey string

const operatorIDKey ctxKey = "operatorID"

const sessionTTL = 14 * 24 * time.Hour

func NewStore(ops Operators, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, ops: ops}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (s *Store) CreateOperator(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 8 {
		return 0, errors.New("username required and password must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	return s.ops.Insert(ctx, username, hash)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	id, hash, err := s.ops.Lookup(ctx, strings.TrimSpace(username))
	if err != nil {
		if db.IsNotFound(err) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

const cookieName = "slotsched_session"

type session struct {
	OperatorID int64 `json:"oid"`
	Version    int   `json:"v"`
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, operatorID int64) error {
	encoded, err := s.sc.Encode(cookieName, session{OperatorID: operatorID, Version: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) OperatorFromRequest(r *http.Request) (int64, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return 0, false
	}
	var sess session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil || sess.OperatorID <= 0 {
		return 0, false
	}
	return sess.OperatorID, true
}

// RequireAuth answers 401 to requests without a valid session cookie.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.OperatorFromRequest(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"login required"}` + "\n"))
			return
		}
		ctx := context.WithValue(r.Context(), operatorIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func OperatorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
