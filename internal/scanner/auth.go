package scanner

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/target"
)

type LoginOutcome int

const (
	LoginOK LoginOutcome = iota
	LoginRejected
	LoginServiceDown
	LoginUnexpected
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginOK:
		return "ok"
	case LoginRejected:
		return "bad credentials"
	case LoginServiceDown:
		return "service unavailable"
	default:
		return "unexpected"
	}
}

// ClassifyLogin maps a login status to what the user should be told.
// The target answers bad credentials with 400 or 500.
func ClassifyLogin(status int) LoginOutcome {
	switch status {
	case http.StatusOK:
		return LoginOK
	case http.StatusBadRequest, http.StatusInternalServerError:
		return LoginRejected
	case http.StatusServiceUnavailable:
		return LoginServiceDown
	default:
		return LoginUnexpected
	}
}

type LoginResult struct {
	Status  int
	Outcome LoginOutcome
	Headers target.Headers
}

// Authenticator logs a user in with their stored credentials and persists the token.
type Authenticator struct {
	store  Store
	crypto Encryptor
	target Target
	retry  RetryPolicy
	log    *zap.Logger
}

func NewAuthenticator(d Deps) *Authenticator {
	return &Authenticator{
		store:  d.Store,
		crypto: d.Crypto,
		target: d.Target,
		retry:  d.Retry,
		log:    d.logger().Named("auth"),
	}
}

// Login posts the decrypted credentials. On 200 the encrypted token is
// stored; any other status leaves the stored token untouched.
func (a *Authenticator) Login(ctx context.Context, userID int64) (LoginResult, error) {
	email, err := a.decryptField(ctx, userID, profiles.FieldUsername)
	if err != nil {
		return LoginResult{}, err
	}
	password, err := a.decryptField(ctx, userID, profiles.FieldPassword)
	if err != nil {
		return LoginResult{}, err
	}
	if email == "" || password == "" {
		return LoginResult{}, fmt.Errorf("%w: credentials not set", ErrIncomplete)
	}

	var res target.LoginResponse
	onRetry := func(n uint, err error) {
		a.log.Error("login request failed, retrying", zap.Int64("user_id", userID), zap.Uint("n", n), zap.Error(err))
	}
	err = a.retry.Do(ctx, onRetry, func() error {
		var err error
		res, err = a.target.Login(context.WithoutCancel(ctx), email, password)
		return err
	})
	if err != nil {
		return LoginResult{}, err
	}

	out := LoginResult{Status: res.Status, Outcome: ClassifyLogin(res.Status)}
	if out.Outcome != LoginOK {
		a.log.Info("login refused", zap.Int64("user_id", userID), zap.Int("status", res.Status), zap.Stringer("outcome", out.Outcome))
		return out, nil
	}

	enc, err := a.crypto.Encrypt(res.Token)
	if err != nil {
		return LoginResult{}, fmt.Errorf("encrypt token: %w", err)
	}
	if err := a.store.Set(context.WithoutCancel(ctx), userID, profiles.FieldAuthToken, enc); err != nil {
		return LoginResult{}, fmt.Errorf("store token: %w", err)
	}
	out.Headers = target.NewHeaders(res.Token)
	a.log.Info("logged in", zap.Int64("user_id", userID))
	return out, nil
}

func (a *Authenticator) decryptField(ctx context.Context, userID int64, f profiles.Field) (string, error) {
	v, err := a.store.Get(ctx, userID, f)
	if err != nil {
		return "", err
	}
	s, err := profiles.AsString(v)
	if err != nil || s == "" {
		return "", err
	}
	plain, err := a.crypto.Decrypt(s)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", f, err)
	}
	return plain, nil
}
