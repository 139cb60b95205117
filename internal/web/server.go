package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/registry"
	"github.com/example/slot-scheduler/internal/scanner"
)

type Profiles interface {
	Load(ctx context.Context, userID int64) (profiles.Profile, error)
	Delete(ctx context.Context, userID int64) error
	Successes(ctx context.Context, userID int64) ([]profiles.Success, error)
	ReadyUserIDs(ctx context.Context) ([]int64, error)
}

type Sessions interface {
	Start(ctx context.Context, userID int64) error
	Stop(ctx context.Context, userID int64) error
	Running(userID int64) bool
	Active() []registry.Info
	RescheduleAll(ctx context.Context) ([]int64, error)
}

type Authenticator interface {
	Login(ctx context.Context, userID int64) (scanner.LoginResult, error)
}

const loginTimeout = time.Minute

// Server is the operator control API.
type Server struct {
	Auth     *auth.Store
	Profiles Profiles
	Registry Sessions
	Login    Authenticator
	Notifier notify.Notifier
	Logger   *zap.Logger

	RateLimit rate.Limit
	RateBurst int
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.Auth.RequireAuth(h))
	}
	authed("GET /api/active", s.handleActive)
	authed("POST /api/reschedule", s.handleReschedule)
	authed("POST /api/users/start-ready", s.handleStartReady)
	authed("GET /api/users/{id}", s.handleUser)
	authed("DELETE /api/users/{id}", s.handleDeleteUser)
	authed("POST /api/users/{id}/login", s.handleUserLogin)
	authed("POST /api/users/{id}/start", s.handleStart)
	authed("POST /api/users/{id}/stop", s.handleStop)
	authed("GET /api/users/{id}/successes", s.handleSuccesses)

	var h http.Handler = mux
	if s.RateLimit > 0 {
		h = NewIPRateLimiter(s.RateLimit, max(s.RateBurst, 1)).Middleware(h)
	}
	return s.logRequests(h)
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log().Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid username/password")
			return
		}
		s.log().Error("operator login", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator_id": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Registry.Active()})
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Registry.RescheduleAll(context.WithoutCancel(r.Context()))
	if ids == nil {
		ids = []int64{}
	}
	resp := map[string]any{"restarted": ids}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type userStatus struct {
	UserID      int64      `json:"user_id"`
	Running     bool       `json:"running"`
	Active      bool       `json:"active"`
	Ready       bool       `json:"ready"`
	HasToken    bool       `json:"has_token"`
	Window      string     `json:"window"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	LastRequest *time.Time `json:"last_request,omitempty"`
	Attempts    int        `json:"attempts"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	p, err := s.Profiles.Load(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userStatus{
		UserID:      id,
		Running:     s.Registry.Running(id),
		Active:      p.IsActive,
		Ready:       p.Ready(),
		HasToken:    p.AuthToken != "",
		Window:      scanner.MonthDay{Month: p.StartMonth, Day: p.StartDay}.String() + "-" + scanner.MonthDay{Month: p.FinalMonth, Day: p.FinalDay}.String(),
		StartTime:   p.StartTime,
		LastRequest: p.LastRequest,
		Attempts:    p.Attempts,
	})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if err := s.Registry.Stop(context.WithoutCancel(r.Context()), id); err != nil && !errors.Is(err, registry.ErrNotRunning) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Profiles.Delete(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUserLogin runs the target login with the stored credentials and
// reports how the front end should read the outcome.
func (s *Server) handleUserLogin(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), loginTimeout)
	defer cancel()

	res, err := s.Login.Login(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, scanner.ErrIncomplete):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "target service did not answer")
		default:
			s.storeError(w, err)
		}
		return
	}

	body := map[string]any{"status": res.Status, "outcome": res.Outcome.String()}
	switch res.Outcome {
	case scanner.LoginOK:
		writeJSON(w, http.StatusOK, body)
	case scanner.LoginRejected:
		writeJSON(w, http.StatusUnprocessableEntity, body)
	case scanner.LoginServiceDown:
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		s.escalateLogin(r.Context(), id, res.Status)
		writeJSON(w, http.StatusBadGateway, body)
	}
}

func (s *Server) escalateLogin(ctx context.Context, userID int64, status int) {
	if s.Notifier == nil {
		return
	}
	ev := notify.Event{Kind: notify.KindEscalation, UserID: userID, Status: status, Message: "unexpected login response", At: time.Now()}
	if err := s.Notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		s.log().Error("escalate", zap.Error(err))
	}
}

type skippedUser struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

// handleStartReady logs in every ready profile and starts a session for
// each one the target accepted.
func (s *Server) handleStartReady(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Profiles.ReadyUserIDs(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	started := []int64{}
	skipped := []skippedUser{}
	for _, id := range ids {
		if s.Registry.Running(id) {
			skipped = append(skipped, skippedUser{id, "already running"})
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), loginTimeout)
		res, err := s.Login.Login(ctx, id)
		cancel()
		if err != nil {
			s.log().Warn("start-ready login", zap.Int64("user_id", id), zap.Error(err))
			skipped = append(skipped, skippedUser{id, "login failed"})
			continue
		}
		if res.Outcome != scanner.LoginOK {
			if res.Outcome == scanner.LoginUnexpected {
				s.escalateLogin(r.Context(), id, res.Status)
			}
			skipped = append(skipped, skippedUser{id, "login " + res.Outcome.String()})
			continue
		}
		if err := s.Registry.Start(context.WithoutCancel(r.Context()), id); err != nil {
			s.log().Warn("start-ready start", zap.Int64("user_id", id), zap.Error(err))
			skipped = append(skipped, skippedUser{id, err.Error()})
			continue
		}
		started = append(started, id)
	}
	s.log().Info("started ready profiles", zap.Int("started", len(started)), zap.Int("skipped", len(skipped)))
	writeJSON(w, http.StatusOK, map[string]any{"started": started, "skipped": skipped})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if s.Registry.Running(id) {
		writeError(w, http.StatusConflict, registry.ErrAlreadyRunning.Error())
		return
	}
	p, err := s.Profiles.Load(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !p.Ready() {
		writeError(w, http.StatusUnprocessableEntity, scanner.ErrIncomplete.Error())
		return
	}
	if err := s.Registry.Start(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"user_id": id, "running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if err := s.Registry.Stop(context.WithoutCancel(r.Context()), id); err != nil {
		if errors.Is(err, registry.ErrNotRunning) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "running": false})
}

type successJSON struct {
	Month     int       `json:"month"`
	Day       int       `json:"day"`
	Time      string    `json:"time"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSuccesses(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	list, err := s.Profiles.Successes(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]successJSON, 0, len(list))
	for _, sc := range list {
		out = append(out, successJSON{Month: sc.Month, Day: sc.Day, Time: sc.Time, Attempts: sc.Attempts, CreatedAt: sc.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"successes": out})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, profiles.ErrNotFound) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	s.log().Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves h on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
