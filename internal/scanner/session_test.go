package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slot-scheduler/internal/crypto"
	"github.com/example/slot-scheduler/internal/dedup"
	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/target"
)

// fakeService mimics the target's login, slots and validation endpoints.
type fakeService struct {
	mu          sync.Mutex
	token       string
	slots       map[string][]target.SlotLine
	validations []string
	slotStatus  int
	loginStatus int

	logins, polls int
	bookings      []string
	authSeen      []string
	onPoll        func(n int)
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.logins++
		if f.loginStatus != 0 && f.loginStatus != http.StatusOK {
			w.WriteHeader(f.loginStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": f.token})
	})
	mux.HandleFunc("GET /api/sites/appointment-slots", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		n := f.polls
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		status := f.slotStatus
		lines := f.slots[r.URL.Query().Get("date")]
		ok := r.Header.Get("Authorization") == "Bearer "+f.token
		hook := f.onPoll
		f.mu.Unlock()
		if hook != nil {
			hook(n)
		}
		switch {
		case !ok:
			w.WriteHeader(http.StatusUnauthorized)
		case status != 0:
			w.WriteHeader(status)
		default:
			if lines == nil {
				lines = []target.SlotLine{}
			}
			_ = json.NewEncoder(w).Encode(lines)
		}
	})
	mux.HandleFunc("GET /api/sites/appointments-validation", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		i := len(f.bookings)
		f.bookings = append(f.bookings, r.URL.Query().Get("appointmentDate")+" "+r.URL.Query().Get("appointmentTime"))
		body := f.validations[min(i, len(f.validations)-1)]
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func (f *fakeService) counts() (logins, polls, bookings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.polls, len(f.bookings)
}

type harness struct {
	svc    *fakeService
	store  *profiles.Memory
	enc    *crypto.AEAD
	claims *dedup.Local
	events *recorder
	deps   Deps
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newHarness(t *testing.T, svc *fakeService) *harness {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	enc, err := crypto.New("test-secret", "test-salt")
	require.NoError(t, err)

	h := &harness{
		svc:    svc,
		store:  profiles.NewMemory(),
		enc:    enc,
		claims: dedup.NewLocal(dedup.DefaultTTL),
		events: &recorder{},
	}
	h.deps = Deps{
		Store:    h.store,
		Crypto:   enc,
		Claims:   h.claims,
		Target:   target.New(srv.URL+"/", 5*time.Second),
		Sites:    target.Sites{"moscow": 1},
		Notifier: h.events,
		Retry:    RetryPolicy{Attempts: 3, Jitter: time.Millisecond},
		Location: msk,
		Now:      func() time.Time { return time.Date(2023, 5, 30, 10, 0, 0, 0, msk) },
	}
	return h
}

func (h *harness) seed(t *testing.T, city, token string, start, end MonthDay, attempts int) {
	t.Helper()
	mustEnc := func(s string) string {
		if s == "" {
			return ""
		}
		c, err := h.enc.Encrypt(s)
		require.NoError(t, err)
		return c
	}
	require.NoError(t, h.store.Upsert(context.Background(), profiles.Profile{
		UserID:     1,
		Username:   mustEnc("user@example.com"),
		Password:   mustEnc("hunter2"),
		City:       mustEnc(city),
		StartMonth: start.Month,
		StartDay:   start.Day,
		FinalMonth: end.Month,
		FinalDay:   end.Day,
		AuthToken:  mustEnc(token),
		Attempts:   attempts,
	}))
}

func TestSessionBooksAfterOccupied(t *testing.T) {
	svc := &fakeService{
		token: "tok",
		slots: map[string][]target.SlotLine{
			"01/06/2023": {{Time: "09:00", FreeSpots: 2}, {Time: "09:30", FreeSpots: 0}, {Time: "10:00", FreeSpots: 1}},
		},
		validations: []string{"false", "true"},
	}
	h := newHarness(t, svc)
	h.seed(t, "Moscow", "tok", MonthDay{6, 1}, MonthDay{6, 4}, 2)

	res := NewSession(h.deps, 1).Run(context.Background())

	require.Equal(t, StatusBooked, res.Status)
	assert.Equal(t, day(2023, 6, 1), res.Slot.Date)
	assert.Equal(t, "10:00", res.Slot.Time)
	assert.Equal(t, 3, res.Attempts)

	_, polls, bookings := svc.counts()
	assert.Equal(t, 1, polls)
	assert.Equal(t, 2, bookings)
	assert.Equal(t, []string{"01/06/2023 09:00", "01/06/2023 10:00"}, svc.bookings)

	p, err := h.store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Attempts)
	require.NotNil(t, p.LastRequest)

	succ, err := h.store.Successes(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, succ, 1)
	assert.Equal(t, profiles.Success{UserID: 1, Month: 6, Day: 1, Time: "10:00", Attempts: 3, CreatedAt: h.deps.now()}, succ[0])

	// nothing else goes out once the session has ended
	time.Sleep(20 * time.Millisecond)
	_, polls2, bookings2 := svc.counts()
	assert.Equal(t, polls, polls2)
	assert.Equal(t, bookings, bookings2)
}

func TestSessionReauthenticatesOn401(t *testing.T) {
	svc := &fakeService{
		token: "fresh",
		slots: map[string][]target.SlotLine{
			"02/06/2023": {{Time: "11:00", FreeSpots: 1}},
		},
		validations: []string{"true"},
	}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "stale", MonthDay{6, 1}, MonthDay{6, 2}, 0)

	res := NewSession(h.deps, 1).Run(context.Background())
	require.Equal(t, StatusBooked, res.Status)
	assert.Equal(t, "11:00", res.Slot.Time)

	logins, _, _ := svc.counts()
	assert.Equal(t, 1, logins)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh", "Bearer fresh"}, svc.authSeen)

	stored, err := h.store.Get(context.Background(), 1, profiles.FieldAuthToken)
	require.NoError(t, err)
	plain, err := h.enc.Decrypt(stored.(string))
	require.NoError(t, err)
	assert.Equal(t, "fresh", plain)
}

func TestSessionLogsInWhenNoToken(t *testing.T) {
	svc := &fakeService{
		token:       "tok",
		slots:       map[string][]target.SlotLine{"01/06/2023": {{Time: "09:00", FreeSpots: 1}}},
		validations: []string{"true"},
	}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "", MonthDay{6, 1}, MonthDay{6, 1}, 0)

	res := NewSession(h.deps, 1).Run(context.Background())
	require.Equal(t, StatusBooked, res.Status)
	assert.Equal(t, []string{"Bearer tok"}, svc.authSeen)
}

func TestSessionExhaustedOnEmptyWindow(t *testing.T) {
	svc := &fakeService{token: "tok", validations: []string{"true"}}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "tok", MonthDay{6, 3}, MonthDay{6, 4}, 0)

	res := NewSession(h.deps, 1).Run(context.Background())
	assert.Equal(t, StatusExhausted, res.Status)
	_, polls, _ := svc.counts()
	assert.Zero(t, polls)
}

func TestSessionInvalidProfile(t *testing.T) {
	svc := &fakeService{token: "tok", validations: []string{"true"}}
	h := newHarness(t, svc)

	res := NewSession(h.deps, 1).Run(context.Background())
	assert.Equal(t, StatusInvalid, res.Status)
	assert.ErrorIs(t, res.Err, profiles.ErrNotFound)

	h.seed(t, "atlantis", "tok", MonthDay{6, 1}, MonthDay{6, 2}, 0)
	res = NewSession(h.deps, 1).Run(context.Background())
	assert.Equal(t, StatusInvalid, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownCity)
}

func TestSessionSkipsClaimedSlots(t *testing.T) {
	svc := &fakeService{
		token: "tok",
		slots: map[string][]target.SlotLine{
			"01/06/2023": {{Time: "09:00", FreeSpots: 1}, {Time: "09:15", FreeSpots: 1}},
		},
		validations: []string{"true"},
	}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "tok", MonthDay{6, 1}, MonthDay{6, 1}, 0)

	ok, err := h.claims.TryClaim(context.Background(), dedup.Fingerprint("moscow", 6, 1, "09:00"))
	require.NoError(t, err)
	require.True(t, ok)

	res := NewSession(h.deps, 1).Run(context.Background())
	require.Equal(t, StatusBooked, res.Status)
	assert.Equal(t, "09:15", res.Slot.Time)
	assert.Equal(t, []string{"01/06/2023 09:15"}, svc.bookings)
}

func TestSessionCancelStopsScanning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &fakeService{
		token:       "tok",
		validations: []string{"true"},
		onPoll: func(n int) {
			if n == 4 {
				cancel()
			}
		},
	}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "tok", MonthDay{6, 1}, MonthDay{6, 2}, 0)

	res := NewSession(h.deps, 1).Run(ctx)
	assert.Equal(t, StatusCancelled, res.Status)

	_, polls, bookings := svc.counts()
	assert.Equal(t, 4, polls)
	assert.Zero(t, bookings)

	// the in-flight poll still recorded its timestamp
	p, err := h.store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, p.LastRequest)

	succ, err := h.store.Successes(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, succ)
}

func TestSessionEscalatesUnexpectedStatusOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &fakeService{
		token:       "tok",
		slotStatus:  http.StatusTeapot,
		validations: []string{"true"},
		onPoll: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "tok", MonthDay{6, 1}, MonthDay{6, 2}, 0)

	res := NewSession(h.deps, 1).Run(ctx)
	assert.Equal(t, StatusCancelled, res.Status)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Len(t, h.events.events, 1)
	assert.Equal(t, notify.KindEscalation, h.events.events[0].Kind)
	assert.Equal(t, http.StatusTeapot, h.events.events[0].Status)
}

func TestSessionUnknownBookingResponseKeepsScanning(t *testing.T) {
	svc := &fakeService{
		token: "tok",
		slots: map[string][]target.SlotLine{
			"01/06/2023": {{Time: "09:00", FreeSpots: 1}},
			"02/06/2023": {{Time: "12:00", FreeSpots: 1}},
		},
		validations: []string{"maybe", "true"},
	}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "tok", MonthDay{6, 1}, MonthDay{6, 2}, 5)

	res := NewSession(h.deps, 1).Run(context.Background())
	require.Equal(t, StatusBooked, res.Status)
	assert.Equal(t, day(2023, 6, 2), res.Slot.Date)
	// unknown responses do not count as attempts
	assert.Equal(t, 5, res.Attempts)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Len(t, h.events.events, 1)
	assert.Equal(t, notify.KindEscalation, h.events.events[0].Kind)
	assert.Equal(t, http.StatusOK, h.events.events[0].Status)
	assert.Contains(t, h.events.events[0].Message, "appointment validation")
}

func TestClassifyLogin(t *testing.T) {
	cases := map[int]LoginOutcome{
		200: LoginOK,
		400: LoginRejected,
		500: LoginRejected,
		503: LoginServiceDown,
		403: LoginUnexpected,
		502: LoginUnexpected,
	}
	for status, want := range cases {
		assert.Equal(t, want, ClassifyLogin(status), status)
	}
}

func TestAuthenticatorRefusedLoginKeepsToken(t *testing.T) {
	svc := &fakeService{token: "new", loginStatus: http.StatusBadRequest, validations: []string{"true"}}
	h := newHarness(t, svc)
	h.seed(t, "moscow", "old", MonthDay{6, 1}, MonthDay{6, 2}, 0)

	res, err := NewAuthenticator(h.deps).Login(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, LoginRejected, res.Outcome)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	stored, err := h.store.Get(context.Background(), 1, profiles.FieldAuthToken)
	require.NoError(t, err)
	plain, err := h.enc.Decrypt(stored.(string))
	require.NoError(t, err)
	assert.Equal(t, "old", plain)
}
