package profiles

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process store with the same contract as Repo.
type Memory struct {
	mu        sync.Mutex
	profiles  map[int64]*Profile
	successes []Success
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{profiles: make(map[int64]*Profile), now: time.Now}
}

func (m *Memory) Get(_ context.Context, userID int64, field Field) (any, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return getField(p, field), nil
}

func (m *Memory) Set(ctx context.Context, userID int64, field Field, value any) error {
	return m.SetMany(ctx, userID, []Field{field}, []any{value})
}

func (m *Memory) SetMany(_ context.Context, userID int64, fields []Field, values []any) error {
	if err := checkFields(fields, values); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	next := *p
	for i, f := range fields {
		if err := setField(&next, f, values[i]); err != nil {
			return err
		}
	}
	*p = next
	return nil
}

func (m *Memory) Load(_ context.Context, userID int64) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return *p, nil
}

func (m *Memory) Upsert(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.profiles[p.UserID]; ok {
		p.StartTime, p.IsActive, p.LastRequest, p.Attempts = cur.StartTime, cur.IsActive, cur.LastRequest, cur.Attempts
		if p.AuthToken == "" {
			p.AuthToken = cur.AuthToken
		}
	}
	m.profiles[p.UserID] = &p
	return nil
}

func (m *Memory) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[userID]; !ok {
		return ErrNotFound
	}
	delete(m.profiles, userID)
	kept := m.successes[:0]
	for _, s := range m.successes {
		if s.UserID != userID {
			kept = append(kept, s)
		}
	}
	m.successes = kept
	return nil
}

func (m *Memory) ActiveUserIDs(_ context.Context) ([]int64, error) {
	return m.ids(func(p *Profile) bool { return p.IsActive }), nil
}

func (m *Memory) ReadyUserIDs(_ context.Context) ([]int64, error) {
	return m.ids(func(p *Profile) bool { return p.Ready() }), nil
}

func (m *Memory) ids(keep func(*Profile) bool) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, p := range m.profiles {
		if keep(p) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) ResetActive(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		p.IsActive = false
	}
	return nil
}

func (m *Memory) AddSuccess(_ context.Context, s Success) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.successes = append(m.successes, s)
	return nil
}

func (m *Memory) Successes(_ context.Context, userID int64) ([]Success, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Success
	for i := len(m.successes) - 1; i >= 0; i-- {
		if m.successes[i].UserID == userID {
			out = append(out, m.successes[i])
		}
	}
	return out, nil
}

func getField(p *Profile, f Field) any {
	text := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	num := func(n int) any {
		if n == 0 {
			return nil
		}
		return n
	}
	ts := func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return *t
	}
	switch f {
	case FieldUsername:
		return text(p.Username)
	case FieldPassword:
		return text(p.Password)
	case FieldCity:
		return text(p.City)
	case FieldStartMonth:
		return num(p.StartMonth)
	case FieldStartDay:
		return num(p.StartDay)
	case FieldFinalMonth:
		return num(p.FinalMonth)
	case FieldFinalDay:
		return num(p.FinalDay)
	case FieldAuthToken:
		return text(p.AuthToken)
	case FieldStartTime:
		return ts(p.StartTime)
	case FieldIsActive:
		return p.IsActive
	case FieldLastRequest:
		return ts(p.LastRequest)
	case FieldAttempts:
		return p.Attempts
	}
	return nil
}

func setField(p *Profile, f Field, v any) error {
	switch f {
	case FieldUsername, FieldPassword, FieldCity, FieldAuthToken:
		s, err := AsString(v)
		if err != nil {
			return err
		}
		switch f {
		case FieldUsername:
			p.Username = s
		case FieldPassword:
			p.Password = s
		case FieldCity:
			p.City = s
		default:
			p.AuthToken = s
		}
	case FieldStartMonth, FieldStartDay, FieldFinalMonth, FieldFinalDay, FieldAttempts:
		n, err := AsInt(v)
		if err != nil {
			return err
		}
		switch f {
		case FieldStartMonth:
			p.StartMonth = n
		case FieldStartDay:
			p.StartDay = n
		case FieldFinalMonth:
			p.FinalMonth = n
		case FieldFinalDay:
			p.FinalDay = n
		default:
			p.Attempts = n
		}
	case FieldIsActive:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("profiles: %T is not a bool", v)
		}
		p.IsActive = b
	case FieldStartTime, FieldLastRequest:
		var t *time.Time
		switch x := v.(type) {
		case nil:
		case time.Time:
			t = &x
		case *time.Time:
			t = x
		default:
			return fmt.Errorf("profiles: %T is not a time", v)
		}
		if f == FieldStartTime {
			p.StartTime = t
		} else {
			p.LastRequest = t
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return nil
}
