// Package notify delivers session outcomes and operator escalations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Kind string

const (
	KindBooked     Kind = "booked"
	KindExhausted  Kind = "exhausted"
	KindInvalid    Kind = "invalid"
	KindEscalation Kind = "escalation"
)

type Event struct {
	Kind     Kind      `json:"kind"`
	UserID   int64     `json:"user_id"`
	RunID    string    `json:"run_id,omitempty"`
	Date     string    `json:"date,omitempty"`
	Time     string    `json:"time,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Status   int       `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to the service log.
type Log struct{ l *zap.Logger }

func NewLog(l *zap.Logger) *Log { return &Log{l: l.Named("notify")} }

func (n *Log) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Int64("user_id", ev.UserID),
		zap.String("run_id", ev.RunID),
	}
	if ev.Date != "" {
		fields = append(fields, zap.String("date", ev.Date), zap.String("time", ev.Time))
	}
	if ev.Status != 0 {
		fields = append(fields, zap.Int("status", ev.Status))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}
	if ev.Kind == KindEscalation {
		n.l.Warn("operator attention needed", fields...)
		return nil
	}
	n.l.Info("session finished", fields...)
	return nil
}

// Redis publishes events as JSON on a pub/sub channel for whatever front end listens.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (n *Redis) Notify(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }
