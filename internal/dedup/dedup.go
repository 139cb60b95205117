// Package dedup keeps short-lived claims on (city, date, time) slots so that
// no two pollers attempt the same slot while a claim is live.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a claim blocks other attempts on the same slot.
const DefaultTTL = 240 * time.Second

// Fingerprint is city ⧺ MM ⧺ DD ⧺ time, the same key on every instance.
func Fingerprint(city string, month, day int, timeOfDay string) string {
	return fmt.Sprintf("%s%02d%02d%s", city, month, day, timeOfDay)
}

// Redis claims slots with SET NX EX, atomic across every process sharing the server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) TryClaim(ctx context.Context, fingerprint string) (bool, error) {
	if r.client == nil {
		return false, errors.New("dedup: redis client is nil")
	}
	ok, err := r.client.SetNX(ctx, r.prefix+fingerprint, 0, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim %s: %w", fingerprint, err)
	}
	return ok, nil
}

// Local claims slots inside one process only.
type Local struct {
	c   *gocache.Cache
	ttl time.Duration
}

func NewLocal(ttl time.Duration) *Local {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Local{c: gocache.New(ttl, 2*ttl), ttl: ttl}
}

func (l *Local) TryClaim(_ context.Context, fingerprint string) (bool, error) {
	// Add fails while a live entry exists.
	return l.c.Add(fingerprint, struct{}{}, l.ttl) == nil, nil
}
