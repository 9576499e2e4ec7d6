package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another worker holds the critical section.
var ErrLockHeld = errors.New("lock already held")

// CloseYearLockKey builds the redis key serializing year-end closing per year.
func CloseYearLockKey(year int) string {
	return fmt.Sprintf("fiscal:year:%d:close-lock", year)
}

// Mutex is a best-effort distributed lock on Redis. The TTL bounds how long a
// crashed holder can block others; release is token-checked so an expired
// holder cannot delete a successor's lock.
type Mutex struct {
	client *redis.Client
}

// NewMutex constructs a Mutex.
func NewMutex(client *redis.Client) *Mutex {
	return &Mutex{client: client}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire claims key for ttl and returns a release function. ErrLockHeld is
// returned when the key is already claimed.
func (m *Mutex) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if m == nil || m.client == nil {
		return nil, errors.New("mutex not initialised")
	}
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, m.client, []string{key}, token).Err()
	}
	return release, nil
}
