package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the lock expired or was taken over
// by another holder before the unlock ran.
var ErrNotHeld = errors.New("lock not held by this instance")

// unlockScript deletes the key only when it still carries our holder value,
// so an expired lock reacquired elsewhere is never released by us.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Mutex is a redis-backed lock used to serialize call-record updates across
// gateway instances. Each Mutex guards a single key and identifies itself
// with a random holder value.
type Mutex struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

// NewMutex creates a mutex for key. The lock auto-expires after ttl so a
// crashed holder cannot wedge the key forever.
func NewMutex(client *redis.Client, key string, ttl time.Duration) *Mutex {
	return &Mutex{
		client: client,
		key:    key,
		holder: newHolderID(),
		ttl:    ttl,
	}
}

func newHolderID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock acquires the mutex, polling until it succeeds or ctx ends.
func (m *Mutex) Lock(ctx context.Context) error {
	for {
		acquired, err := m.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryLock attempts a single acquisition without waiting.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	acquired, err := m.client.SetNX(ctx, m.key, m.holder, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", m.key, err)
	}
	return acquired, nil
}

// Unlock releases the mutex if this instance still holds it.
func (m *Mutex) Unlock(ctx context.Context) error {
	result, err := m.client.Eval(ctx, unlockScript, []string{m.key}, m.holder).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", m.key, err)
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}
