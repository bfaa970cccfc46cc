// Package lock serializes trigger runs across overlapping invocations.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Names of the locks guarding the two trigger runs. The HTTP endpoints and
// the in-process triggers share them.
const (
	ScheduledRun = "run-scheduled-tasks"
	QueueRun     = "process-task-queue"
)

// Release gives a held lock back.
type Release func(ctx context.Context) error

// Locker hands out named, expiring locks. TryLock never blocks: when the lock
// is held elsewhere it returns ok=false.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release Release, ok bool, err error)
}

// Local is an in-process Locker, sufficient when a single reportflow
// instance serves the trigger endpoints.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]time.Time{}, now: time.Now}
}

func (l *Local) TryLock(_ context.Context, name string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.held[name] = until
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A lock that expired and was taken over belongs to someone else.
		if l.held[name].Equal(until) {
			delete(l.held, name)
		}
		return nil
	}, true, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Redis is a Locker shared by every instance pointing at the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "reportflow:lock:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	key := r.prefix + name
	token := uuid.NewString()

	acquired, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		// Only delete the key if it still carries our token.
		if err := r.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}, true, nil
}
