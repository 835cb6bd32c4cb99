package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/flowdesk/model"
)

// Locker serializes advancement of one run. Lock waits at most the
// locker's configured wait and returns RUN_BUSY when the run stays locked.
type Locker interface {
	Lock(ctx context.Context, runID string) (unlock func(), err error)
}

// LocalLocker is a keyed mutex for single-node deployments.
type LocalLocker struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker that waits at most wait for a run.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, slots: make(map[string]*slot)}
}

// Lock acquires the run's lock.
func (l *LocalLocker) Lock(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[runID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[runID] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(runID, s)
			})
		}, nil
	case <-timer.C:
		l.release(runID, s)
		return nil, model.NewRunBusyError(runID)
	case <-ctx.Done():
		l.release(runID, s)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(runID string, s *slot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, runID)
	}
	l.mu.Unlock()
}

// Held returns the number of runs with a holder or waiter. For testing.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// unlockScript deletes the lock only if it still carries our token, so a
// holder whose lease expired cannot release a successor's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease-based lock shared by all engine replicas. A held
// lease is extended every third of its ttl until unlock, so advancement
// that outlasts the ttl (slow webhooks, long action waves) keeps the run.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed
// holder keeps a run locked.
func NewRedisLocker(client *redis.Client, prefix string, ttl, wait time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "flowdesk:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// Lock acquires the run's lease with SET NX PX, polling until the wait
// elapses.
func (l *RedisLocker) Lock(ctx context.Context, runID string) (func(), error) {
	key := l.prefix + runID
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().Add(l.retry).After(deadline) {
			return nil, model.NewRunBusyError(runID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(key, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// Release with a fresh context: the caller's may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = unlockScript.Run(rctx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// renew extends the lease until stop closes or the lease is found to
// belong to someone else.
func (l *RedisLocker) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

// isBusy reports whether err is a lock timeout.
func isBusy(err error) bool {
	var ee *model.ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == model.ErrRunBusy
}
