package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"smallbiznis-recurring/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// Unlock releases a lock obtained from Locker.Lock.
type Unlock func(ctx context.Context) error

// Locker serializes work on a key across goroutines and, for the redis
// implementation, across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

var Module = fx.Module("lock", fx.Provide(New))

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client   `optional:"true"`
	Node   *snowflake.Node `optional:"true"`
}

func New(p Params) Locker {
	ttl, wait := p.Config.Lock.TTL, p.Config.Lock.WaitTimeout
	if p.Redis == nil {
		zap.L().Warn("[Lock] No redis client, falling back to in-process locks")
		return NewLocal(wait)
	}
	return NewRedis(p.Redis, p.Node, ttl, wait)
}

// unlockScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another holder is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb   *redis.Client
	node  *snowflake.Node
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

func NewRedis(rdb *redis.Client, node *snowflake.Node, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	return &RedisLocker{rdb: rdb, node: node, ttl: ttl, wait: wait, retry: 50 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	token := l.node.Generate().String()

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				return unlockScript.Run(ctx, l.rdb, []string{key}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

// LocalLocker is an in-process Locker keyed by string. Each key owns a
// one-slot channel; waiting on it respects ctx and the wait timeout.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &LocalLocker{slots: map[string]*slot{}, wait: wait}
}

func (l *LocalLocker) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	s := l.acquireSlot(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	case <-timer.C:
		l.releaseSlot(key, s)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
		return nil
	}, nil
}
