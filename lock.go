package fairdraw

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyedMutex is an in-process Locker with one mutex per key
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an in-process locker
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is held or ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				k.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ErrLockAcquisitionFailed.WithDetails(key).WithCause(ctx.Err())
	}
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Distributed Lock Implementation Strategy:
// - Lock Acquisition: Use Redis SET NX for optimal performance (single network call)
// - Lock Release: Use Lua script so only the lock owner can release

// releaseLockScript ensures only the lock owner can release the lock
const releaseLockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

// RedisLocker is a Locker shared by every engine instance using the same Redis
type RedisLocker struct {
	client        redis.Cmdable
	expiration    time.Duration
	retryInterval time.Duration
	logger        Logger
	monitor       *DrawMonitor
	newValue      func() string
}

// NewRedisLocker creates a distributed locker; expiration bounds how long a
// crashed holder can block a key
func NewRedisLocker(client redis.Cmdable, expiration, retryInterval time.Duration, logger Logger) *RedisLocker {
	if expiration <= 0 {
		expiration = DefaultLockExpiration
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	return &RedisLocker{
		client:        client,
		expiration:    expiration,
		retryInterval: retryInterval,
		logger:        logger,
		newValue:      generateLockValue,
	}
}

// SetMonitor attaches a monitor that counts Redis errors
func (l *RedisLocker) SetMonitor(monitor *DrawMonitor) { l.monitor = monitor }

// Lock retries SET NX until the key is held or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrInvalidParameters.WithDetails("empty lock key")
	}

	fullKey := LockKeyPrefix + key
	value := l.newValue()

	for {
		acquired, err := l.client.SetNX(ctx, fullKey, value, l.expiration).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrLockAcquisitionFailed.WithDetails(key).WithCause(ctx.Err())
			}
			l.monitor.RecordStoreError()
			l.logger.Error("Failed to acquire lock %s: %v", fullKey, err)
		}
		if acquired {
			l.logger.Debug("Lock acquired key=%s", fullKey)
			return l.unlockFunc(fullKey, value), nil
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrLockAcquisitionFailed.WithDetails(key).WithCause(ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) unlockFunc(fullKey, value string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultRedisWriteTimeout)
			defer cancel()

			result, err := l.client.Eval(ctx, releaseLockScript, []string{fullKey}, value).Int64()
			switch {
			case err != nil:
				l.monitor.RecordStoreError()
				l.logger.Error("Failed to release lock %s: %v", fullKey, err)
			case result == 0:
				l.logger.Error("Lock %s expired before release", fullKey)
			default:
				l.logger.Debug("Lock released key=%s", fullKey)
			}
		})
	}
}
