package fairdraw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// MaxSerializationSize is the maximum allowed size for a serialized record (1MB)
const MaxSerializationSize = 1 << 20

const (
	statusField     = "state"
	resolvedAtField = "resolved_at"
)

// createSessionScript writes the session, its status and its secret slot in
// one step, refusing to touch anything if the game ID is already taken
const createSessionScript = `
		if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
			return 0
		end
		redis.call("SET", KEYS[1], ARGV[1])
		redis.call("HSET", KEYS[2], "state", ARGV[2])
		redis.call("SET", KEYS[3], ARGV[3])
		return 1
	`

// markResolvedScript compares and sets the status: -1 unknown, 0 already resolved, 1 resolved now
const markResolvedScript = `
		local state = redis.call("HGET", KEYS[1], "state")
		if not state then
			return -1
		end
		if state == ARGV[1] then
			return 0
		end
		redis.call("HSET", KEYS[1], "state", ARGV[1], "resolved_at", ARGV[2])
		return 1
	`

// RedisStore implements SessionStore and RecordStore on Redis
type RedisStore struct {
	client  redis.Cmdable
	logger  Logger
	retry   *RetryPolicy
	monitor *DrawMonitor
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.Cmdable, logger Logger) *RedisStore {
	if logger == nil {
		logger = NewSilentLogger()
	}
	return &RedisStore{
		client: client,
		logger: logger,
		retry:  NewRetryPolicy(DefaultRetryAttempts, DefaultRetryInterval),
	}
}

// NewRedisStoreWithRetry creates a Redis-backed store with custom retry settings for transient errors
func NewRedisStoreWithRetry(client redis.Cmdable, logger Logger, retryAttempts int, retryDelay time.Duration) *RedisStore {
	s := NewRedisStore(client, logger)
	s.retry = NewRetryPolicy(retryAttempts, retryDelay)
	return s
}

// SetMonitor attaches a monitor that counts Redis errors
func (s *RedisStore) SetMonitor(monitor *DrawMonitor) { s.monitor = monitor }

// do runs a Redis operation, retrying transient errors
func (s *RedisStore) do(ctx context.Context, operation string, fn func() error) error {
	err := s.retry.Execute(ctx, s.logger, operation, func() error {
		err := fn()
		if err != nil && !errors.Is(err, redis.Nil) && IsRetryableError(err) {
			s.monitor.RecordStoreError()
		}
		return err
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("Redis %s failed: %v", operation, err)
	}
	return err
}

// CreateSession stores a new Committed session together with its server seed
func (s *RedisStore) CreateSession(ctx context.Context, session *GameSession, serverSeed string) error {
	data, err := json.Marshal(session)
	if err != nil {
		return ErrSystemError.WithOperation("create_session").WithCause(err)
	}

	keys := []string{
		SessionKeyPrefix + session.GameID,
		StatusKeyPrefix + session.GameID,
		SecretKeyPrefix + session.GameID,
	}

	var created int64
	err = s.do(ctx, "create_session", func() error {
		var err error
		created, err = s.client.Eval(ctx, createSessionScript, keys, data, string(StatusCommitted), serverSeed).Int64()
		return err
	})
	if err != nil {
		return ErrStorageFailure.WithOperation("create_session").WithGameID(session.GameID).WithCause(err)
	}
	if created == 0 {
		return ErrDuplicateSession.WithGameID(session.GameID)
	}

	return nil
}

// GetSession returns the stored session with its current status
func (s *RedisStore) GetSession(ctx context.Context, gameID string) (*GameSession, error) {
	var data string
	err := s.do(ctx, "get_session", func() error {
		var err error
		data, err = s.client.Get(ctx, SessionKeyPrefix+gameID).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound.WithGameID(gameID)
	}
	if err != nil {
		return nil, ErrStorageFailure.WithOperation("get_session").WithGameID(gameID).WithCause(err)
	}

	var session GameSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, ErrStorageFailure.WithOperation("get_session").WithGameID(gameID).
			WithDetails("corrupt session document").WithCause(err)
	}

	var status map[string]string
	err = s.do(ctx, "get_status", func() error {
		var err error
		status, err = s.client.HGetAll(ctx, StatusKeyPrefix+gameID).Result()
		return err
	})
	if err != nil {
		return nil, ErrStorageFailure.WithOperation("get_status").WithGameID(gameID).WithCause(err)
	}

	if state, ok := status[statusField]; ok {
		session.Status = SessionStatus(state)
	}
	if raw, ok := status[resolvedAtField]; ok {
		resolvedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, ErrStorageFailure.WithOperation("get_status").WithGameID(gameID).WithCause(err)
		}
		session.ResolvedAt = resolvedAt
	}

	return &session, nil
}

// ServerSeed returns the stored server seed of a session
func (s *RedisStore) ServerSeed(ctx context.Context, gameID string) (string, error) {
	var seed string
	err := s.do(ctx, "get_secret", func() error {
		var err error
		seed, err = s.client.Get(ctx, SecretKeyPrefix+gameID).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound.WithGameID(gameID)
	}
	if err != nil {
		return "", ErrStorageFailure.WithOperation("get_secret").WithGameID(gameID).WithCause(err)
	}
	return seed, nil
}

// NextNonce reserves the next nonce with INCR; the first nonce is 0
func (s *RedisStore) NextNonce(ctx context.Context, clientSeed string) (int64, error) {
	var n int64
	err := s.do(ctx, "next_nonce", func() error {
		var err error
		n, err = s.client.Incr(ctx, NonceKeyPrefix+clientSeed).Result()
		return err
	})
	if err != nil {
		return 0, ErrStorageFailure.WithOperation("next_nonce").WithCause(err)
	}
	return n - 1, nil
}

// MarkResolved moves a session to Resolved exactly once
func (s *RedisStore) MarkResolved(ctx context.Context, gameID string, resolvedAt time.Time) error {
	var result int64
	err := s.do(ctx, "mark_resolved", func() error {
		var err error
		result, err = s.client.Eval(ctx, markResolvedScript, []string{StatusKeyPrefix + gameID},
			string(StatusResolved), resolvedAt.UTC().Format(time.RFC3339Nano)).Int64()
		return err
	})
	if err != nil {
		return ErrStorageFailure.WithOperation("mark_resolved").WithGameID(gameID).WithCause(err)
	}

	switch result {
	case -1:
		return ErrSessionNotFound.WithGameID(gameID)
	case 0:
		return ErrSessionAlreadyResolved.WithGameID(gameID)
	default:
		return nil
	}
}

// AppendRecord persists a record with SET NX; records never expire
func (s *RedisStore) AppendRecord(ctx context.Context, record *GameRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return ErrSystemError.WithOperation("append_record").WithCause(err)
	}
	if len(data) > MaxSerializationSize {
		return ErrInvalidParameters.WithGameID(record.GameID).WithDetails(
			fmt.Sprintf("serialized record size (%d bytes) exceeds maximum allowed size (%d bytes), prizes=%d",
				len(data), MaxSerializationSize, len(record.Prizes)))
	}

	var stored bool
	err = s.do(ctx, "append_record", func() error {
		var err error
		stored, err = s.client.SetNX(ctx, RecordKeyPrefix+record.GameID, data, 0).Result()
		return err
	})
	if err != nil {
		return ErrStorageFailure.WithOperation("append_record").WithGameID(record.GameID).WithCause(err)
	}
	if !stored {
		// a retried SETNX finds its own earlier write when the first reply was lost
		if s.holdsRecord(ctx, record.GameID, data) {
			s.logger.Info("Record already stored by an earlier attempt game_id=%s", record.GameID)
			return nil
		}
		return ErrRecordExists.WithGameID(record.GameID)
	}

	return nil
}

// holdsRecord reports whether the stored document of gameID is exactly data
func (s *RedisStore) holdsRecord(ctx context.Context, gameID string, data []byte) bool {
	var existing string
	err := s.do(ctx, "get_record", func() error {
		var err error
		existing, err = s.client.Get(ctx, RecordKeyPrefix+gameID).Result()
		return err
	})
	return err == nil && existing == string(data)
}

// GetRecord returns the record of a game
func (s *RedisStore) GetRecord(ctx context.Context, gameID string) (*GameRecord, error) {
	var data string
	err := s.do(ctx, "get_record", func() error {
		var err error
		data, err = s.client.Get(ctx, RecordKeyPrefix+gameID).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound.WithGameID(gameID)
	}
	if err != nil {
		return nil, ErrStorageFailure.WithOperation("get_record").WithGameID(gameID).WithCause(err)
	}

	var record GameRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, ErrStorageFailure.WithOperation("get_record").WithGameID(gameID).
			WithDetails("corrupt record document").WithCause(err)
	}
	return &record, nil
}
