package fairdraw

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedRedisStore(t *testing.T) (*RedisStore, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() { _ = db.Close() })
	return NewRedisStoreWithRetry(db, nil, 0, time.Millisecond), mock
}

func TestRedisStore_CreateSession(t *testing.T) {
	ctx := context.Background()
	session := testSession("g-1", "C", 0)
	data, err := json.Marshal(session)
	require.NoError(t, err)
	keys := []string{SessionKeyPrefix + "g-1", StatusKeyPrefix + "g-1", SecretKeyPrefix + "g-1"}

	t.Run("created", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectEval(createSessionScript, keys, data, string(StatusCommitted), "seed").SetVal(int64(1))

		require.NoError(t, store.CreateSession(ctx, session, "seed"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectEval(createSessionScript, keys, data, string(StatusCommitted), "seed").SetVal(int64(0))

		err := store.CreateSession(ctx, session, "seed")
		assert.ErrorIs(t, err, ErrDuplicateSession)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis_error", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectEval(createSessionScript, keys, data, string(StatusCommitted), "seed").
			SetErr(errors.New("NOSCRIPT denied"))

		err := store.CreateSession(ctx, session, "seed")
		assert.ErrorIs(t, err, ErrStorageFailure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transient_error_is_retried", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()
		monitor := NewDrawMonitor()
		store := NewRedisStoreWithRetry(db, nil, 1, time.Millisecond)
		store.SetMonitor(monitor)

		mock.ExpectEval(createSessionScript, keys, data, string(StatusCommitted), "seed").
			SetErr(errors.New("read tcp 127.0.0.1:6379: connection reset by peer"))
		mock.ExpectEval(createSessionScript, keys, data, string(StatusCommitted), "seed").SetVal(int64(1))

		require.NoError(t, store.CreateSession(ctx, session, "seed"))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Equal(t, int64(1), monitor.GetMetrics().StoreErrors)
	})
}

func TestRedisStore_GetSession(t *testing.T) {
	ctx := context.Background()
	session := testSession("g-1", "C", 3)
	data, err := json.Marshal(session)
	require.NoError(t, err)

	t.Run("committed", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(SessionKeyPrefix + "g-1").SetVal(string(data))
		mock.ExpectHGetAll(StatusKeyPrefix + "g-1").SetVal(map[string]string{"state": "committed"})

		got, err := store.GetSession(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, session.GameID, got.GameID)
		assert.Equal(t, int64(3), got.Nonce)
		assert.Equal(t, StatusCommitted, got.Status)
		assert.True(t, got.ResolvedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status_overrides_document", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		resolvedAt := time.Date(2026, 10, 19, 9, 0, 0, 123, time.UTC)
		mock.ExpectGet(SessionKeyPrefix + "g-1").SetVal(string(data))
		mock.ExpectHGetAll(StatusKeyPrefix + "g-1").SetVal(map[string]string{
			"state":       "resolved",
			"resolved_at": resolvedAt.Format(time.RFC3339Nano),
		})

		got, err := store.GetSession(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, got.Status)
		assert.True(t, resolvedAt.Equal(got.ResolvedAt))
	})

	t.Run("not_found", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(SessionKeyPrefix + "missing").RedisNil()

		_, err := store.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrupt_document", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(SessionKeyPrefix + "g-1").SetVal("{not json")

		_, err := store.GetSession(ctx, "g-1")
		assert.ErrorIs(t, err, ErrStorageFailure)
	})
}

func TestRedisStore_ServerSeed(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(SecretKeyPrefix + "g-1").SetVal("seed")

		seed, err := store.ServerSeed(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, "seed", seed)
	})

	t.Run("not_found", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(SecretKeyPrefix + "g-1").RedisNil()

		_, err := store.ServerSeed(ctx, "g-1")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestRedisStore_NextNonce(t *testing.T) {
	ctx := context.Background()

	t.Run("first_nonce_is_zero", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectIncr(NonceKeyPrefix + "C").SetVal(1)
		mock.ExpectIncr(NonceKeyPrefix + "C").SetVal(2)

		n, err := store.NextNonce(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = store.NextNonce(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis_error", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectIncr(NonceKeyPrefix + "C").SetErr(errors.New("WRONGTYPE"))

		_, err := store.NextNonce(ctx, "C")
		assert.ErrorIs(t, err, ErrStorageFailure)
	})
}

func TestRedisStore_MarkResolved(t *testing.T) {
	ctx := context.Background()
	resolvedAt := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	args := []any{string(StatusResolved), resolvedAt.Format(time.RFC3339Nano)}

	tests := []struct {
		name        string
		result      int64
		expectError error
	}{
		{name: "resolved", result: 1},
		{name: "already_resolved", result: 0, expectError: ErrSessionAlreadyResolved},
		{name: "unknown_session", result: -1, expectError: ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockedRedisStore(t)
			mock.ExpectEval(markResolvedScript, []string{StatusKeyPrefix + "g-1"}, args...).SetVal(tt.result)

			err := store.MarkResolved(ctx, "g-1", resolvedAt)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisStore_Records(t *testing.T) {
	ctx := context.Background()
	record := testRecord("g-1", "C", 0)
	data, err := json.Marshal(record)
	require.NoError(t, err)

	t.Run("append", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectSetNX(RecordKeyPrefix+"g-1", data, 0).SetVal(true)

		require.NoError(t, store.AppendRecord(ctx, record))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("append_existing", func(t *testing.T) {
		other, err := json.Marshal(testRecord("g-1", "C", 1))
		require.NoError(t, err)

		store, mock := newMockedRedisStore(t)
		mock.ExpectSetNX(RecordKeyPrefix+"g-1", data, 0).SetVal(false)
		mock.ExpectGet(RecordKeyPrefix + "g-1").SetVal(string(other))

		assert.ErrorIs(t, store.AppendRecord(ctx, record), ErrRecordExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("append_existing_unreadable", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectSetNX(RecordKeyPrefix+"g-1", data, 0).SetVal(false)
		mock.ExpectGet(RecordKeyPrefix + "g-1").SetErr(errors.New("LOADING"))

		assert.ErrorIs(t, store.AppendRecord(ctx, record), ErrRecordExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry_after_lost_reply_is_idempotent", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		defer db.Close()
		store := NewRedisStoreWithRetry(db, nil, 1, time.Millisecond)

		mock.ExpectSetNX(RecordKeyPrefix+"g-1", data, 0).
			SetErr(errors.New("read tcp 127.0.0.1:6379: i/o timeout"))
		mock.ExpectSetNX(RecordKeyPrefix+"g-1", data, 0).SetVal(false)
		mock.ExpectGet(RecordKeyPrefix + "g-1").SetVal(string(data))

		require.NoError(t, store.AppendRecord(ctx, record))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("append_oversized", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		big := testRecord("g-2", "C", 1)
		big.Prizes[0].Payload = json.RawMessage(`"` + strings.Repeat("a", MaxSerializationSize) + `"`)

		assert.ErrorIs(t, store.AppendRecord(ctx, big), ErrInvalidParameters)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(RecordKeyPrefix + "g-1").SetVal(string(data))

		got, err := store.GetRecord(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, record.CombinedDigest, got.CombinedDigest)
		assert.Equal(t, record.ServerSeed, got.ServerSeed)
		assert.Len(t, got.Prizes, 4)
		assert.True(t, record.Prizes[1].Weight.Equal(got.Prizes[1].Weight))
		assert.True(t, record.Provenance.CompletedAt.Equal(got.Provenance.CompletedAt))
	})

	t.Run("get_missing", func(t *testing.T) {
		store, mock := newMockedRedisStore(t)
		mock.ExpectGet(RecordKeyPrefix + "g-1").RedisNil()

		_, err := store.GetRecord(ctx, "g-1")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}
