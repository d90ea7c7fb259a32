package fairdraw

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quarterPrizes() []PrizeEntry {
	return []PrizeEntry{
		{Weight: decimal.NewFromInt(25), Payload: []byte(`{"id":"common"}`)},
		{Weight: decimal.NewFromInt(25), Payload: []byte(`{"id":"uncommon"}`)},
		{Weight: decimal.NewFromInt(25), Payload: []byte(`{"id":"rare"}`)},
		{Weight: decimal.NewFromInt(25), Payload: []byte(`{"id":"legendary"}`)},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine := NewMemoryEngine(NewSilentLogger())
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// newExternalEngine builds an engine whose random source talks to service
func newExternalEngine(t *testing.T, service RandomService) (*Engine, *DrawMonitor) {
	t.Helper()
	monitor := NewDrawMonitor()
	source := newTestSource(t, service, monitor)
	engine, err := NewEngine(EngineOptions{Source: source, Logger: NewSilentLogger(), Monitor: monitor})
	require.NoError(t, err)
	return engine, monitor
}

// stalledService never answers before the request context is done
func stalledService() *fakeService {
	return &fakeService{
		integers: func(ctx context.Context, min, max int64, count int) (*ServiceIntegers, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		strings: func(ctx context.Context, count, length int, alphabet string) (*ServiceStrings, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// lossyStatusStore drops status updates while failMark is set
type lossyStatusStore struct {
	*MemoryStore
	failMark atomic.Bool
}

func (s *lossyStatusStore) MarkResolved(ctx context.Context, gameID string, resolvedAt time.Time) error {
	if s.failMark.Load() {
		return ErrStorageFailure.WithOperation("mark_resolved")
	}
	return s.MemoryStore.MarkResolved(ctx, gameID, resolvedAt)
}

func TestEngine_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("receipt_carries_commitment_only", func(t *testing.T) {
		engine := newTestEngine(t)

		receipt, err := engine.Commit(ctx, "player-seed")
		require.NoError(t, err)
		assert.NotEmpty(t, receipt.GameID)
		assert.Equal(t, "player-seed", receipt.ClientSeed)
		assert.Equal(t, int64(0), receipt.Nonce)
		assert.Len(t, receipt.ServerSeedHash, 64)

		session, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, session.Status)
		assert.Equal(t, receipt.ServerSeedHash, session.ServerSeedHash)
		assert.Equal(t, SourceLocal, session.SeedProvenance.Source)
		assert.True(t, session.SeedProvenance.Degraded)
	})

	t.Run("generated_client_seed", func(t *testing.T) {
		engine := newTestEngine(t)

		receipt, err := engine.Commit(ctx, "")
		require.NoError(t, err)
		assert.Len(t, receipt.ClientSeed, 2*DefaultClientSeedBytes)
		_, err = hex.DecodeString(receipt.ClientSeed)
		assert.NoError(t, err)
	})

	t.Run("invalid_client_seed", func(t *testing.T) {
		engine := newTestEngine(t)

		tests := []struct {
			name       string
			clientSeed string
		}{
			{name: "invalid_utf8", clientSeed: "\xff\xfe"},
			{name: "too_long", clientSeed: strings.Repeat("x", 257)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := engine.Commit(ctx, tt.clientSeed)
				assert.ErrorIs(t, err, ErrInvalidClientSeed)
			})
		}
		assert.Equal(t, int64(2), engine.Metrics().CommitFailures)
	})

	t.Run("concurrent_commits_get_distinct_nonces", func(t *testing.T) {
		engine := newTestEngine(t)
		const commits = 1000

		var (
			mu      sync.Mutex
			nonces  = make(map[int64]bool)
			gameIDs = make(map[string]bool)
			wg      sync.WaitGroup
		)
		for range commits {
			wg.Add(1)
			go func() {
				defer wg.Done()
				receipt, err := engine.Commit(ctx, "shared")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				nonces[receipt.Nonce] = true
				gameIDs[receipt.GameID] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, nonces, commits)
		assert.Len(t, gameIDs, commits)
		for i := int64(0); i < commits; i++ {
			assert.True(t, nonces[i], "nonce %d missing", i)
		}
	})

	t.Run("external_seed", func(t *testing.T) {
		engine, _ := newExternalEngine(t, healthyService(0))

		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		session, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, SourceExternal, session.SeedProvenance.Source)
		assert.False(t, session.SeedProvenance.Degraded)
	})

	t.Run("caller_deadline_does_not_abort_started_commit", func(t *testing.T) {
		engine, _ := newExternalEngine(t, stalledService())

		callerCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		receipt, err := engine.Commit(callerCtx, "C")
		require.NoError(t, err)
		assert.Error(t, callerCtx.Err())

		session, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, session.Status)
		assert.Equal(t, SourceLocal, session.SeedProvenance.Source)
		assert.True(t, session.SeedProvenance.Degraded)
	})
}

func TestEngine_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves_once_and_redacts_seed", func(t *testing.T) {
		engine := newTestEngine(t)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		record, err := engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)
		assert.Empty(t, record.ServerSeed)
		assert.Equal(t, receipt.ServerSeedHash, record.ServerSeedHash)
		assert.GreaterOrEqual(t, record.DrawnValue, int64(0))
		assert.Less(t, record.DrawnValue, int64(Scale))
		assert.Equal(t, SourceLocal, record.Provenance.Source)
		assert.True(t, record.Provenance.Degraded)
		assert.Equal(t, string(ErrCodeServiceDisabled)+" "+ErrServiceDisabled.Message, record.Provenance.Reason)

		expected, _, err := OutcomeFromDraw(quarterPrizes(), record.DrawnValue)
		require.NoError(t, err)
		assert.Equal(t, expected, record.OutcomeIndex)
		assert.NotNil(t, record.Outcome())

		_, err = engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		assert.ErrorIs(t, err, ErrSessionAlreadyResolved)

		session, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, session.Status)
		assert.False(t, session.ResolvedAt.IsZero())

		metrics := engine.Metrics()
		assert.Equal(t, int64(1), metrics.Resolutions)
		assert.Equal(t, int64(1), metrics.ResolveConflicts)
	})

	t.Run("external_draw_selects_outcome", func(t *testing.T) {
		engine, monitor := newExternalEngine(t, healthyService(60000))
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		record, err := engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)
		assert.Equal(t, int64(60000), record.DrawnValue)
		assert.Equal(t, 2, record.OutcomeIndex)
		assert.JSONEq(t, `{"id":"rare"}`, string(record.Outcome()))
		assert.Equal(t, SourceExternal, record.Provenance.Source)
		assert.False(t, record.Provenance.Degraded)

		report, err := engine.Verify(ctx, receipt.GameID, "")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.True(t, report.SourceAttested)
		assert.Zero(t, monitor.GetMetrics().FallbackDraws)
	})

	t.Run("service_outage_falls_back", func(t *testing.T) {
		engine, monitor := newExternalEngine(t, failingService(ErrServiceUnavailable))
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		record, err := engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)
		assert.Equal(t, SourceLocal, record.Provenance.Source)
		assert.True(t, record.Provenance.Degraded)
		assert.NotEmpty(t, record.Provenance.Reason)

		report, err := engine.Verify(ctx, receipt.GameID, "")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.True(t, report.Degraded)
		assert.True(t, report.SourceAttested)
		assert.Equal(t, int64(2), monitor.GetMetrics().FallbackDraws, "seed and draw both fell back")
	})

	t.Run("concurrent_resolves_succeed_once", func(t *testing.T) {
		engine := newTestEngine(t)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		const callers = 20
		var (
			successes atomic.Int32
			conflicts atomic.Int32
			wg        sync.WaitGroup
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := engine.Resolve(ctx, receipt.GameID, quarterPrizes())
				switch {
				case err == nil:
					successes.Add(1)
				case IsStateError(err):
					conflicts.Add(1)
				default:
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(callers-1), conflicts.Load())
	})

	t.Run("invalid_prizes_leave_session_committed", func(t *testing.T) {
		engine := newTestEngine(t)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		_, err = engine.Resolve(ctx, receipt.GameID, nil)
		assert.ErrorIs(t, err, ErrEmptyPrizeList)

		negative := quarterPrizes()
		negative[1].Weight = decimal.NewFromInt(-1)
		_, err = engine.Resolve(ctx, receipt.GameID, negative)
		assert.ErrorIs(t, err, ErrNegativeWeight)

		session, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, session.Status)

		_, err = engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		assert.NoError(t, err)
	})

	t.Run("unknown_session", func(t *testing.T) {
		engine := newTestEngine(t)
		_, err := engine.Resolve(ctx, "missing", quarterPrizes())
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("caller_prize_list_is_snapshotted", func(t *testing.T) {
		engine := newTestEngine(t)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		prizes := quarterPrizes()
		_, err = engine.Resolve(ctx, receipt.GameID, prizes)
		require.NoError(t, err)
		prizes[0].Weight = decimal.NewFromInt(1000)

		report, err := engine.Verify(ctx, receipt.GameID, "")
		require.NoError(t, err)
		assert.True(t, report.Valid)
	})

	t.Run("caller_deadline_does_not_abort_started_resolve", func(t *testing.T) {
		service := healthyService(60000)
		engine, monitor := newExternalEngine(t, service)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		stalled := stalledService()
		service.mu.Lock()
		service.integers = stalled.integers
		service.mu.Unlock()

		callerCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		record, err := engine.Resolve(callerCtx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)
		assert.Equal(t, SourceLocal, record.Provenance.Source)
		assert.True(t, record.Provenance.Degraded)
		assert.Error(t, callerCtx.Err())

		session, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, session.Status)

		report, err := engine.Verify(ctx, receipt.GameID, "")
		require.NoError(t, err)
		assert.True(t, report.Valid)

		metrics := monitor.GetMetrics()
		assert.Equal(t, int64(1), metrics.Resolutions)
		assert.Equal(t, int64(1), metrics.FallbackDraws)
		assert.Zero(t, metrics.ResolveFailures)
	})

	t.Run("lost_status_update_is_repaired", func(t *testing.T) {
		store := &lossyStatusStore{MemoryStore: NewMemoryStore()}
		engine, err := NewEngine(EngineOptions{Sessions: store, Logger: NewSilentLogger()})
		require.NoError(t, err)
		defer engine.Close()

		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		store.failMark.Store(true)
		_, err = engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err, "the ledger append commits the resolution")
		assert.Equal(t, int64(1), engine.Metrics().StoreErrors)

		raw, err := store.GetSession(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusCommitted, raw.Status)

		view, err := engine.Session(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, view.Status)

		store.failMark.Store(false)
		_, err = engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		assert.ErrorIs(t, err, ErrSessionAlreadyResolved)

		raw, err = store.GetSession(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, raw.Status)
	})
}

func TestEngine_RevealAndVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("reveal_requires_resolution", func(t *testing.T) {
		engine := newTestEngine(t)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)

		_, err = engine.Reveal(ctx, receipt.GameID)
		assert.ErrorIs(t, err, ErrSessionNotResolved)

		_, err = engine.Verify(ctx, receipt.GameID, "")
		assert.ErrorIs(t, err, ErrSessionNotResolved)

		_, err = engine.Record(ctx, receipt.GameID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("revealed_seed_matches_commitment", func(t *testing.T) {
		engine := newTestEngine(t)
		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)
		_, err = engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)

		seed, err := engine.Reveal(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Len(t, seed, DefaultSecretLength)
		assert.Equal(t, receipt.ServerSeedHash, HashServerSeed(seed))

		report, err := engine.Verify(ctx, receipt.GameID, seed)
		require.NoError(t, err)
		assert.True(t, report.Valid)

		report, err = engine.Verify(ctx, receipt.GameID, seed+"x")
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.ErrorIs(t, report.Err(), ErrIntegrityFailure)

		record, err := engine.Record(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Empty(t, record.ServerSeed)
		assert.Equal(t, CombinedDigest(seed, "C", receipt.Nonce), record.CombinedDigest)
	})

	t.Run("unknown_game", func(t *testing.T) {
		engine := newTestEngine(t)
		_, err := engine.Reveal(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = engine.Session(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestEngine_Operations(t *testing.T) {
	ctx := context.Background()

	t.Run("health", func(t *testing.T) {
		engine := newTestEngine(t)
		health := engine.Health()
		assert.Equal(t, "ok", health["status"])
		assert.Contains(t, health, "random_source")
		assert.Contains(t, health, "metrics")
	})

	t.Run("usage_without_service", func(t *testing.T) {
		engine := newTestEngine(t)
		_, err := engine.Usage(ctx)
		assert.ErrorIs(t, err, ErrServiceDisabled)
	})

	t.Run("reset_metrics", func(t *testing.T) {
		engine := newTestEngine(t)
		_, err := engine.Commit(ctx, "C")
		require.NoError(t, err)
		engine.ResetMetrics()
		assert.Zero(t, engine.Metrics().Commits)
	})

	t.Run("update_config", func(t *testing.T) {
		logger, err := NewZapLogger("info", "json")
		require.NoError(t, err)
		engine, err := NewEngine(EngineOptions{Logger: logger})
		require.NoError(t, err)
		defer engine.Close()

		assert.ErrorIs(t, engine.UpdateConfig(nil), ErrInvalidParameters)

		invalid := DefaultConfig()
		invalid.Engine.SecretLength = 1
		assert.ErrorIs(t, engine.UpdateConfig(invalid), ErrInvalidSecretLength)

		cfg := DefaultConfig()
		cfg.Log.Level = "debug"
		require.NoError(t, engine.UpdateConfig(cfg))
		assert.Equal(t, "debug", logger.Level())
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		engine := NewMemoryEngine(NewSilentLogger())
		assert.NoError(t, engine.Close())
		assert.NoError(t, engine.Close())
	})

	t.Run("records_store_required", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{Sessions: sessionOnlyStore{}})
		assert.ErrorIs(t, err, ErrInvalidParameters)
	})
}

// sessionOnlyStore implements SessionStore but not RecordStore
type sessionOnlyStore struct{}

func (sessionOnlyStore) CreateSession(context.Context, *GameSession, string) error { return nil }
func (sessionOnlyStore) GetSession(context.Context, string) (*GameSession, error) {
	return nil, ErrSessionNotFound
}
func (sessionOnlyStore) ServerSeed(context.Context, string) (string, error) { return "", nil }
func (sessionOnlyStore) NextNonce(context.Context, string) (int64, error)   { return 0, nil }
func (sessionOnlyStore) MarkResolved(context.Context, string, time.Time) error {
	return nil
}

func TestNewEngineFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("memory_store_with_sqlite_ledger", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Ledger = LedgerDriverSQLite
		cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

		engine, err := NewEngineFromConfig(ctx, cfg, NewSilentLogger())
		require.NoError(t, err)

		receipt, err := engine.Commit(ctx, "C")
		require.NoError(t, err)
		_, err = engine.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)

		report, err := engine.Verify(ctx, receipt.GameID, "")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		require.NoError(t, engine.Close())

		ledger, err := OpenSQLiteRecordStore(cfg.Storage.SQLitePath, nil)
		require.NoError(t, err)
		defer ledger.Close()

		record, err := ledger.GetRecord(ctx, receipt.GameID)
		require.NoError(t, err)
		assert.Equal(t, receipt.ServerSeedHash, HashServerSeed(record.ServerSeed))
	})

	t.Run("nonce_stream_continues_after_restart", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Ledger = LedgerDriverSQLite
		cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

		first, err := NewEngineFromConfig(ctx, cfg, NewSilentLogger())
		require.NoError(t, err)
		for want := range int64(2) {
			receipt, err := first.Commit(ctx, "C")
			require.NoError(t, err)
			assert.Equal(t, want, receipt.Nonce)
			_, err = first.Resolve(ctx, receipt.GameID, quarterPrizes())
			require.NoError(t, err)
		}
		require.NoError(t, first.Close())

		second, err := NewEngineFromConfig(ctx, cfg, NewSilentLogger())
		require.NoError(t, err)
		defer second.Close()

		receipt, err := second.Commit(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, int64(2), receipt.Nonce)
		_, err = second.Resolve(ctx, receipt.GameID, quarterPrizes())
		require.NoError(t, err)

		other, err := second.Commit(ctx, "D")
		require.NoError(t, err)
		assert.Equal(t, int64(0), other.Nonce)
	})

	t.Run("invalid_config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Driver = "etcd"
		_, err := NewEngineFromConfig(ctx, cfg, NewSilentLogger())
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})
}
