package fairdraw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRecord(t *testing.T) {
	t.Run("valid_record", func(t *testing.T) {
		record := testRecord("g-1", "C", 0)

		report := VerifyRecord(record, "seed-g-1")
		assert.True(t, report.Valid)
		assert.True(t, report.SeedMatches)
		assert.True(t, report.DigestMatches)
		assert.True(t, report.OutcomeMatches)
		assert.True(t, report.SourceAttested)
		assert.False(t, report.Degraded)
		assert.Equal(t, 2, report.ExpectedOutcomeIndex)
		assert.Empty(t, report.FailedChecks)
		assert.NoError(t, report.Err())
	})

	t.Run("wrong_seed", func(t *testing.T) {
		report := VerifyRecord(testRecord("g-1", "C", 0), "seed-g-1'")
		assert.False(t, report.Valid)
		assert.False(t, report.SeedMatches)
		assert.False(t, report.DigestMatches)
		assert.True(t, report.OutcomeMatches)
		assert.Equal(t, []string{CheckSeed, CheckDigest}, report.FailedChecks)

		err := report.Err()
		assert.ErrorIs(t, err, ErrIntegrityFailure)
		assert.Equal(t, KindIntegrity, KindOf(err))
	})

	t.Run("seed_S_client_C_draw_60000", func(t *testing.T) {
		record := &GameRecord{
			GameID:         "g-literal",
			ServerSeedHash: HashServerSeed("S"),
			ClientSeed:     "C",
			Nonce:          0,
			DrawnValue:     60000,
			CombinedDigest: CombinedDigest("S", "C", 0),
			OutcomeIndex:   2,
			Prizes:         quarterPrizes(),
			Provenance:     Provenance{Source: SourceLocal, Degraded: true, Reason: "disabled"},
			CommittedAt:    time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
			ResolvedAt:     time.Date(2026, 10, 19, 8, 1, 0, 0, time.UTC),
		}

		tests := []struct {
			name        string
			seed        string
			seedMatches bool
			valid       bool
		}{
			{name: "revealed_seed", seed: "S", seedMatches: true, valid: true},
			{name: "altered_seed", seed: "S'", seedMatches: false, valid: false},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				report := VerifyRecord(record, tt.seed)
				assert.Equal(t, 2, report.ExpectedOutcomeIndex)
				assert.True(t, report.OutcomeMatches)
				assert.Equal(t, tt.seedMatches, report.SeedMatches)
				assert.Equal(t, tt.seedMatches, report.DigestMatches)
				assert.Equal(t, tt.valid, report.Valid)
			})
		}
	})

	tamper := []struct {
		name         string
		mutate       func(r *GameRecord)
		failedChecks []string
	}{
		{
			name:         "tampered_client_seed",
			mutate:       func(r *GameRecord) { r.ClientSeed = "D" },
			failedChecks: []string{CheckDigest},
		},
		{
			name:         "tampered_nonce",
			mutate:       func(r *GameRecord) { r.Nonce = 1 },
			failedChecks: []string{CheckDigest},
		},
		{
			name:         "tampered_outcome_index",
			mutate:       func(r *GameRecord) { r.OutcomeIndex = 1 },
			failedChecks: []string{CheckOutcome},
		},
		{
			name:         "tampered_drawn_value",
			mutate:       func(r *GameRecord) { r.DrawnValue = 10000 },
			failedChecks: []string{CheckOutcome},
		},
		{
			name:         "tampered_commitment",
			mutate:       func(r *GameRecord) { r.ServerSeedHash = HashServerSeed("other") },
			failedChecks: []string{CheckSeed},
		},
	}

	for _, tt := range tamper {
		t.Run(tt.name, func(t *testing.T) {
			record := testRecord("g-1", "C", 0)
			tt.mutate(record)

			report := VerifyRecord(record, "seed-g-1")
			assert.False(t, report.Valid)
			assert.Equal(t, tt.failedChecks, report.FailedChecks)
		})
	}

	t.Run("invalid_prize_list_fails_outcome", func(t *testing.T) {
		record := testRecord("g-1", "C", 0)
		record.Prizes = nil

		report := VerifyRecord(record, "seed-g-1")
		assert.False(t, report.OutcomeMatches)
		assert.Equal(t, -1, report.ExpectedOutcomeIndex)
	})

	t.Run("degraded_local_draw_is_valid", func(t *testing.T) {
		record := testRecord("g-1", "C", 0)
		record.Provenance = Provenance{Source: SourceLocal, Degraded: true, Reason: "QUEUE_TIMEOUT random service queue timed out"}

		report := VerifyRecord(record, "seed-g-1")
		assert.True(t, report.Valid)
		assert.True(t, report.Degraded)
		assert.True(t, report.SourceAttested)
	})
}

func TestAttestSource(t *testing.T) {
	committedAt := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	resolvedAt := committedAt.Add(time.Minute)
	skew := 5 * time.Second

	tests := []struct {
		name       string
		provenance Provenance
		expected   bool
	}{
		{
			name:       "external_within_window",
			provenance: Provenance{Source: SourceExternal, CompletedAt: committedAt.Add(30 * time.Second)},
			expected:   true,
		},
		{
			name:       "external_within_skew_before_commit",
			provenance: Provenance{Source: SourceExternal, CompletedAt: committedAt.Add(-3 * time.Second)},
			expected:   true,
		},
		{
			name:       "external_before_commit",
			provenance: Provenance{Source: SourceExternal, CompletedAt: committedAt.Add(-time.Minute)},
			expected:   false,
		},
		{
			name:       "external_after_resolve",
			provenance: Provenance{Source: SourceExternal, CompletedAt: resolvedAt.Add(time.Minute)},
			expected:   false,
		},
		{
			name:       "external_without_completion_time",
			provenance: Provenance{Source: SourceExternal},
			expected:   false,
		},
		{
			name:       "external_marked_degraded",
			provenance: Provenance{Source: SourceExternal, Degraded: true, CompletedAt: committedAt.Add(time.Second)},
			expected:   false,
		},
		{
			name:       "local_degraded",
			provenance: Provenance{Source: SourceLocal, Degraded: true},
			expected:   true,
		},
		{
			name:       "local_not_marked_degraded",
			provenance: Provenance{Source: SourceLocal},
			expected:   false,
		},
		{
			name:       "unknown_source",
			provenance: Provenance{Source: "oracle", CompletedAt: committedAt.Add(time.Second)},
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, attestSource(tt.provenance, committedAt, resolvedAt, skew))
		})
	}
}

func TestVerifier_Verify(t *testing.T) {
	ctx := context.Background()

	newVerifier := func(t *testing.T) (*Verifier, *MemoryStore, *DrawMonitor) {
		t.Helper()
		store := NewMemoryStore()
		monitor := NewDrawMonitor()
		return NewVerifier(store, store, DefaultCompletionSkew, nil, monitor), store, monitor
	}

	t.Run("verifies_stored_record", func(t *testing.T) {
		verifier, store, monitor := newVerifier(t)
		require.NoError(t, store.AppendRecord(ctx, testRecord("g-1", "C", 0)))

		report, err := verifier.Verify(ctx, "g-1", "seed-g-1")
		require.NoError(t, err)
		assert.True(t, report.Valid)

		report, err = verifier.Verify(ctx, "g-1", "forged")
		require.NoError(t, err)
		assert.False(t, report.Valid)

		metrics := monitor.GetMetrics()
		assert.Equal(t, int64(2), metrics.Verifications)
		assert.Equal(t, int64(1), metrics.VerificationFailures)
	})

	t.Run("empty_seed_uses_disclosed_seed", func(t *testing.T) {
		verifier, store, _ := newVerifier(t)
		require.NoError(t, store.AppendRecord(ctx, testRecord("g-1", "C", 0)))

		report, err := verifier.Verify(ctx, "g-1", "")
		require.NoError(t, err)
		assert.True(t, report.Valid)
	})

	t.Run("session_not_resolved", func(t *testing.T) {
		verifier, store, _ := newVerifier(t)
		require.NoError(t, store.CreateSession(ctx, testSession("g-1", "C", 0), "seed-g-1"))

		_, err := verifier.Verify(ctx, "g-1", "seed-g-1")
		assert.ErrorIs(t, err, ErrSessionNotResolved)
	})

	t.Run("session_not_found", func(t *testing.T) {
		verifier, _, _ := newVerifier(t)

		_, err := verifier.Verify(ctx, "missing", "x")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("negative_skew_uses_default", func(t *testing.T) {
		store := NewMemoryStore()
		verifier := NewVerifier(store, store, -time.Second, nil, nil)
		assert.Equal(t, DefaultCompletionSkew, verifier.skew)
	})
}
