package fairdraw

import (
	"context"
	"errors"
	"time"
)

// Names of the checks reported in VerificationReport.FailedChecks
const (
	CheckSeed    = "seedMatches"
	CheckDigest  = "digestMatches"
	CheckOutcome = "outcomeMatches"
)

// Verifier re-derives every value of a resolved session from its record
type Verifier struct {
	sessions SessionStore
	records  RecordStore
	skew     time.Duration
	logger   Logger
	monitor  *DrawMonitor
}

// NewVerifier creates a verifier; skew is the tolerated clock difference
// when attesting the random service completion time
func NewVerifier(sessions SessionStore, records RecordStore, skew time.Duration, logger Logger, monitor *DrawMonitor) *Verifier {
	if skew < 0 {
		skew = DefaultCompletionSkew
	}
	if logger == nil {
		logger = NewSilentLogger()
	}
	return &Verifier{sessions: sessions, records: records, skew: skew, logger: logger, monitor: monitor}
}

// Verify checks the stored record of gameID against revealedSeed. An empty
// revealedSeed verifies against the seed disclosed in the record.
// A failing check is a report outcome, not an error.
func (v *Verifier) Verify(ctx context.Context, gameID, revealedSeed string) (*VerificationReport, error) {
	v.logger.Debug("Verify called with game_id=%s, seed_supplied=%v", gameID, revealedSeed != "")

	record, err := v.records.GetRecord(ctx, gameID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			v.logger.Error("Verify failed to load record game_id=%s: %v", gameID, err)
			return nil, err
		}
		if _, serr := v.sessions.GetSession(ctx, gameID); serr != nil {
			return nil, serr
		}
		return nil, ErrSessionNotResolved.WithGameID(gameID)
	}

	seed := revealedSeed
	if seed == "" {
		seed = record.ServerSeed
	}

	report := VerifyRecordWithSkew(record, seed, v.skew)
	v.monitor.RecordVerification(report.Valid)

	if report.Valid {
		v.logger.Info("Verification passed game_id=%s, source_attested=%v", gameID, report.SourceAttested)
	} else {
		v.logger.Info("Verification failed game_id=%s, failed_checks=%v", gameID, report.FailedChecks)
	}
	return report, nil
}

// VerifyRecord verifies a record offline with the default completion skew
func VerifyRecord(record *GameRecord, revealedSeed string) *VerificationReport {
	return VerifyRecordWithSkew(record, revealedSeed, DefaultCompletionSkew)
}

// VerifyRecordWithSkew recomputes the commitment, the digest and the outcome
// of record from revealedSeed and its stored draw
func VerifyRecordWithSkew(record *GameRecord, revealedSeed string, skew time.Duration) *VerificationReport {
	report := &VerificationReport{
		GameID:               record.GameID,
		Degraded:             record.Provenance.Degraded,
		ExpectedOutcomeIndex: -1,
	}

	report.SeedMatches = digestEqual(HashServerSeed(revealedSeed), record.ServerSeedHash)
	report.DigestMatches = digestEqual(
		CombinedDigest(revealedSeed, record.ClientSeed, record.Nonce), record.CombinedDigest)

	if index, _, err := OutcomeFromDraw(record.Prizes, record.DrawnValue); err == nil {
		report.ExpectedOutcomeIndex = index
		report.OutcomeMatches = index == record.OutcomeIndex
	}

	report.SourceAttested = attestSource(record.Provenance, record.CommittedAt, record.ResolvedAt, skew)
	report.Valid = report.SeedMatches && report.DigestMatches && report.OutcomeMatches

	if !report.SeedMatches {
		report.FailedChecks = append(report.FailedChecks, CheckSeed)
	}
	if !report.DigestMatches {
		report.FailedChecks = append(report.FailedChecks, CheckDigest)
	}
	if !report.OutcomeMatches {
		report.FailedChecks = append(report.FailedChecks, CheckOutcome)
	}

	return report
}

// attestSource accepts an explicitly degraded local draw, or an external draw
// whose completion time falls between commitment and resolution (within skew)
func attestSource(p Provenance, committedAt, resolvedAt time.Time, skew time.Duration) bool {
	switch p.Source {
	case SourceLocal:
		return p.Degraded
	case SourceExternal:
		if p.Degraded || p.CompletedAt.IsZero() {
			return false
		}
		return !p.CompletedAt.Before(committedAt.Add(-skew)) && !p.CompletedAt.After(resolvedAt.Add(skew))
	default:
		return false
	}
}
