package fairdraw

import (
	"context"
	"errors"
	"time"
)

// OutcomeResolver draws one value for a committed session and maps it onto
// a prize list. Each game ID resolves at most once.
type OutcomeResolver struct {
	sessions    SessionStore
	records     RecordStore
	source      *RandomSource
	locker      Locker
	lockTimeout time.Duration
	logger      Logger
	monitor     *DrawMonitor
}

// NewOutcomeResolver creates a resolver
func NewOutcomeResolver(
	sessions SessionStore, records RecordStore, source *RandomSource, locker Locker,
	lockTimeout time.Duration, logger Logger, monitor *DrawMonitor,
) *OutcomeResolver {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultResolveLockTimeout
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	return &OutcomeResolver{
		sessions:    sessions,
		records:     records,
		source:      source,
		locker:      locker,
		lockTimeout: lockTimeout,
		logger:      logger,
		monitor:     monitor,
	}
}

// Resolve draws the outcome of a committed session. The returned record has
// its server seed redacted. Concurrent calls for one game serialize; exactly
// one succeeds and the others get ErrSessionAlreadyResolved.
func (r *OutcomeResolver) Resolve(ctx context.Context, gameID string, prizes []PrizeEntry) (*GameRecord, error) {
	r.logger.Debug("Resolve called with game_id=%s, prizes=%d", gameID, len(prizes))

	record, err := r.resolve(ctx, gameID, prizes)
	r.monitor.RecordResolve(err == nil, errors.Is(err, ErrSessionAlreadyResolved))
	if err != nil {
		r.logger.Error("Resolve failed for game_id=%s: %v", gameID, err)
		return nil, err
	}

	r.logger.Info("Session resolved game_id=%s, drawn_value=%d, outcome_index=%d, source=%s, degraded=%v",
		record.GameID, record.DrawnValue, record.OutcomeIndex, record.Provenance.Source, record.Provenance.Degraded)
	return record.Redacted(), nil
}

func (r *OutcomeResolver) resolve(ctx context.Context, gameID string, prizes []PrizeEntry) (*GameRecord, error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	unlock, err := r.locker.Lock(lockCtx, gameID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// the caller deadline stops applying once the lock is held
	ctx, cancelOp := detachedContext(ctx, r.source.OperationTimeout())
	defer cancelOp()

	session, err := r.sessions.GetSession(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusResolved {
		return nil, ErrSessionAlreadyResolved.WithGameID(gameID)
	}

	// a record without a Resolved status means the status update was lost
	if existing, err := r.records.GetRecord(ctx, gameID); err == nil {
		r.repairStatus(ctx, existing)
		return nil, ErrSessionAlreadyResolved.WithGameID(gameID)
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	if err := ValidatePrizeList(prizes); err != nil {
		return nil, err
	}

	serverSeed, err := r.sessions.ServerSeed(ctx, gameID)
	if err != nil {
		return nil, err
	}

	draw, err := r.source.Acquire(ctx, 0, Scale-1, 1)
	if err != nil {
		return nil, err
	}

	drawnValue := draw.Values[0]
	index, percentage, err := OutcomeFromDraw(prizes, drawnValue)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Outcome mapped game_id=%s, drawn_value=%d, percentage=%s, index=%d",
		gameID, drawnValue, percentage.String(), index)

	record := &GameRecord{
		GameID:         gameID,
		ServerSeed:     serverSeed,
		ServerSeedHash: session.ServerSeedHash,
		ClientSeed:     session.ClientSeed,
		Nonce:          session.Nonce,
		DrawnValue:     drawnValue,
		CombinedDigest: CombinedDigest(serverSeed, session.ClientSeed, session.Nonce),
		OutcomeIndex:   index,
		Prizes:         ClonePrizeList(prizes),
		Provenance:     draw.Provenance,
		SeedProvenance: session.SeedProvenance,
		CommittedAt:    session.CommittedAt,
		ResolvedAt:     time.Now().UTC(),
	}

	// the ledger append is the commit point of a resolution
	if err := r.records.AppendRecord(ctx, record); err != nil {
		if errors.Is(err, ErrRecordExists) {
			return nil, ErrSessionAlreadyResolved.WithGameID(gameID).WithCause(err)
		}
		r.monitor.RecordStoreError()
		return nil, err
	}

	if err := r.sessions.MarkResolved(ctx, gameID, record.ResolvedAt); err != nil && !errors.Is(err, ErrSessionAlreadyResolved) {
		r.monitor.RecordStoreError()
		r.logger.Error("Record stored but status update failed for game_id=%s: %v", gameID, err)
	}

	return record, nil
}

func (r *OutcomeResolver) repairStatus(ctx context.Context, record *GameRecord) {
	if err := r.sessions.MarkResolved(ctx, record.GameID, record.ResolvedAt); err == nil {
		r.logger.Info("Session status repaired from ledger game_id=%s", record.GameID)
	}
}
