package fairdraw

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommitmentManager creates sessions whose server seed is fixed and hashed
// before any outcome is drawn
type CommitmentManager struct {
	store        SessionStore
	source       *RandomSource
	local        *SecureRandomGenerator
	secretLength int
	logger       Logger
	monitor      *DrawMonitor
}

// NewCommitmentManager creates a commitment manager
func NewCommitmentManager(store SessionStore, source *RandomSource, secretLength int, logger Logger, monitor *DrawMonitor) (*CommitmentManager, error) {
	if err := ValidateSecretLength(secretLength); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	return &CommitmentManager{
		store:        store,
		source:       source,
		local:        NewSecureRandomGenerator(),
		secretLength: secretLength,
		logger:       logger,
		monitor:      monitor,
	}, nil
}

// Commit opens a session. An empty clientSeed is replaced by 128 random bits, hex-encoded.
// Only the hash of the server seed leaves this method.
func (m *CommitmentManager) Commit(ctx context.Context, clientSeed string) (*CommitReceipt, error) {
	m.logger.Debug("Commit called with client_seed=%q", clientSeed)

	receipt, err := m.commit(ctx, clientSeed)
	m.monitor.RecordCommit(err == nil)
	if err != nil {
		m.logger.Error("Commit failed: %v", err)
		return nil, err
	}

	m.logger.Info("Session committed game_id=%s, client_seed=%s, nonce=%d, server_seed_hash=%s",
		receipt.GameID, receipt.ClientSeed, receipt.Nonce, receipt.ServerSeedHash)
	return receipt, nil
}

func (m *CommitmentManager) commit(ctx context.Context, clientSeed string) (*CommitReceipt, error) {
	if clientSeed == "" {
		generated, err := m.local.GenerateHex(DefaultClientSeedBytes)
		if err != nil {
			return nil, err
		}
		clientSeed = generated
	}
	if err := ValidateClientSeed(clientSeed); err != nil {
		return nil, err
	}

	// once started, a commit is not cancelled by the caller
	ctx, cancel := detachedContext(ctx, m.source.OperationTimeout())
	defer cancel()

	serverSeed, provenance, err := m.source.GenerateSecret(ctx, m.secretLength)
	if err != nil {
		return nil, err
	}

	nonce, err := m.store.NextNonce(ctx, clientSeed)
	if err != nil {
		return nil, err
	}

	session := &GameSession{
		GameID:         uuid.NewString(),
		ServerSeedHash: HashServerSeed(serverSeed),
		ClientSeed:     clientSeed,
		Nonce:          nonce,
		Status:         StatusCommitted,
		CommittedAt:    time.Now().UTC(),
		SeedProvenance: provenance,
	}

	if err := m.store.CreateSession(ctx, session, serverSeed); err != nil {
		return nil, err
	}

	return &CommitReceipt{
		GameID:         session.GameID,
		ServerSeedHash: session.ServerSeedHash,
		ClientSeed:     session.ClientSeed,
		Nonce:          session.Nonce,
		CommittedAt:    session.CommittedAt,
	}, nil
}
