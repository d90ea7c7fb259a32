package fairdraw

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	session    *GameSession
	serverSeed string
}

// MemoryStore implements SessionStore and RecordStore in process memory.
// It suits tests and single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	nonces   map[string]int64
	records  map[string]*GameRecord
	history  NonceHistory
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		nonces:   make(map[string]int64),
		records:  make(map[string]*GameRecord),
	}
}

// CreateSession stores a new Committed session together with its server seed
func (s *MemoryStore) CreateSession(ctx context.Context, session *GameSession, serverSeed string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.GameID]; exists {
		return ErrDuplicateSession.WithGameID(session.GameID)
	}

	s.sessions[session.GameID] = &memorySession{session: session.Clone(), serverSeed: serverSeed}
	return nil
}

// GetSession returns a copy of the stored session
func (s *MemoryStore) GetSession(ctx context.Context, gameID string) (*GameSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[gameID]
	if !ok {
		return nil, ErrSessionNotFound.WithGameID(gameID)
	}
	return entry.session.Clone(), nil
}

// ServerSeed returns the stored server seed of a session
func (s *MemoryStore) ServerSeed(ctx context.Context, gameID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[gameID]
	if !ok {
		return "", ErrSessionNotFound.WithGameID(gameID)
	}
	return entry.serverSeed, nil
}

// SetNonceHistory makes nonce streams continue after the last nonce of a
// durable ledger instead of restarting at 0
func (s *MemoryStore) SetNonceHistory(history NonceHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
}

// NextNonce reserves the next nonce of a client seed stream
func (s *MemoryStore) NextNonce(ctx context.Context, clientSeed string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, seen := s.nonces[clientSeed]
	if !seen && s.history != nil {
		last, found, err := s.history.LastNonce(ctx, clientSeed)
		if err != nil {
			return 0, err
		}
		if found {
			nonce = last + 1
		}
	}
	s.nonces[clientSeed] = nonce + 1
	return nonce, nil
}

// MarkResolved moves a session to Resolved exactly once
func (s *MemoryStore) MarkResolved(ctx context.Context, gameID string, resolvedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[gameID]
	if !ok {
		return ErrSessionNotFound.WithGameID(gameID)
	}
	if entry.session.Status == StatusResolved {
		return ErrSessionAlreadyResolved.WithGameID(gameID)
	}

	entry.session.Status = StatusResolved
	entry.session.ResolvedAt = resolvedAt
	return nil
}

// AppendRecord persists a record once
func (s *MemoryStore) AppendRecord(ctx context.Context, record *GameRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.GameID]; exists {
		return ErrRecordExists.WithGameID(record.GameID)
	}

	s.records[record.GameID] = record.Clone()
	return nil
}

// GetRecord returns a copy of the stored record
func (s *MemoryStore) GetRecord(ctx context.Context, gameID string) (*GameRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[gameID]
	if !ok {
		return nil, ErrRecordNotFound.WithGameID(gameID)
	}
	return record.Clone(), nil
}
