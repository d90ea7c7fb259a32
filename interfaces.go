package fairdraw

import (
	"context"
	"time"
)

// RandomService defines the external source of true random values.
// Implementations report failures as errors; RandomSource absorbs them.
type RandomService interface {
	// GenerateIntegers returns count integers in [min, max]
	GenerateIntegers(ctx context.Context, min, max int64, count int) (*ServiceIntegers, error)

	// GenerateStrings returns count strings of length characters drawn from alphabet
	GenerateStrings(ctx context.Context, count, length int, alphabet string) (*ServiceStrings, error)

	// Usage returns the remaining quota of the service account
	Usage(ctx context.Context) (*ServiceUsage, error)
}

// SessionStore holds committed sessions, their write-once server seeds
// and the per client seed nonce counters
type SessionStore interface {
	// CreateSession stores a new Committed session together with its server seed.
	// It returns ErrDuplicateSession if the game ID already exists.
	CreateSession(ctx context.Context, session *GameSession, serverSeed string) error

	// GetSession returns the public view of a session or ErrSessionNotFound
	GetSession(ctx context.Context, gameID string) (*GameSession, error)

	// ServerSeed returns the stored server seed of a session
	ServerSeed(ctx context.Context, gameID string) (string, error)

	// NextNonce atomically reserves the next nonce of a client seed stream, starting at 0
	NextNonce(ctx context.Context, clientSeed string) (int64, error)

	// MarkResolved moves a session from Committed to Resolved exactly once.
	// It returns ErrSessionAlreadyResolved when the session was resolved before.
	MarkResolved(ctx context.Context, gameID string, resolvedAt time.Time) error
}

// RecordStore is the append-only ledger of resolved sessions
type RecordStore interface {
	// AppendRecord persists a record once; a second append returns ErrRecordExists
	AppendRecord(ctx context.Context, record *GameRecord) error

	// GetRecord returns the record of a game or ErrRecordNotFound
	GetRecord(ctx context.Context, gameID string) (*GameRecord, error)
}

// NonceHistory reports the highest nonce a durable ledger holds for a client seed
type NonceHistory interface {
	// LastNonce returns found=false when no record of clientSeed exists
	LastNonce(ctx context.Context, clientSeed string) (nonce int64, found bool, err error)
}

// Locker serializes resolution attempts per game ID
type Locker interface {
	// Lock blocks until the key is held or ctx is done; the returned func releases it
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Logger defines the interface for logging operations
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}
