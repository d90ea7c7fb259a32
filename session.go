package fairdraw

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a game session
type SessionStatus string

const (
	StatusCommitted SessionStatus = "committed"
	StatusResolved  SessionStatus = "resolved"
)

// SourceKind tells where a random value came from
type SourceKind string

const (
	SourceExternal SourceKind = "external"
	SourceLocal    SourceKind = "local"
)

// Provenance describes the origin of a random value
type Provenance struct {
	Source      SourceKind `json:"source"`
	Degraded    bool       `json:"degraded"`
	RequestedAt time.Time  `json:"requestedAt"`
	// CompletedAt is the completion time reported by the random service; zero for local values
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Reason      string    `json:"reason,omitempty"`
}

// Draw is the result of one RandomSource.Acquire call
type Draw struct {
	Values     []int64    `json:"values"`
	Provenance Provenance `json:"provenance"`
}

// GameSession is the public view of one opening event; it never carries the server seed
type GameSession struct {
	GameID         string        `json:"gameId"`
	ServerSeedHash string        `json:"serverSeedHash"`
	ClientSeed     string        `json:"clientSeed"`
	Nonce          int64         `json:"nonce"`
	Status         SessionStatus `json:"status"`
	CommittedAt    time.Time     `json:"committedAt"`
	ResolvedAt     time.Time     `json:"resolvedAt,omitzero"`
	SeedProvenance Provenance    `json:"seedProvenance"`
}

// Clone returns a copy of the session
func (s *GameSession) Clone() *GameSession {
	c := *s
	return &c
}

// CommitReceipt is returned to the caller when a session is committed
type CommitReceipt struct {
	GameID         string    `json:"gameId"`
	ServerSeedHash string    `json:"serverSeedHash"`
	ClientSeed     string    `json:"clientSeed"`
	Nonce          int64     `json:"nonce"`
	CommittedAt    time.Time `json:"committedAt"`
}

// GameRecord is the immutable ledger entry of a resolved session
type GameRecord struct {
	GameID         string       `json:"gameId"`
	ServerSeed     string       `json:"serverSeed"`
	ServerSeedHash string       `json:"serverSeedHash"`
	ClientSeed     string       `json:"clientSeed"`
	Nonce          int64        `json:"nonce"`
	DrawnValue     int64        `json:"drawnValue"`
	CombinedDigest string       `json:"combinedDigest"`
	OutcomeIndex   int          `json:"outcomeIndex"`
	Prizes         []PrizeEntry `json:"prizes"`
	Provenance     Provenance   `json:"sourceProvenance"`
	SeedProvenance Provenance   `json:"seedProvenance"`
	CommittedAt    time.Time    `json:"committedAt"`
	ResolvedAt     time.Time    `json:"resolvedAt"`
}

// Session returns the resolved session view of the record
func (r *GameRecord) Session() *GameSession {
	return &GameSession{
		GameID:         r.GameID,
		ServerSeedHash: r.ServerSeedHash,
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
		Status:         StatusResolved,
		CommittedAt:    r.CommittedAt,
		ResolvedAt:     r.ResolvedAt,
		SeedProvenance: r.SeedProvenance,
	}
}

// Outcome returns the payload of the winning prize
func (r *GameRecord) Outcome() json.RawMessage {
	if r.OutcomeIndex < 0 || r.OutcomeIndex >= len(r.Prizes) {
		return nil
	}
	return r.Prizes[r.OutcomeIndex].Payload
}

// Clone returns a deep copy of the record
func (r *GameRecord) Clone() *GameRecord {
	c := *r
	c.Prizes = make([]PrizeEntry, len(r.Prizes))
	for i, p := range r.Prizes {
		c.Prizes[i] = p.Clone()
	}
	return &c
}

// Redacted returns a copy without the server seed; Reveal discloses it
func (r *GameRecord) Redacted() *GameRecord {
	c := r.Clone()
	c.ServerSeed = ""
	return c
}

// VerificationReport lists the result of every verification check
type VerificationReport struct {
	GameID         string `json:"gameId"`
	SeedMatches    bool   `json:"seedMatches"`
	DigestMatches  bool   `json:"digestMatches"`
	OutcomeMatches bool   `json:"outcomeMatches"`
	SourceAttested bool   `json:"sourceAttested"`
	Degraded       bool   `json:"degraded"`
	Valid          bool   `json:"valid"`

	ExpectedOutcomeIndex int      `json:"expectedOutcomeIndex"`
	FailedChecks         []string `json:"failedChecks,omitempty"`
}

// Err returns ErrIntegrityFailure naming the failed checks, or nil when the report is valid
func (r *VerificationReport) Err() error {
	if r.Valid {
		return nil
	}
	return ErrIntegrityFailure.WithGameID(r.GameID).WithMetadata("failed_checks", r.FailedChecks)
}
