package fairdraw

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// scaleDivisor maps a draw in [0, Scale-1] onto a percentage in [0, 100)
	scaleDivisor = decimal.NewFromInt(Scale).Div(decimal.NewFromInt(100))
)

// PrizeEntry is one weighted outcome of a container.
// Weights need not sum to 100; the payload is opaque to the engine.
type PrizeEntry struct {
	Weight  decimal.Decimal `json:"weight"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPrizeEntry creates an entry from a weight string such as "12.5"
func NewPrizeEntry(weight string, payload any) (PrizeEntry, error) {
	w, err := decimal.NewFromString(weight)
	if err != nil {
		return PrizeEntry{}, ErrInvalidParameters.WithDetails(fmt.Sprintf("weight %q", weight)).WithCause(err)
	}

	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return PrizeEntry{}, ErrInvalidParameters.WithDetails("payload").WithCause(err)
		}
	}

	return PrizeEntry{Weight: w, Payload: raw}, nil
}

// Validate validates the prize entry
func (p *PrizeEntry) Validate() error {
	if p.Weight.IsNegative() {
		return ErrNegativeWeight.WithDetails(p.Weight.String())
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return ErrInvalidParameters.WithDetails("payload is not valid JSON")
	}
	return nil
}

// Clone returns a copy that shares no memory with p
func (p PrizeEntry) Clone() PrizeEntry {
	return PrizeEntry{Weight: p.Weight, Payload: bytes.Clone(p.Payload)}
}

// ValidatePrizeList validates a slice of prize entries
func ValidatePrizeList(prizes []PrizeEntry) error {
	if len(prizes) == 0 {
		return ErrEmptyPrizeList
	}

	for i := range prizes {
		if err := prizes[i].Validate(); err != nil {
			if de, ok := err.(*DrawError); ok {
				return de.WithMetadata("index", i)
			}
			return err
		}
	}

	return nil
}

// ClonePrizeList snapshots a prize list
func ClonePrizeList(prizes []PrizeEntry) []PrizeEntry {
	out := make([]PrizeEntry, len(prizes))
	for i, p := range prizes {
		out[i] = p.Clone()
	}
	return out
}

// TotalWeight sums the weights of a prize list
func TotalWeight(prizes []PrizeEntry) decimal.Decimal {
	total := decimal.Zero
	for _, p := range prizes {
		total = total.Add(p.Weight)
	}
	return total
}

// PercentageFromDraw maps a draw in [0, Scale-1] onto [0, 100) exactly
func PercentageFromDraw(drawnValue int64) (decimal.Decimal, error) {
	if drawnValue < 0 || drawnValue >= Scale {
		return decimal.Zero, ErrInvalidRange.WithDetails(fmt.Sprintf("drawn value %d outside [0, %d]", drawnValue, Scale-1))
	}
	return decimal.NewFromInt(drawnValue).Div(scaleDivisor), nil
}

// SelectOutcome walks the prizes in order accumulating weight and returns
// the index of the first entry whose cumulative weight reaches percentage.
// Zero-weight entries are skipped. If the total never reaches percentage
// the last entry wins.
func SelectOutcome(prizes []PrizeEntry, percentage decimal.Decimal) (int, error) {
	if err := ValidatePrizeList(prizes); err != nil {
		return -1, err
	}

	cumulative := decimal.Zero
	for i, p := range prizes {
		if p.Weight.IsZero() {
			continue
		}
		cumulative = cumulative.Add(p.Weight)
		if cumulative.GreaterThanOrEqual(percentage) {
			return i, nil
		}
	}

	return len(prizes) - 1, nil
}

// OutcomeFromDraw combines PercentageFromDraw and SelectOutcome
func OutcomeFromDraw(prizes []PrizeEntry, drawnValue int64) (int, decimal.Decimal, error) {
	percentage, err := PercentageFromDraw(drawnValue)
	if err != nil {
		return -1, decimal.Zero, err
	}

	index, err := SelectOutcome(prizes, percentage)
	if err != nil {
		return -1, percentage, err
	}

	return index, percentage, nil
}
