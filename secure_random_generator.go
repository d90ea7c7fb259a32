package fairdraw

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

// SecureRandomGenerator implements secure random generation using crypto/rand.
// It is the local fallback of RandomSource and never caches output.
type SecureRandomGenerator struct{}

// NewSecureRandomGenerator creates a new secure random generator
func NewSecureRandomGenerator() *SecureRandomGenerator {
	return &SecureRandomGenerator{}
}

// GenerateInRange generates a secure random number within [min, max] (inclusive)
func (g *SecureRandomGenerator) GenerateInRange(min, max int64) (int64, error) {
	if min > max {
		return 0, ErrInvalidRange
	}

	if min == max {
		return min, nil
	}

	// max-min+1 may overflow int64, so the range size is computed in big.Int
	rangeSize := new(big.Int).Sub(big.NewInt(max), big.NewInt(min))
	rangeSize.Add(rangeSize, big.NewInt(1))

	n, err := rand.Int(rand.Reader, rangeSize)
	if err != nil {
		return 0, ErrEntropyFailure.WithCause(err)
	}

	return n.Add(n, big.NewInt(min)).Int64(), nil
}

// GenerateMultipleInRange generates count values in [min, max]
func (g *SecureRandomGenerator) GenerateMultipleInRange(min, max int64, count int) ([]int64, error) {
	if err := ValidateCount(count); err != nil {
		return nil, err
	}

	values := make([]int64, count)
	for i := range count {
		v, err := g.GenerateInRange(min, max)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	return values, nil
}

// GenerateString generates a string of length characters drawn uniformly from alphabet
func (g *SecureRandomGenerator) GenerateString(length int, alphabet string) (string, error) {
	if length <= 0 || alphabet == "" {
		return "", ErrInvalidParameters.WithDetails("length and alphabet must be non-empty")
	}

	symbols := []rune(alphabet)
	limit := big.NewInt(int64(len(symbols)))

	var b strings.Builder
	b.Grow(length)
	for range length {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", ErrEntropyFailure.WithCause(err)
		}
		b.WriteRune(symbols[n.Int64()])
	}

	return b.String(), nil
}

// GenerateHex returns n random bytes hex-encoded
func (g *SecureRandomGenerator) GenerateHex(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidCount
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrEntropyFailure.WithCause(err)
	}

	return hex.EncodeToString(buf), nil
}
