package fairdraw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"
)

// maxClientSeedLength bounds caller-supplied client seeds
const maxClientSeedLength = 256

// ValidateRange validates draw range parameters
func ValidateRange(min, max int64) error {
	if min > max {
		return ErrInvalidRange.WithDetails(fmt.Sprintf("min=%d max=%d", min, max))
	}
	return nil
}

// ValidateCount validates the number of values requested in one draw
func ValidateCount(count int) error {
	if count <= 0 {
		return ErrInvalidCount.WithDetails(fmt.Sprintf("count=%d", count))
	}
	return nil
}

// ValidateSecretLength validates a server seed length
func ValidateSecretLength(length int) error {
	if length < MinSecretLength || length > MaxSecretLength {
		return ErrInvalidSecretLength.WithDetails(
			fmt.Sprintf("length=%d, allowed [%d, %d]", length, MinSecretLength, MaxSecretLength))
	}
	return nil
}

// ValidateClientSeed validates a caller-supplied client seed
func ValidateClientSeed(clientSeed string) error {
	if !utf8.ValidString(clientSeed) {
		return ErrInvalidClientSeed.WithDetails("not valid UTF-8")
	}
	if len(clientSeed) > maxClientSeedLength {
		return ErrInvalidClientSeed.WithDetails(fmt.Sprintf("longer than %d bytes", maxClientSeedLength))
	}
	return nil
}

// generateLockValue returns a random owner token for a resolve lock
func generateLockValue() string {
	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return fmt.Sprintf("owner-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(token[:])
}

// detachedContext keeps the values of parent but not its cancellation, and
// bounds the result by timeout
func detachedContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
