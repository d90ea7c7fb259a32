package fairdraw

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

// HashServerSeed returns the commitment of a server seed: hex(SHA-256(seed))
func HashServerSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// DigestMessage is the HMAC message binding a client seed and nonce
func DigestMessage(clientSeed string, nonce int64) string {
	return clientSeed + DigestSeparator + strconv.FormatInt(nonce, 10)
}

// CombinedDigest returns hex(HMAC-SHA256(key=serverSeed, msg=clientSeed ":" nonce))
func CombinedDigest(serverSeed, clientSeed string, nonce int64) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(DigestMessage(clientSeed, nonce)))
	return hex.EncodeToString(mac.Sum(nil))
}

// digestEqual compares two hex digests in constant time
func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
