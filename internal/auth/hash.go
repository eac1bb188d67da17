package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// keyParams are the Argon2id cost settings recorded alongside every hash in
// the principals file, so raising the cost later does not invalidate keys
// hashed under the old settings.
type keyParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

var currentParams = keyParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

const (
	hashScheme = "argon2id"
	saltLen    = 16
)

var b64 = base64.RawStdEncoding

// HashAPIKey hashes a principal's API key for the principals file. The
// result looks like
//
//	argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := currentParams
	sum := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		hashScheme, argon2.Version, p.memory, p.time, p.threads,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// VerifyAPIKey reports whether apiKey matches an encoded hash produced by
// HashAPIKey. A malformed hash is an error, not a mismatch.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want))) //nolint:gosec // len bounded by decode
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// equalizeTiming burns one derivation at the current cost. Authenticate
// calls it for unknown principals so response time does not reveal which
// ids exist.
func equalizeTiming() {
	p := currentParams
	argon2.IDKey([]byte("kansa"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

func decodeHash(encoded string) (keyParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != hashScheme {
		return keyParams{}, nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return keyParams{}, nil, nil, fmt.Errorf("auth: parse hash version: %w", err)
	}
	if version != argon2.Version {
		return keyParams{}, nil, nil, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}
	var p keyParams
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return keyParams{}, nil, nil, fmt.Errorf("auth: parse hash params: %w", err)
	}
	if p.time == 0 || p.memory == 0 || p.threads == 0 {
		return keyParams{}, nil, nil, fmt.Errorf("auth: hash params must be positive")
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return keyParams{}, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	sum, err := b64.DecodeString(parts[4])
	if err != nil {
		return keyParams{}, nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(sum) == 0 {
		return keyParams{}, nil, nil, fmt.Errorf("auth: empty hash")
	}
	return p, salt, sum, nil
}
